package watershed

import (
	"math"

	"github.com/apx-bio/secseg/storage"
)

// idx flattens (z,y,x) for a tile of the given shape.
func idx(shape storage.Shape3d, z, y, x int64) int64 {
	return (z*shape[1]+y)*shape[2] + x
}

// gaussianSmoothU16 applies a separable Gaussian to each z-plane, preserving
// the original value range, and rounds back to uint16.  Borders are handled
// by clamping to the nearest edge sample.
func gaussianSmoothU16(data []uint16, shape storage.Shape3d, sigma float64) []uint16 {
	radius := int64(math.Round(4 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	nz, ny, nx := shape[0], shape[1], shape[2]
	tmp := make([]float64, ny*nx)
	out := make([]uint16, len(data))
	for z := int64(0); z < nz; z++ {
		plane := data[z*ny*nx : (z+1)*ny*nx]
		// Horizontal pass.
		for y := int64(0); y < ny; y++ {
			for x := int64(0); x < nx; x++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					sx := clamp64(x+k, 0, nx-1)
					acc += kernel[k+radius] * float64(plane[y*nx+sx])
				}
				tmp[y*nx+x] = acc
			}
		}
		// Vertical pass.
		for y := int64(0); y < ny; y++ {
			for x := int64(0); x < nx; x++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					sy := clamp64(y+k, 0, ny-1)
					acc += kernel[k+radius] * tmp[sy*nx+x]
				}
				v := math.Round(acc)
				if v < 0 {
					v = 0
				} else if v > math.MaxUint16 {
					v = math.MaxUint16
				}
				out[z*ny*nx+y*nx+x] = uint16(v)
			}
		}
	}
	return out
}

// bernsenGlobalThreshold is the mid-gray fallback used where local contrast
// is below the contrast threshold, matching the reference behavior even for
// 16-bit data.
const bernsenGlobalThreshold = 128

// bernsenMask computes the background mask by Bernsen local-contrast
// thresholding each z-plane: within a square window of the given radius, a
// pixel is compared against the local mid-range where the window contrast
// reaches the contrast threshold, and against the global mid-gray fallback
// where it does not.
func bernsenMask(data []uint16, shape storage.Shape3d, radius int64, contrastThreshold uint16) []bool {
	nz, ny, nx := shape[0], shape[1], shape[2]
	mask := make([]bool, len(data))
	// Separable running min/max: horizontal pass, then vertical.
	hMin := make([]uint16, ny*nx)
	hMax := make([]uint16, ny*nx)
	for z := int64(0); z < nz; z++ {
		plane := data[z*ny*nx : (z+1)*ny*nx]
		for y := int64(0); y < ny; y++ {
			for x := int64(0); x < nx; x++ {
				lo := uint16(math.MaxUint16)
				hi := uint16(0)
				for k := max64(0, x-radius); k <= min64(nx-1, x+radius); k++ {
					v := plane[y*nx+k]
					if v < lo {
						lo = v
					}
					if v > hi {
						hi = v
					}
				}
				hMin[y*nx+x] = lo
				hMax[y*nx+x] = hi
			}
		}
		for y := int64(0); y < ny; y++ {
			for x := int64(0); x < nx; x++ {
				lo := uint16(math.MaxUint16)
				hi := uint16(0)
				for k := max64(0, y-radius); k <= min64(ny-1, y+radius); k++ {
					if v := hMin[k*nx+x]; v < lo {
						lo = v
					}
					if v := hMax[k*nx+x]; v > hi {
						hi = v
					}
				}
				var thresh uint32
				if uint32(hi)-uint32(lo) >= uint32(contrastThreshold) {
					thresh = (uint32(hi) + uint32(lo)) / 2
				} else {
					thresh = bernsenGlobalThreshold
				}
				mask[z*ny*nx+y*nx+x] = uint32(plane[y*nx+x]) > thresh
			}
		}
	}
	return mask
}

// neighbors3d holds the six axis-aligned offsets; for tiles with a singleton
// z the z offsets fall outside the tile and are skipped by bounds checks.
var neighbors3d = [6][3]int64{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// labelComponents labels connected true regions of the mask with ids
// 1..n in deterministic raster-scan order, using axis-aligned connectivity
// (4-connected in-plane, 6-connected across z).
func labelComponents(mask []bool, shape storage.Shape3d) (labels []uint32, n uint32) {
	nz, ny, nx := shape[0], shape[1], shape[2]
	labels = make([]uint32, len(mask))
	var queue []int64
	for z := int64(0); z < nz; z++ {
		for y := int64(0); y < ny; y++ {
			for x := int64(0); x < nx; x++ {
				start := idx(shape, z, y, x)
				if !mask[start] || labels[start] != 0 {
					continue
				}
				n++
				labels[start] = n
				queue = append(queue[:0], start)
				for len(queue) > 0 {
					p := queue[len(queue)-1]
					queue = queue[:len(queue)-1]
					pz := p / (ny * nx)
					py := (p / nx) % ny
					px := p % nx
					for _, d := range neighbors3d {
						qz, qy, qx := pz+d[0], py+d[1], px+d[2]
						if qz < 0 || qz >= nz || qy < 0 || qy >= ny || qx < 0 || qx >= nx {
							continue
						}
						q := idx(shape, qz, qy, qx)
						if mask[q] && labels[q] == 0 {
							labels[q] = n
							queue = append(queue, q)
						}
					}
				}
			}
		}
	}
	return labels, n
}

// AreaClosing fills small dark holes in a label tile: every connected
// equal-valued region of area <= areaThreshold whose border neighbors are
// all strictly brighter is raised to the minimum neighboring value.  An
// areaThreshold of 0 leaves the tile unchanged.
func AreaClosing(labels []uint32, shape storage.Shape3d, areaThreshold int64) []uint32 {
	out := make([]uint32, len(labels))
	copy(out, labels)
	if areaThreshold <= 0 {
		return out
	}
	nz, ny, nx := shape[0], shape[1], shape[2]
	visited := make([]bool, len(labels))
	var region, queue []int64
	for start := int64(0); start < int64(len(labels)); start++ {
		if visited[start] {
			continue
		}
		v := labels[start]
		region = region[:0]
		queue = append(queue[:0], start)
		visited[start] = true
		minNeighbor := uint32(math.MaxUint32)
		hasLower := false
		tooBig := false
		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			region = append(region, p)
			if int64(len(region)) > areaThreshold {
				tooBig = true
			}
			pz := p / (ny * nx)
			py := (p / nx) % ny
			px := p % nx
			for _, d := range neighbors3d {
				qz, qy, qx := pz+d[0], py+d[1], px+d[2]
				if qz < 0 || qz >= nz || qy < 0 || qy >= ny || qx < 0 || qx >= nx {
					continue
				}
				q := idx(shape, qz, qy, qx)
				if labels[q] == v {
					if !visited[q] {
						visited[q] = true
						queue = append(queue, q)
					}
				} else if labels[q] < v {
					hasLower = true
				} else if labels[q] < minNeighbor {
					minNeighbor = labels[q]
				}
			}
		}
		if tooBig || hasLower || minNeighbor == math.MaxUint32 {
			continue
		}
		for _, p := range region {
			out[p] = minNeighbor
		}
	}
	return out
}

func clamp64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
