/*
	Package tasks implements the processing tasks of the collection on top of
	the storage, multiscale, roi, tiles, and watershed components.  Every
	task follows the same pattern: read chunked regions, transform, write
	chunked regions, rebuild the output pyramid.

	Store layout: an image group holds its ImageAttrs JSON under the group
	name, one 3-d intensity array per channel and level under
	<group>/<level>/c<channel index>, and label images under
	<group>/labels/<name> with per-level arrays <group>/labels/<name>/<level>.
*/
package tasks

import (
	"encoding/binary"
	"fmt"

	"github.com/apx-bio/secseg/storage"
	"github.com/apx-bio/secseg/tiles"
)

// TaskEnv carries the collaborators shared by all tasks.
type TaskEnv struct {
	Store    storage.Store
	Workers  int
	Observer tiles.Observer
}

func intensityArrayPath(group string, level, channelIndex int) string {
	return fmt.Sprintf("%s/%d/c%d", group, level, channelIndex)
}

func labelGroupPath(group, name string) string {
	return fmt.Sprintf("%s/labels/%s", group, name)
}

func labelArrayPath(group, name string, level int) string {
	return fmt.Sprintf("%s/labels/%s/%d", group, name, level)
}

// inputCacheBytes bounds the read-through cache wrapped around each input
// array; overlapping ROIs re-read regions from memory instead of the store.
const inputCacheBytes = 64 << 20

func bytesToU16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return out
}

func bytesToU32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}

func u32ToBytes(vals []uint32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
