package secseg

import (
	"github.com/twinj/uuid"
)

// RunID uniquely identifies one segmentation run and is recorded both in the
// log and in the provenance attributes of the output label image.
type RunID string

// NewRunID returns a random version 4 UUID.
func NewRunID() RunID {
	return RunID(uuid.NewV4().String())
}
