/*
	This file defines the error categories surfaced by the segmentation core.
	All errors are fatal for a run except MissingInputError, which callers
	treat as "nothing to do" and exit without producing output.
*/

package secseg

import "fmt"

// ConfigurationError signals a precondition violated before any tile work
// begins: bad axis ordering, out-of-bounds ROI indices, or an output array
// that exists without overwrite permission.
type ConfigurationError struct {
	msg string
	err error
}

func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func WrapConfigurationError(err error, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *ConfigurationError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.msg, e.err)
	}
	return "configuration error: " + e.msg
}

func (e *ConfigurationError) Unwrap() error { return e.err }

// MissingInputError signals a requested channel or label image is absent from
// source metadata.  Runs log a warning and exit early with no output.
type MissingInputError struct {
	msg string
}

func NewMissingInputError(format string, args ...interface{}) *MissingInputError {
	return &MissingInputError{msg: fmt.Sprintf(format, args...)}
}

func (e *MissingInputError) Error() string { return "missing input: " + e.msg }

// TileComputationError signals a per-tile failure: a tile with no seed
// labels, seed id-space overflow, or a failed watershed or hole-fill step.
// Any tile failure aborts the entire run.
type TileComputationError struct {
	msg string
	err error
}

func NewTileComputationError(format string, args ...interface{}) *TileComputationError {
	return &TileComputationError{msg: fmt.Sprintf(format, args...)}
}

func WrapTileComputationError(err error, format string, args ...interface{}) *TileComputationError {
	return &TileComputationError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *TileComputationError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("tile computation failed: %s: %v", e.msg, e.err)
	}
	return "tile computation failed: " + e.msg
}

func (e *TileComputationError) Unwrap() error { return e.err }

// StorageError signals a failed allocation, read, or write against a chunk
// store.  Always fatal and surfaced immediately.
type StorageError struct {
	msg string
	err error
}

func WrapStorageError(err error, format string, args ...interface{}) *StorageError {
	return &StorageError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *StorageError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("storage error: %s: %v", e.msg, e.err)
	}
	return "storage error: " + e.msg
}

func (e *StorageError) Unwrap() error { return e.err }
