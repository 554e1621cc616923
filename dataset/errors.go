package dataset

import (
	"errors"
	"fmt"

	"github.com/meridianlab/scenedex/index"
)

// ErrNoCoverage is returned when a query box intersects the dataset bounds
// but falls in a gap between tiles.
var ErrNoCoverage = errors.New("no tile covers the query box")

// OutOfRangeError reports a query box that does not intersect the dataset
// bounds at all.
type OutOfRangeError struct {
	Query  index.BoundingBox
	Bounds index.BoundingBox
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("query %s is not within bounds of the index: %s", e.Query, e.Bounds)
}

// ReadError reports a tile file that could not be opened or read at query
// time, for example because it disappeared after the catalog was built.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read tile %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ScanWarning reports a single file skipped during the catalog scan. The
// scan continues past it; warnings are collected on the Dataset.
type ScanWarning struct {
	Path string
	Err  error
}

func (w *ScanWarning) Error() string {
	return fmt.Sprintf("skipped %s: %v", w.Path, w.Err)
}

func (w *ScanWarning) Unwrap() error { return w.Err }
