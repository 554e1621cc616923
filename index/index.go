// Package index implements a three-dimensional (x, y, time) interval index
// over bounding boxes, built once and read-only afterwards.
package index

import (
	"math"

	"github.com/dhconnelly/rtreego"
)

// padScale sizes the outward padding applied to every R-tree rectangle.
// The tree's overlap test is strict, so zero-measure overlaps (touching
// boxes, point-in-time tiles) would be dropped without it. The padding is
// relative to the coordinate magnitude: an absolute epsilon is absorbed by
// float64 rounding at Unix-epoch scale. Candidates are re-checked against
// the exact closed intervals, so the padding can not produce false hits.
const padScale = 1e-9

func pad(v float64) float64 {
	return padScale * math.Max(1, math.Abs(v))
}

// Entry associates a stored value with the bounding box it was inserted
// under.
type Entry[T any] struct {
	Box   BoundingBox
	Value T
}

type item[T any] struct {
	entry Entry[T]
	rect  rtreego.Rect
}

func (it *item[T]) Bounds() rtreego.Rect { return it.rect }

// Index is a 3-D range index over (x, y, time) bounding boxes. Inserts are
// not safe for concurrent use; once built, any number of concurrent
// Intersect calls are.
type Index[T any] struct {
	tree   *rtreego.Rtree
	count  int
	bounds BoundingBox
}

// New returns an empty index.
func New[T any]() *Index[T] {
	return &Index[T]{tree: rtreego.NewTree(3, 25, 50)}
}

// Insert adds one record under the given box. Duplicate boxes are allowed;
// a location covered by two overlapping tiles yields two hits.
func (idx *Index[T]) Insert(box BoundingBox, value T) {
	idx.tree.Insert(&item[T]{
		entry: Entry[T]{Box: box, Value: value},
		rect:  rectFor(box),
	})
	if idx.count == 0 {
		idx.bounds = box
	} else {
		idx.bounds = idx.bounds.Union(box)
	}
	idx.count++
}

// Intersect returns every stored entry whose box overlaps the query box on
// all three axes. The order of results is not deterministic. An empty
// slice, never an error, is returned when nothing overlaps.
func (idx *Index[T]) Intersect(box BoundingBox) []Entry[T] {
	hits := idx.tree.SearchIntersect(rectFor(box))
	entries := make([]Entry[T], 0, len(hits))
	for _, h := range hits {
		e := h.(*item[T]).entry
		// The R-tree rects are padded; filter against the exact intervals.
		if e.Box.Intersects(box) {
			entries = append(entries, e)
		}
	}
	return entries
}

// Bounds returns the union of all inserted boxes. ok is false while the
// index is empty.
func (idx *Index[T]) Bounds() (b BoundingBox, ok bool) {
	return idx.bounds, idx.count > 0
}

// Count returns the number of inserted records.
func (idx *Index[T]) Count() int { return idx.count }

func rectFor(b BoundingBox) rtreego.Rect {
	lo := rtreego.Point{
		b.MinX - pad(b.MinX),
		b.MinY - pad(b.MinY),
		b.MinT - pad(b.MinT),
	}
	lengths := []float64{
		(b.MaxX + pad(b.MaxX)) - lo[0],
		(b.MaxY + pad(b.MaxY)) - lo[1],
		(b.MaxT + pad(b.MaxT)) - lo[2],
	}
	r, _ := rtreego.NewRect(lo, lengths)
	return r
}
