package index

import "fmt"

// BoundingBox is an axis-aligned interval in x, y and time. Spatial values
// are in the dataset's projected units, temporal values are Unix-epoch
// seconds. A tile acquired at a single instant has MinT == MaxT.
type BoundingBox struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinT, MaxT float64
}

// Valid reports whether min <= max holds on every axis.
func (b BoundingBox) Valid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY && b.MinT <= b.MaxT
}

// Intersects reports whether b and o overlap on all three axes. Intervals
// are closed, so boxes that merely touch count as intersecting.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX <= o.MaxX && o.MinX <= b.MaxX &&
		b.MinY <= o.MaxY && o.MinY <= b.MaxY &&
		b.MinT <= o.MaxT && o.MinT <= b.MaxT
}

// Union returns the smallest box covering both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinX: min(b.MinX, o.MinX), MaxX: max(b.MaxX, o.MaxX),
		MinY: min(b.MinY, o.MinY), MaxY: max(b.MaxY, o.MaxY),
		MinT: min(b.MinT, o.MinT), MaxT: max(b.MaxT, o.MaxT),
	}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(x: %g..%g, y: %g..%g, t: %g..%g)",
		b.MinX, b.MaxX, b.MinY, b.MaxY, b.MinT, b.MaxT)
}
