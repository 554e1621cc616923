// Package dataset indexes a directory of satellite scene files by spatial
// extent and acquisition time and answers bounding-box queries with
// windowed pixel data.
package dataset

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/meridianlab/scenedex/geotiff"
	"github.com/meridianlab/scenedex/index"
)

// SelectionPolicy decides which tile serves a query when several intersect
// the query box.
type SelectionPolicy int

const (
	// SelectFirst takes the first hit produced by the index traversal.
	// Overlapping tiles are not merged and no best-match ranking is
	// applied; this mirrors the single-hit behavior downstream consumers
	// depend on.
	SelectFirst SelectionPolicy = iota

	// SelectNearestTime picks the tile whose acquisition time is closest
	// to the midpoint of the query's time interval.
	SelectNearestTime
)

// WindowMode controls how the query box is turned into a pixel window.
type WindowMode int

const (
	// WindowPixelSpace uses the query's x/y values directly as pixel
	// offsets and extents. The caller must supply the query in the tile's
	// pixel-space convention. This is the compatibility default; it skips
	// the tile's geotransform entirely.
	WindowPixelSpace WindowMode = iota

	// WindowWorldSpace maps the query's projected coordinates through the
	// tile's geotransform before reading.
	WindowWorldSpace
)

// Sample is the result of one query: the extracted pixel window plus the
// provenance of the tile it came from.
type Sample struct {
	Image      [][]int32
	Path       string
	Time       time.Time
	TileBounds index.BoundingBox
}

// Dataset is a read-only spatiotemporal index over one sensor's scene
// directory. Build it once with Open; concurrent Query calls are safe.
type Dataset struct {
	cfg      SensorConfig
	bands    []string
	src      RasterSource
	policy   SelectionPolicy
	mode     WindowMode
	logger   *slog.Logger
	idx      *index.Index[TileRecord]
	bounds   index.BoundingBox
	warnings []*ScanWarning
}

type Option func(*Dataset)

// WithBands overrides the sensor's full band list. The first band is the
// representative band used to discover scenes.
func WithBands(bands ...string) Option {
	return func(d *Dataset) { d.bands = bands }
}

// WithRasterSource substitutes the raster backend, mainly for tests.
func WithRasterSource(src RasterSource) Option {
	return func(d *Dataset) { d.src = src }
}

// WithSelectionPolicy overrides the default first-hit tile selection.
func WithSelectionPolicy(p SelectionPolicy) Option {
	return func(d *Dataset) { d.policy = p }
}

// WithWindowMode overrides the default pixel-space window interpretation.
func WithWindowMode(m WindowMode) Option {
	return func(d *Dataset) { d.mode = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dataset) { d.logger = logger }
}

// scanWorkers bounds the parallelism of the build-time file probes.
const scanWorkers = 8

// Open scans root for the sensor's scenes and builds the in-memory index.
// Unreadable or misnamed files are skipped and reported via Warnings; an
// empty catalog is an error.
func Open(root string, sensor Sensor, opts ...Option) (*Dataset, error) {
	cfg, ok := sensor.Config()
	if !ok {
		return nil, fmt.Errorf("unknown sensor %q", sensor)
	}

	d := &Dataset{
		cfg:    cfg,
		bands:  cfg.BandNames,
		src:    FileSource{},
		logger: slog.Default(),
		idx:    index.New[TileRecord](),
	}
	for _, opt := range opts {
		opt(d)
	}

	if len(d.bands) == 0 {
		return nil, fmt.Errorf("sensor %q has no bands configured", sensor)
	}
	for _, b := range d.bands {
		if !slices.Contains(cfg.BandNames, b) {
			return nil, fmt.Errorf("band %q is not provided by sensor %q", b, sensor)
		}
	}

	records, warnings, err := scan(root, cfg, d.bands[0], d.src, scanWorkers, d.logger)
	if err != nil {
		return nil, err
	}
	d.warnings = warnings

	for _, rec := range records {
		d.idx.Insert(rec.BBox, rec)
	}

	bounds, ok := d.idx.Bounds()
	if !ok {
		return nil, fmt.Errorf("no %s scenes found under %s", sensor, root)
	}
	d.bounds = bounds

	d.logger.Info("dataset indexed",
		"sensor", string(sensor),
		"tiles", d.idx.Count(),
		"skipped", len(warnings),
		"bounds", bounds.String(),
	)
	return d, nil
}

// Bounds returns the union of all indexed tile boxes.
func (d *Dataset) Bounds() index.BoundingBox { return d.bounds }

// Count returns the number of indexed tiles.
func (d *Dataset) Count() int { return d.idx.Count() }

// Warnings returns the files skipped during the catalog scan.
func (d *Dataset) Warnings() []*ScanWarning { return d.warnings }

// Query resolves a bounding box to pixel data. A box disjoint from the
// dataset bounds yields an OutOfRangeError; a box falling in a coverage
// gap yields ErrNoCoverage; a tile that became unreadable since the scan
// yields a ReadError. Each call opens, reads and closes the backing file;
// nothing is cached between calls.
func (d *Dataset) Query(q index.BoundingBox) (*Sample, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("invalid query box %s", q)
	}
	if !q.Intersects(d.bounds) {
		return nil, &OutOfRangeError{Query: q, Bounds: d.bounds}
	}

	hits := d.idx.Intersect(q)
	if len(hits) == 0 {
		return nil, fmt.Errorf("query %s: %w", q, ErrNoCoverage)
	}
	rec := d.selectTile(q, hits)

	r, err := d.src.Open(rec.Path)
	if err != nil {
		return nil, &ReadError{Path: rec.Path, Err: err}
	}
	defer r.Close()

	window := d.window(q, r)
	d.logger.Debug("resolved query", "query", q.String(), "path", rec.Path, "window", window.String())

	img, err := r.Read(1, window)
	if err != nil {
		return nil, &ReadError{Path: rec.Path, Err: err}
	}

	return &Sample{
		Image:      img,
		Path:       rec.Path,
		Time:       time.Unix(int64(rec.BBox.MinT), 0).UTC(),
		TileBounds: rec.BBox,
	}, nil
}

func (d *Dataset) selectTile(q index.BoundingBox, hits []index.Entry[TileRecord]) TileRecord {
	if d.policy == SelectNearestTime && len(hits) > 1 {
		mid := (q.MinT + q.MaxT) / 2
		best := hits[0]
		bestDelta := math.Abs(best.Box.MinT - mid)
		for _, h := range hits[1:] {
			if delta := math.Abs(h.Box.MinT - mid); delta < bestDelta {
				best, bestDelta = h, delta
			}
		}
		return best.Value
	}
	return hits[0].Value
}

func (d *Dataset) window(q index.BoundingBox, r Raster) geotiff.Window {
	if d.mode == WindowWorldSpace {
		col0, row0 := r.WorldToPixel(q.MinX, q.MaxY)
		col1, row1 := r.WorldToPixel(q.MaxX, q.MinY)
		return geotiff.Window{
			ColOff: col0,
			RowOff: row0,
			Width:  max(col1-col0, 1),
			Height: max(row1-row0, 1),
		}
	}
	return geotiff.Window{
		ColOff: int(q.MinX),
		RowOff: int(q.MinY),
		Width:  int(q.MaxX - q.MinX),
		Height: int(q.MaxY - q.MinY),
	}
}
