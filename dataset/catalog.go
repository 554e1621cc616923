package dataset

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianlab/scenedex/index"
)

// TileRecord is one discovered scene file: its spatiotemporal bounding box
// and the path of the backing raster. Records are immutable once created.
type TileRecord struct {
	BBox index.BoundingBox
	Path string
}

// acquisitionTimeField is the 0-based position of the acquisition date in
// the underscore-delimited scene filename, per the USGS scene naming
// convention (e.g. LC08_L1TP_190037_20200101_20200113_02_T1_B4.TIF).
const acquisitionTimeField = 3

const acquisitionTimeLayout = "20060102"

// acquisitionTime parses the acquisition date out of a scene filename.
func acquisitionTime(path string) (time.Time, error) {
	fields := strings.Split(filepath.Base(path), "_")
	if len(fields) <= acquisitionTimeField {
		return time.Time{}, fmt.Errorf("filename has %d underscore-delimited fields, need at least %d", len(fields), acquisitionTimeField+1)
	}
	t, err := time.Parse(acquisitionTimeLayout, fields[acquisitionTimeField])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad acquisition date %q: %w", fields[acquisitionTimeField], err)
	}
	return t, nil
}

// scan walks root/<BaseFolder> for files of the representative band,
// extracts each scene's acquisition time and spatial bounds, and returns
// one TileRecord per readable scene. Files that cannot be parsed or opened
// are skipped and reported as warnings; only a failure to walk the
// directory itself aborts the scan. File probing runs on a bounded worker
// pool since each probe is independent blocking I/O.
func scan(root string, cfg SensorConfig, band string, src RasterSource, workers int, logger *slog.Logger) ([]TileRecord, []*ScanWarning, error) {
	dir := filepath.Join(root, cfg.BaseFolder)
	suffix := "_" + band + ".TIF"

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	var (
		mu       sync.Mutex
		records  []TileRecord
		warnings []*ScanWarning
	)
	warn := func(path string, err error) {
		w := &ScanWarning{Path: path, Err: err}
		logger.Warn("skipping tile during scan", "path", path, "error", err)
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, path := range paths {
		g.Go(func() error {
			ts, err := acquisitionTime(path)
			if err != nil {
				warn(path, err)
				return nil
			}

			r, err := src.Open(path)
			if err != nil {
				warn(path, err)
				return nil
			}
			minX, minY, maxX, maxY := r.Bounds()
			r.Close()

			epoch := float64(ts.Unix())
			rec := TileRecord{
				BBox: index.BoundingBox{
					MinX: minX, MaxX: maxX,
					MinY: minY, MaxY: maxY,
					MinT: epoch, MaxT: epoch,
				},
				Path: path,
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return records, warnings, nil
}
