package dataset

import (
	"fmt"
	"os"

	"github.com/meridianlab/scenedex/geotiff"
)

// Raster is one opened scene file. Handles are short-lived scoped
// resources: open, read a window, close.
type Raster interface {
	// Bounds reports the georeferenced extent in projected units.
	Bounds() (minX, minY, maxX, maxY float64)
	// WorldToPixel maps a projected coordinate onto the pixel grid.
	WorldToPixel(x, y float64) (col, row int)
	// Read extracts a pixel window from the given 1-based band.
	Read(band int, w geotiff.Window) ([][]int32, error)
	Close() error
}

// RasterSource opens raster files by path. Implementations must support
// concurrent independent opens.
type RasterSource interface {
	Open(path string) (Raster, error)
}

// FileSource reads scene files from the local filesystem through the
// geotiff package.
type FileSource struct {
	// CacheMaxSize and CacheItemsToPrune configure the per-handle decoded
	// tile cache; zero values pick small defaults.
	CacheMaxSize      int64
	CacheItemsToPrune uint32
}

func (s FileSource) Open(path string) (Raster, error) {
	cacheSize := s.CacheMaxSize
	if cacheSize == 0 {
		cacheSize = 128
	}
	itemsToPrune := s.CacheItemsToPrune
	if itemsToPrune == 0 {
		itemsToPrune = 16
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g, err := geotiff.Open(f, cacheSize, itemsToPrune)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &fileRaster{f: f, g: g}, nil
}

type fileRaster struct {
	f *os.File
	g *geotiff.GeoTIFF
}

func (r *fileRaster) Bounds() (minX, minY, maxX, maxY float64) { return r.g.Rect() }

func (r *fileRaster) WorldToPixel(x, y float64) (col, row int) { return r.g.WorldToPixel(x, y) }

func (r *fileRaster) Read(band int, w geotiff.Window) ([][]int32, error) {
	return r.g.ReadWindow(band, w)
}

func (r *fileRaster) Close() error { return r.f.Close() }
