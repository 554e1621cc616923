package geotiff

import (
	"errors"
	"fmt"
)

// Window is a rectangular sub-region of the raster's pixel grid, given as a
// column/row offset from the upper-left corner plus an extent.
type Window struct {
	ColOff int
	RowOff int
	Width  int
	Height int
}

func (w Window) String() string {
	return fmt.Sprintf("(col: %d, row: %d, %dx%d)", w.ColOff, w.RowOff, w.Width, w.Height)
}

// clip constrains the window to an image of the given dimensions.
func (w Window) clip(imageWidth, imageHeight int) Window {
	if w.ColOff < 0 {
		w.Width += w.ColOff
		w.ColOff = 0
	}
	if w.RowOff < 0 {
		w.Height += w.RowOff
		w.RowOff = 0
	}
	if w.ColOff+w.Width > imageWidth {
		w.Width = imageWidth - w.ColOff
	}
	if w.RowOff+w.Height > imageHeight {
		w.Height = imageHeight - w.RowOff
	}
	return w
}

// ReadWindow extracts the requested pixel window from the given band and
// returns it as rows of int32 samples. Only band 1 is addressable: scene
// band files carry a single sample per pixel. Windows reaching past the
// image edge are clipped, matching the usual raster-reader behavior; a
// window entirely outside the image yields an error.
func (g *GeoTIFF) ReadWindow(band int, w Window) ([][]int32, error) {
	if band != 1 {
		return nil, fmt.Errorf("band %d out of range: file has %d sample(s) per pixel", band, g.samplesPerPixel)
	}
	if g.samplesPerPixel != 1 {
		return nil, fmt.Errorf("unsupported SamplesPerPixel: %d", g.samplesPerPixel)
	}
	if w.Width <= 0 || w.Height <= 0 {
		return nil, fmt.Errorf("invalid window %s", w)
	}

	w = w.clip(int(g.imageWidth), int(g.imageLength))
	if w.Width <= 0 || w.Height <= 0 {
		return nil, errors.New("window lies outside the image")
	}

	out := make([][]int32, w.Height)
	for i := range out {
		out[i] = make([]int32, w.Width)
	}

	tw, th := int(g.tileWidth), int(g.tileLength)
	firstTileX := w.ColOff / tw
	lastTileX := (w.ColOff + w.Width - 1) / tw
	firstTileY := w.RowOff / th
	lastTileY := (w.RowOff + w.Height - 1) / th

	for tileY := firstTileY; tileY <= lastTileY; tileY++ {
		for tileX := firstTileX; tileX <= lastTileX; tileX++ {
			tileNum := g.tilesAcross*tileY + tileX
			data, err := g.getTileData(tileNum)
			if err != nil {
				return nil, fmt.Errorf("failed to get data for tile %d: %w", tileNum, err)
			}

			// Overlap of the window with this tile, in image coordinates.
			x0 := max(w.ColOff, tileX*tw)
			x1 := min(w.ColOff+w.Width, (tileX+1)*tw)
			y0 := max(w.RowOff, tileY*th)
			y1 := min(w.RowOff+w.Height, (tileY+1)*th)

			for y := y0; y < y1; y++ {
				rowInTile := y % th
				srcStart := rowInTile*tw + (x0 % tw)
				srcEnd := srcStart + (x1 - x0)
				if srcEnd > len(data) {
					return nil, fmt.Errorf("tile %d truncated: need %d samples, have %d", tileNum, srcEnd, len(data))
				}
				copy(out[y-w.RowOff][x0-w.ColOff:], data[srcStart:srcEnd])
			}
		}
	}

	return out, nil
}
