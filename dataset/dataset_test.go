package dataset

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlab/scenedex/geotiff"
	"github.com/meridianlab/scenedex/index"
)

// fakeSource serves raster metadata and pixels from memory, keyed by the
// scene filename. It records the last window passed to Read.
type fakeSource struct {
	mu         sync.Mutex
	bounds     map[string][4]float64 // minX, minY, maxX, maxY
	failOpen   map[string]bool
	failRead   map[string]bool
	lastWindow geotiff.Window
}

func (s *fakeSource) Open(path string) (Raster, error) {
	name := filepath.Base(path)
	if s.failOpen[name] {
		return nil, fmt.Errorf("open %s: no such file or directory", path)
	}
	b, ok := s.bounds[name]
	if !ok {
		return nil, fmt.Errorf("open %s: unknown fixture", path)
	}
	return &fakeRaster{src: s, name: name, bounds: b}, nil
}

type fakeRaster struct {
	src    *fakeSource
	name   string
	bounds [4]float64
}

func (r *fakeRaster) Bounds() (minX, minY, maxX, maxY float64) {
	return r.bounds[0], r.bounds[1], r.bounds[2], r.bounds[3]
}

// WorldToPixel assumes a unit pixel scale anchored at the upper-left corner.
func (r *fakeRaster) WorldToPixel(x, y float64) (col, row int) {
	return int(x - r.bounds[0]), int(r.bounds[3] - y)
}

func (r *fakeRaster) Read(band int, w geotiff.Window) ([][]int32, error) {
	if r.src.failRead[r.name] {
		return nil, errors.New("injected read failure")
	}
	r.src.mu.Lock()
	r.src.lastWindow = w
	r.src.mu.Unlock()

	img := make([][]int32, w.Height)
	for j := range img {
		img[j] = make([]int32, w.Width)
		for i := range img[j] {
			img[j][i] = int32((w.RowOff+j)*1000 + w.ColOff + i)
		}
	}
	return img, nil
}

func (r *fakeRaster) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeSceneFiles creates empty placeholder files under root/landsat_8_9;
// pixel content comes from the fake source.
func writeSceneFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	dir := filepath.Join(root, "landsat_8_9")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
}

const (
	sceneA = "LC08_L1TP_190037_20200101_20200113_02_T1_B1.TIF"
	sceneB = "LC08_L1TP_190038_20200215_20200227_02_T1_B1.TIF"
)

var (
	sceneATime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	sceneBTime = time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC)
)

// openFixture builds a two-scene dataset: A covers x 0..100, B covers
// x 300..400, leaving a coverage gap between them.
func openFixture(t *testing.T, opts ...Option) (*Dataset, *fakeSource) {
	t.Helper()
	root := t.TempDir()
	writeSceneFiles(t, root, sceneA, sceneB)

	src := &fakeSource{
		bounds: map[string][4]float64{
			sceneA: {0, 0, 100, 100},
			sceneB: {300, 0, 400, 100},
		},
		failOpen: map[string]bool{},
		failRead: map[string]bool{},
	}
	opts = append([]Option{WithRasterSource(src), WithLogger(testLogger())}, opts...)
	d, err := Open(root, Landsat8, opts...)
	require.NoError(t, err)
	return d, src
}

func TestOpenScan(t *testing.T) {
	root := t.TempDir()
	writeSceneFiles(t, root,
		sceneA,
		sceneB,
		"LC08_badname_B1.TIF",                              // too few filename fields
		"LC08_L1TP_190039_2020XX01_20200113_02_T1_B1.TIF",  // malformed date token
		"LC08_L1TP_190040_20200301_20200313_02_T1_B1.TIF",  // unreadable at scan time
		"LC08_L1TP_190037_20200101_20200113_02_T1_B2.TIF",  // wrong band, ignored
	)

	src := &fakeSource{
		bounds: map[string][4]float64{
			sceneA: {0, 0, 100, 100},
			sceneB: {300, 0, 400, 100},
		},
		failOpen: map[string]bool{
			"LC08_L1TP_190040_20200301_20200313_02_T1_B1.TIF": true,
		},
		failRead: map[string]bool{},
	}

	d, err := Open(root, Landsat8, WithRasterSource(src), WithLogger(testLogger()))
	require.NoError(t, err)

	assert.Equal(t, 2, d.Count(), "catalog holds valid scenes only")
	assert.Len(t, d.Warnings(), 3)

	assert.Equal(t, index.BoundingBox{
		MinX: 0, MaxX: 400,
		MinY: 0, MaxY: 100,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneBTime.Unix()),
	}, d.Bounds())
}

func TestOpenErrors(t *testing.T) {
	t.Run("unknown sensor", func(t *testing.T) {
		_, err := Open(t.TempDir(), Sensor("sentinel2"), WithLogger(testLogger()))
		require.ErrorContains(t, err, "unknown sensor")
	})

	t.Run("band not provided by sensor", func(t *testing.T) {
		_, err := Open(t.TempDir(), Landsat8, WithBands("B42"), WithLogger(testLogger()))
		require.ErrorContains(t, err, "not provided by sensor")
	})

	t.Run("missing scene directory", func(t *testing.T) {
		_, err := Open(t.TempDir(), Landsat8, WithLogger(testLogger()))
		require.ErrorContains(t, err, "failed to walk")
	})

	t.Run("empty catalog", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, "landsat_8_9"), 0o755))
		_, err := Open(root, Landsat8, WithLogger(testLogger()))
		require.ErrorContains(t, err, "no landsat8 scenes found")
	})
}

func TestQueryOutOfRange(t *testing.T) {
	d, _ := openFixture(t)

	q := index.BoundingBox{
		MinX: 1000, MaxX: 1100,
		MinY: 1000, MaxY: 1100,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
	}
	_, err := d.Query(q)

	var oor *OutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, q, oor.Query)
	assert.Equal(t, d.Bounds(), oor.Bounds)
}

func TestQueryCoverageGap(t *testing.T) {
	d, _ := openFixture(t)

	// Between the two scenes: inside the union bounds but on no tile.
	_, err := d.Query(index.BoundingBox{
		MinX: 150, MaxX: 160,
		MinY: 10, MaxY: 20,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneBTime.Unix()),
	})
	require.ErrorIs(t, err, ErrNoCoverage)
}

func TestQueryRoundTrip(t *testing.T) {
	d, _ := openFixture(t)

	testCases := []struct {
		name     string
		box      index.BoundingBox
		wantPath string
		wantTime time.Time
	}{
		{
			name: "scene A by its own box",
			box: index.BoundingBox{
				MinX: 0, MaxX: 100, MinY: 0, MaxY: 100,
				MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
			},
			wantPath: sceneA,
			wantTime: sceneATime,
		},
		{
			name: "scene B by its own box",
			box: index.BoundingBox{
				MinX: 300, MaxX: 400, MinY: 0, MaxY: 100,
				MinT: float64(sceneBTime.Unix()), MaxT: float64(sceneBTime.Unix()),
			},
			wantPath: sceneB,
			wantTime: sceneBTime,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sample, err := d.Query(tc.box)
			require.NoError(t, err)
			assert.Equal(t, tc.wantPath, filepath.Base(sample.Path))
			assert.True(t, sample.Time.Equal(tc.wantTime))
			assert.Equal(t, tc.box, sample.TileBounds)
		})
	}
}

func TestQueryWindowPixelSpace(t *testing.T) {
	d, src := openFixture(t)

	// Query coordinates are used directly as pixel offsets and extents.
	sample, err := d.Query(index.BoundingBox{
		MinX: 10, MaxX: 30,
		MinY: 20, MaxY: 40,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
	})
	require.NoError(t, err)

	assert.Equal(t, geotiff.Window{ColOff: 10, RowOff: 20, Width: 20, Height: 20}, src.lastWindow)
	require.Len(t, sample.Image, 20)
	assert.Len(t, sample.Image[0], 20)
}

func TestQueryWindowWorldSpace(t *testing.T) {
	d, src := openFixture(t, WithWindowMode(WindowWorldSpace))

	// Scene A spans x 0..100, y 0..100 at unit pixel scale; rows count
	// down from the top edge (y=100).
	_, err := d.Query(index.BoundingBox{
		MinX: 10, MaxX: 30,
		MinY: 20, MaxY: 40,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
	})
	require.NoError(t, err)

	assert.Equal(t, geotiff.Window{ColOff: 10, RowOff: 60, Width: 20, Height: 20}, src.lastWindow)
}

// openOverlapFixture builds two spatially overlapping scenes with distinct
// acquisition times.
func openOverlapFixture(t *testing.T, opts ...Option) *Dataset {
	t.Helper()
	root := t.TempDir()
	writeSceneFiles(t, root, sceneA, sceneB)

	src := &fakeSource{
		bounds: map[string][4]float64{
			sceneA: {0, 0, 100, 100},
			sceneB: {50, 50, 150, 150},
		},
		failOpen: map[string]bool{},
		failRead: map[string]bool{},
	}
	opts = append([]Option{WithRasterSource(src), WithLogger(testLogger())}, opts...)
	d, err := Open(root, Landsat8, opts...)
	require.NoError(t, err)
	return d
}

func TestQueryOverlapFirstHit(t *testing.T) {
	d := openOverlapFixture(t)

	// Both scenes intersect; the resolver takes the first hit produced by
	// the index traversal, whichever scene that is.
	sample, err := d.Query(index.BoundingBox{
		MinX: 60, MaxX: 70,
		MinY: 60, MaxY: 70,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneBTime.Unix()),
	})
	require.NoError(t, err)
	assert.Contains(t, []string{sceneA, sceneB}, filepath.Base(sample.Path))
}

func TestQueryOverlapNearestTime(t *testing.T) {
	d := openOverlapFixture(t, WithSelectionPolicy(SelectNearestTime))

	// The time interval covers both acquisitions but its midpoint leans
	// toward scene B.
	q := index.BoundingBox{
		MinX: 60, MaxX: 70,
		MinY: 60, MaxY: 70,
		MinT: float64(sceneATime.Unix()), MaxT: float64(sceneBTime.Unix()) + 7200,
	}

	sample, err := d.Query(q)
	require.NoError(t, err)
	assert.Equal(t, sceneB, filepath.Base(sample.Path))
}

func TestQueryReadFailure(t *testing.T) {
	t.Run("file vanished after build", func(t *testing.T) {
		d, src := openFixture(t)
		src.failOpen[sceneA] = true

		_, err := d.Query(index.BoundingBox{
			MinX: 10, MaxX: 20, MinY: 10, MaxY: 20,
			MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
		})
		var re *ReadError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, sceneA, filepath.Base(re.Path))
	})

	t.Run("read fails mid-query", func(t *testing.T) {
		d, src := openFixture(t)
		src.failRead[sceneA] = true

		_, err := d.Query(index.BoundingBox{
			MinX: 10, MaxX: 20, MinY: 10, MaxY: 20,
			MinT: float64(sceneATime.Unix()), MaxT: float64(sceneATime.Unix()),
		})
		var re *ReadError
		require.ErrorAs(t, err, &re)
	})
}

func TestQueryInvalidBox(t *testing.T) {
	d, _ := openFixture(t)

	_, err := d.Query(index.BoundingBox{MinX: 30, MaxX: 10, MinY: 0, MaxY: 10, MinT: 0, MaxT: 0})
	require.ErrorContains(t, err, "invalid query box")
}
