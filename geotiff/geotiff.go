// Package geotiff reads tiled GeoTIFF and BigTIFF rasters, such as Landsat
// band files or Cloud Optimized GeoTIFFs, without cgo. It exposes the
// georeferenced bounds of an image and windowed pixel reads decoded to
// int32 samples.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType
	length     uint32
	byteData   []uint8
	asciiData  string
	shortData  []uint16
	longData   []uint32
	floatData  []float32
	doubleData []float64
	uint64Data []uint64
}

type Tags map[Tag]tagData

type Tag uint16

// GeoTIFF is a parsed raster file. It is cheap to open: only the header and
// IFD are read eagerly, tile data is fetched on demand.
type GeoTIFF struct {
	// reader is the underlying byte source. It must also implement
	// io.ReaderAt so tiles can be fetched concurrently.
	reader io.ReadSeeker

	byteOrder binary.ByteOrder
	tags      Tags
	isBigTIFF bool

	imageWidth  uint32
	imageLength uint32

	tileWidth  uint32
	tileLength uint32

	tileOffsets    []uint64
	tileByteCounts []uint64

	bitsPerSample   uint16
	sampleFormat    uint16
	samplesPerPixel uint16
	compression     uint16
	predictor       uint16

	// Geotransform: world coordinates of the upper-left corner and the
	// size of one pixel in world units. PixelScaleY is negative for
	// north-up images.
	originX     float64
	originY     float64
	PixelScaleX float64
	PixelScaleY float64

	// tileCache holds decoded int32 tile slices for the lifetime of this
	// handle. Handles opened per query are short-lived, so nothing is
	// cached across queries.
	tileCache *ccache.Cache[[]int32]

	// inflightData collapses concurrent fetches of the same tile into a
	// single read.
	inflightData singleflight.Group

	tilesAcross int
}

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0, // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// Open parses a GeoTIFF from the provided io.ReadSeeker. cacheSize and
// itemsToPrune configure the decoded-tile cache held by the returned handle.
func Open(r io.ReadSeeker, cacheSize int64, itemsToPrune uint32) (*GeoTIFF, error) {
	gTags, header, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		tags:      gTags,
		byteOrder: header.byteOrder,
		isBigTIFF: header.isBigTIFF,
		tileCache: ccache.New(ccache.Configure[[]int32]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune)),
	}

	if width, ok := g.getUint(ImageWidth); ok {
		g.imageWidth = uint32(width)
	} else {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	if length, ok := g.getUint(ImageLength); ok {
		g.imageLength = uint32(length)
	} else {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}

	if tWidth, ok := g.getUint(TileWidth); ok {
		g.tileWidth = uint32(tWidth)
	} else {
		return nil, errors.New("missing or invalid tag: TileWidth")
	}
	if tLength, ok := g.getUint(TileLength); ok {
		g.tileLength = uint32(tLength)
	} else {
		return nil, errors.New("missing or invalid tag: TileLength")
	}

	if g.tileWidth > 0 {
		g.tilesAcross = int(g.imageWidth+g.tileWidth-1) / int(g.tileWidth)
	}

	if bps, ok := g.getUint(BitsPerSample); ok {
		g.bitsPerSample = uint16(bps)
	} else {
		g.bitsPerSample = 32
	}
	if sf, ok := g.getUint(SampleFormat); ok {
		g.sampleFormat = uint16(sf)
	} else {
		g.sampleFormat = SampleFormatUint
	}
	if spp, ok := g.getUint(SamplesPerPixel); ok {
		g.samplesPerPixel = uint16(spp)
	} else {
		g.samplesPerPixel = 1
	}

	if comp, ok := g.getUint(Compression); ok {
		g.compression = uint16(comp)
	} else {
		g.compression = Uncompressed
	}

	if pred, ok := g.getUint(Predictor); ok {
		g.predictor = uint16(pred)
	} else {
		g.predictor = PredictorNone
	}

	if offsets, ok := g.get64bitSlice(TileOffsets); ok {
		g.tileOffsets = offsets
	} else {
		return nil, errors.New("missing or invalid tag: TileOffsets")
	}
	if counts, ok := g.get64bitSlice(TileByteCounts); ok {
		g.tileByteCounts = counts
	} else {
		return nil, errors.New("missing or invalid tag: TileByteCounts")
	}

	pixelScale, ok := gTags[ModelPixelScale]
	if !ok {
		return nil, errors.New("missing tag: ModelPixelScale")
	}
	pixelScaleValues, ok := pixelScale.doubleDataValue()
	if !ok || len(pixelScaleValues) < 2 {
		return nil, errors.New("invalid ModelPixelScale tag")
	}
	g.PixelScaleX = pixelScaleValues[0]
	g.PixelScaleY = pixelScaleValues[1]

	// Standard GeoTIFF convention for north-up images.
	if g.PixelScaleY > 0 {
		g.PixelScaleY = -g.PixelScaleY
	}

	tiePointTag, ok := gTags[ModelTiepoint]
	if !ok {
		return nil, errors.New("missing tag: ModelTiepoint")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return nil, errors.New("invalid ModelTiepoint tag")
	}

	// The tiepoint anchors raster position (i, j) at world position (x, y);
	// shift it back to the upper-left corner.
	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]
	g.originX = tieX - (tieI * g.PixelScaleX)
	g.originY = tieY - (tieJ * g.PixelScaleY)

	return g, nil
}

// Size returns the raster dimensions in pixels.
func (g *GeoTIFF) Size() (width, height int) {
	return int(g.imageWidth), int(g.imageLength)
}

// Rect returns the georeferenced extent of the image as
// (minX, minY, maxX, maxY) in the raster's projected units.
func (g *GeoTIFF) Rect() (minX, minY, maxX, maxY float64) {
	totalWidth := float64(g.imageWidth) * g.PixelScaleX
	totalHeight := float64(g.imageLength) * g.PixelScaleY // negative

	return g.originX, g.originY + totalHeight, g.originX + totalWidth, g.originY
}

// WorldToPixel converts a projected world coordinate to a pixel position,
// truncating toward the containing pixel. The result may lie outside the
// image.
func (g *GeoTIFF) WorldToPixel(x, y float64) (col, row int) {
	col = int((x - g.originX) / g.PixelScaleX)
	row = int((y - g.originY) / g.PixelScaleY) // PixelScaleY is negative
	return col, row
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		// Standard TIFF format - uses 32-bit offsets
		h.isBigTIFF = false
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		// BigTIFF format - uses 64-bit offsets for large files
		h.isBigTIFF = true

		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}

		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}

		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

func readTags(r io.ReadSeeker) (Tags, head, error) {
	tags := make(Tags)
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	// Only the first IFD holds the full-resolution image; subsequent IFDs
	// in a COG are overviews and are skipped.
	ifdOffset := h.ifdOffset
	if ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	ifdBlockSize := (entryLen * int(numEntries))
	ifdBlock := make([]byte, ifdBlockSize)
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			log.Printf("Warning: unrecognized tag %d with field type %d. Skipping.", entry.Tag, entry.FType)
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// For inline data compatibility, put the 4-byte value/offset into the 8-byte slice
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		inlineDataSize := uint64(4)
		if h.isBigTIFF {
			inlineDataSize = 8
		}

		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, h, err
		}
		tags[entry.Tag] = *tagvalue
	}

	return tags, h, nil
}

func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported type for value reading: %d", ifd.FType)
	}
	return &t, nil
}

// getTileData retrieves a tile, decodes it into an int32 slice, and caches
// the result on this handle.
func (g *GeoTIFF) getTileData(tileNum int) ([]int32, error) {
	key := strconv.Itoa(tileNum)
	item := g.tileCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	// If not in cache, use singleflight to ensure only one goroutine
	// fetches and decodes the tile.
	v, err, _ := g.inflightData.Do(key, func() (interface{}, error) {
		decompressedBytes, fetchErr := g.fetchAndDecompressTile(tileNum)
		if fetchErr != nil {
			return nil, fetchErr
		}

		tileData, decodeErr := g.decodeSamples(decompressedBytes)
		if decodeErr != nil {
			return nil, decodeErr
		}

		g.tileCache.Set(key, tileData, 10*time.Minute)
		return tileData, nil
	})

	if err != nil {
		return nil, err
	}
	return v.([]int32), nil
}

// decodeSamples converts raw decompressed tile bytes into int32 samples
// according to the file's sample format and bit depth.
func (g *GeoTIFF) decodeSamples(raw []byte) ([]int32, error) {
	byteWidth := int(g.bitsPerSample) / 8
	if byteWidth == 0 || len(raw)%byteWidth != 0 {
		return nil, fmt.Errorf("tile byte count %d not a multiple of sample width %d", len(raw), byteWidth)
	}
	n := len(raw) / byteWidth
	out := make([]int32, n)

	switch {
	case g.sampleFormat == SampleFormatFloat && g.bitsPerSample == 32:
		floats := make([]float32, n)
		if err := binary.Read(bytes.NewReader(raw), g.byteOrder, floats); err != nil {
			return nil, err
		}
		for i, v := range floats {
			out[i] = int32(v)
		}
	case g.sampleFormat == SampleFormatUint && g.bitsPerSample == 8:
		for i, v := range raw {
			out[i] = int32(v)
		}
	case g.sampleFormat == SampleFormatInt && g.bitsPerSample == 8:
		for i, v := range raw {
			out[i] = int32(int8(v))
		}
	case g.sampleFormat == SampleFormatUint && g.bitsPerSample == 16:
		for i := 0; i < n; i++ {
			out[i] = int32(g.byteOrder.Uint16(raw[i*2:]))
		}
	case g.sampleFormat == SampleFormatInt && g.bitsPerSample == 16:
		for i := 0; i < n; i++ {
			out[i] = int32(int16(g.byteOrder.Uint16(raw[i*2:])))
		}
	case (g.sampleFormat == SampleFormatUint || g.sampleFormat == SampleFormatInt) && g.bitsPerSample == 32:
		for i := 0; i < n; i++ {
			out[i] = int32(g.byteOrder.Uint32(raw[i*4:]))
		}
	default:
		return nil, fmt.Errorf("unsupported sample format (SampleFormat: %d, BitsPerSample: %d)", g.sampleFormat, g.bitsPerSample)
	}

	if g.predictor == PredictorHorizontal {
		if g.bitsPerSample != 32 || g.sampleFormat == SampleFormatFloat {
			return nil, fmt.Errorf("horizontal predictor unsupported for SampleFormat %d / %d bits", g.sampleFormat, g.bitsPerSample)
		}
		undoHorizontalPredictionForInt32(out, g.tileWidth, g.tileLength)
	}
	return out, nil
}

// fetchAndDecompressTile performs the I/O to read and decompress a single tile.
func (g *GeoTIFF) fetchAndDecompressTile(tileNum int) ([]byte, error) {
	if uint64(tileNum) >= uint64(len(g.tileOffsets)) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}

	offset := g.tileOffsets[tileNum]
	byteCount := g.tileByteCounts[tileNum]
	tileBytes := make([]byte, byteCount)

	readerAt, ok := g.reader.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not support ReadAt for tile fetching")
	}
	if _, err := readerAt.ReadAt(tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	var decompressedBytes []byte
	switch g.compression {
	case Uncompressed:
		decompressedBytes = tileBytes
	case DEFLATE, AdobeDeflate:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		decompressedBytes, err = io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
	return decompressedBytes, nil
}

func (g *GeoTIFF) getUint(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == SHORT && len(t.shortData) > 0 {
		return uint64(t.shortData[0]), true
	}
	if t.fType == LONG && len(t.longData) > 0 {
		return uint64(t.longData[0]), true
	}
	return 0, false
}

func (g *GeoTIFF) get64bitSlice(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	if t.fType == LONG8 || t.fType == IFD8 {
		return t.uint64Data, true
	}
	if t.fType == LONG {
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}

// undoHorizontalPredictionForInt32 reverses the horizontal differencing predictor.
// It must be called on the int32 slice after decompression.
func undoHorizontalPredictionForInt32(data []int32, tileWidth, tileHeight uint32) {
	if tileWidth == 0 || tileHeight == 0 {
		return
	}
	for y := 0; y < int(tileHeight); y++ {
		rowStart := y * int(tileWidth)
		if rowStart+int(tileWidth) > len(data) {
			break
		}
		for x := 1; x < int(tileWidth); x++ {
			index := rowStart + x
			prevIndex := index - 1
			data[index] += data[prevIndex]
		}
	}
}
