package geotiff

// TIFF header magic values.
const (
	littleEndian = 0x4949 // "II"
	bigEndian    = 0x4D4D // "MM"

	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

// Field type sizes in bytes.
const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

type fieldType uint16

// TIFF 6.0 and BigTIFF field types.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// Tags needed to locate and decode tiled raster data, plus the GeoTIFF
// georeferencing tags.
const (
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	Compression     Tag = 259
	SamplesPerPixel Tag = 277
	Predictor       Tag = 317
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
	SampleFormat    Tag = 339
	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
)

var tagToLabel = map[Tag]string{
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	BitsPerSample:   "BitsPerSample",
	Compression:     "Compression",
	SamplesPerPixel: "SamplesPerPixel",
	Predictor:       "Predictor",
	TileWidth:       "TileWidth",
	TileLength:      "TileLength",
	TileOffsets:     "TileOffsets",
	TileByteCounts:  "TileByteCounts",
	SampleFormat:    "SampleFormat",
	ModelPixelScale: "ModelPixelScale",
	ModelTiepoint:   "ModelTiepoint",
}

// Compression tag values.
const (
	Uncompressed = 1
	DEFLATE      = 8
	AdobeDeflate = 32946 // same codec as DEFLATE, older tag value
)

// Predictor tag values.
const (
	PredictorNone       = 1
	PredictorHorizontal = 2
)

// SampleFormat tag values.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)
