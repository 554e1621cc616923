package dataset

// Sensor selects which satellite generation's directory layout and band
// list a Dataset is built from.
type Sensor string

const (
	Landsat1    Sensor = "landsat1"
	Landsat2    Sensor = "landsat2"
	Landsat3    Sensor = "landsat3"
	Landsat4MSS Sensor = "landsat4mss"
	Landsat5MSS Sensor = "landsat5mss"
	Landsat4TM  Sensor = "landsat4tm"
	Landsat5TM  Sensor = "landsat5tm"
	Landsat7    Sensor = "landsat7"
	Landsat8    Sensor = "landsat8"
	Landsat9    Sensor = "landsat9"
)

// SensorConfig is the static per-sensor catalog configuration: the
// subdirectory holding its scenes and the spectral bands it provides.
type SensorConfig struct {
	BaseFolder string
	BandNames  []string
}

// Near-identical sensor generations share one config: Landsat 8 and 9 carry
// the same OLI/TIRS instruments, Landsat 4 and 5 flew the same TM and MSS
// pairs, Landsat 1-3 share the early MSS band numbering.
var (
	landsat89Config = SensorConfig{
		BaseFolder: "landsat_8_9",
		BandNames:  []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8", "B9", "B10", "B11"},
	}
	landsat7Config = SensorConfig{
		BaseFolder: "landsat_7",
		BandNames:  []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8"},
	}
	landsat45TMConfig = SensorConfig{
		BaseFolder: "landsat_4_5_tm",
		BandNames:  []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7"},
	}
	landsat45MSSConfig = SensorConfig{
		BaseFolder: "landsat_4_5_mss",
		BandNames:  []string{"B1", "B2", "B3", "B4"},
	}
	landsat13Config = SensorConfig{
		BaseFolder: "landsat_1_3",
		BandNames:  []string{"B4", "B5", "B6", "B7"},
	}
)

var sensorConfigs = map[Sensor]SensorConfig{
	Landsat1:    landsat13Config,
	Landsat2:    landsat13Config,
	Landsat3:    landsat13Config,
	Landsat4MSS: landsat45MSSConfig,
	Landsat5MSS: landsat45MSSConfig,
	Landsat4TM:  landsat45TMConfig,
	Landsat5TM:  landsat45TMConfig,
	Landsat7:    landsat7Config,
	Landsat8:    landsat89Config,
	Landsat9:    landsat89Config,
}

// Config returns the catalog configuration for a sensor tag. ok is false
// for unknown tags.
func (s Sensor) Config() (SensorConfig, bool) {
	cfg, ok := sensorConfigs[s]
	return cfg, ok
}
