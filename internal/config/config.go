package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full pipeline configuration. It is built once at startup
// and passed to every stage.
type Config struct {
	Paths    PathsConfig    `yaml:"paths" mapstructure:"paths"`
	Columns  ColumnsConfig  `yaml:"columns" mapstructure:"columns"`
	Geo      GeoConfig      `yaml:"geo" mapstructure:"geo"`
	Features FeaturesConfig `yaml:"features" mapstructure:"features"`
	Cluster  ClusterConfig  `yaml:"cluster" mapstructure:"cluster"`
	Model    ModelConfig    `yaml:"model" mapstructure:"model"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates raw inputs and derived artifacts on disk.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	RawTrips     string `yaml:"raw_trips" mapstructure:"raw_trips" validate:"required"`
	Boundaries   string `yaml:"boundaries" mapstructure:"boundaries"`
	ProcessedDir string `yaml:"processed_dir" mapstructure:"processed_dir" validate:"required"`
	ModelDir     string `yaml:"model_dir" mapstructure:"model_dir" validate:"required"`
	ReportsDir   string `yaml:"reports_dir" mapstructure:"reports_dir" validate:"required"`
}

// ColumnsConfig names the trip CSV columns the pipeline reads.
type ColumnsConfig struct {
	PickupDatetime  string `yaml:"pickup_datetime" mapstructure:"pickup_datetime" validate:"required"`
	DropoffDatetime string `yaml:"dropoff_datetime" mapstructure:"dropoff_datetime"`
	PickupLat       string `yaml:"pickup_lat" mapstructure:"pickup_lat" validate:"required"`
	PickupLon       string `yaml:"pickup_lon" mapstructure:"pickup_lon" validate:"required"`
	TimeLayout      string `yaml:"time_layout" mapstructure:"time_layout" validate:"required"`
	Delimiter       string `yaml:"delimiter" mapstructure:"delimiter" validate:"len=1"`
}

// GeoConfig configures hex indexing and the region filter.
type GeoConfig struct {
	Resolution     int    `yaml:"resolution" mapstructure:"resolution" validate:"gte=0,lte=15"`
	RegionFilter   string `yaml:"region_filter" mapstructure:"region_filter"`
	RegionProperty string `yaml:"region_property" mapstructure:"region_property" validate:"required"`
}

// FeaturesConfig configures lag and moving-average construction.
type FeaturesConfig struct {
	LagHours       []int  `yaml:"lag_hours" mapstructure:"lag_hours" validate:"dive,gt=0"`
	MAWindowsHours []int  `yaml:"ma_windows_hours" mapstructure:"ma_windows_hours" validate:"dive,gt=0"`
	Target         string `yaml:"target" mapstructure:"target" validate:"required"`
}

// ClusterConfig configures hotspot clustering.
type ClusterConfig struct {
	K       int    `yaml:"k" mapstructure:"k" validate:"gt=0"`
	MaxIter int    `yaml:"max_iter" mapstructure:"max_iter" validate:"gt=0"`
	Seed    uint64 `yaml:"seed" mapstructure:"seed"`
}

// ModelConfig holds the boosting hyperparameters and the validation window.
type ModelConfig struct {
	Objective           string   `yaml:"objective" mapstructure:"objective" validate:"oneof=regression_l1 regression"`
	Metric              string   `yaml:"metric" mapstructure:"metric" validate:"oneof=mae rmse"`
	NEstimators         int      `yaml:"n_estimators" mapstructure:"n_estimators" validate:"gt=0"`
	LearningRate        float64  `yaml:"learning_rate" mapstructure:"learning_rate" validate:"gt=0,lte=1"`
	NumLeaves           int      `yaml:"num_leaves" mapstructure:"num_leaves" validate:"gte=2"`
	MaxDepth            int      `yaml:"max_depth" mapstructure:"max_depth"`
	MinDataInLeaf       int      `yaml:"min_data_in_leaf" mapstructure:"min_data_in_leaf" validate:"gte=1"`
	MaxBins             int      `yaml:"max_bins" mapstructure:"max_bins" validate:"gte=2,lte=65000"`
	FeatureFraction     float64  `yaml:"feature_fraction" mapstructure:"feature_fraction" validate:"gt=0,lte=1"`
	BaggingFraction     float64  `yaml:"bagging_fraction" mapstructure:"bagging_fraction" validate:"gt=0,lte=1"`
	BaggingFreq         int      `yaml:"bagging_freq" mapstructure:"bagging_freq" validate:"gte=0"`
	EarlyStoppingRounds int      `yaml:"early_stopping_rounds" mapstructure:"early_stopping_rounds" validate:"gte=0"`
	Seed                uint64   `yaml:"seed" mapstructure:"seed"`
	NumThreads          int      `yaml:"num_threads" mapstructure:"num_threads" validate:"gte=0"`
	TestDays            int      `yaml:"test_days" mapstructure:"test_days" validate:"gt=0"`
	Categorical         []string `yaml:"categorical" mapstructure:"categorical"`
}

// CacheConfig controls reuse of derived artifacts.
type CacheConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Verify  bool `yaml:"verify" mapstructure:"verify"`
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required_if=Driver postgres"`
}

// FetchConfig configures the explicit download command.
type FetchConfig struct {
	BoundariesURL string  `yaml:"boundaries_url" mapstructure:"boundaries_url" validate:"omitempty,url"`
	TripsURL      string  `yaml:"trips_url" mapstructure:"trips_url" validate:"omitempty,url"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=0"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// GridFile is the cached densified demand grid.
func (p PathsConfig) GridFile() string {
	return filepath.Join(p.ProcessedDir, "grid.db")
}

// FeaturesFile is the cached feature-engineered table.
func (p PathsConfig) FeaturesFile() string {
	return filepath.Join(p.ProcessedDir, "features.db")
}

// ClusteredFile is the cached feature table with hotspot labels.
func (p PathsConfig) ClusteredFile() string {
	return filepath.Join(p.ProcessedDir, "clustered.db")
}

// LedgerFile is the SQLite run ledger.
func (p PathsConfig) LedgerFile() string {
	return filepath.Join(p.ProcessedDir, "ledger.db")
}

// ModelFile is the serialized forecaster.
func (p PathsConfig) ModelFile() string {
	return filepath.Join(p.ModelDir, "model.json")
}

// MapsDir holds GeoJSON hotspot maps.
func (p PathsConfig) MapsDir() string {
	return filepath.Join(p.ReportsDir, "maps")
}

// EnsureDirs creates the processed, model and report directories.
func (p PathsConfig) EnsureDirs() error {
	for _, dir := range []string{p.ProcessedDir, p.ModelDir, p.MapsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "config: create dir %s", dir)
		}
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DEMAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.raw_trips", filepath.Join("data", "yellow_tripdata_2015-01.csv"))
	v.SetDefault("paths.boundaries", filepath.Join("data", "borough.geo.json"))
	v.SetDefault("paths.processed_dir", filepath.Join("data", "processed"))
	v.SetDefault("paths.model_dir", "models")
	v.SetDefault("paths.reports_dir", "reports")

	v.SetDefault("columns.pickup_datetime", "tpep_pickup_datetime")
	v.SetDefault("columns.dropoff_datetime", "tpep_dropoff_datetime")
	v.SetDefault("columns.pickup_lat", "pickup_latitude")
	v.SetDefault("columns.pickup_lon", "pickup_longitude")
	v.SetDefault("columns.time_layout", "2006-01-02 15:04:05")
	v.SetDefault("columns.delimiter", ",")

	v.SetDefault("geo.resolution", 9)
	v.SetDefault("geo.region_filter", "Manhattan")
	v.SetDefault("geo.region_property", "BoroName")

	v.SetDefault("features.lag_hours", []int{1, 2, 3, 6, 12, 24, 48, 168})
	v.SetDefault("features.ma_windows_hours", []int{3, 6, 12, 24, 168})
	v.SetDefault("features.target", "demand")

	v.SetDefault("cluster.k", 10)
	v.SetDefault("cluster.max_iter", 100)
	v.SetDefault("cluster.seed", 42)

	v.SetDefault("model.objective", "regression_l1")
	v.SetDefault("model.metric", "mae")
	v.SetDefault("model.n_estimators", 1000)
	v.SetDefault("model.learning_rate", 0.05)
	v.SetDefault("model.num_leaves", 31)
	v.SetDefault("model.max_depth", -1)
	v.SetDefault("model.min_data_in_leaf", 20)
	v.SetDefault("model.max_bins", 255)
	v.SetDefault("model.feature_fraction", 0.8)
	v.SetDefault("model.bagging_fraction", 0.8)
	v.SetDefault("model.bagging_freq", 1)
	v.SetDefault("model.early_stopping_rounds", 100)
	v.SetDefault("model.seed", 42)
	v.SetDefault("model.num_threads", 0)
	v.SetDefault("model.test_days", 3)
	v.SetDefault("model.categorical", []string{
		"pickup_h3_zone", "hour_of_day", "day_of_week", "month", "year", "is_weekend", "demand_cluster",
	})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.verify", true)

	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("fetch.boundaries_url", "https://raw.githubusercontent.com/nycehs/NYC_geography/main/borough.geo.json")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	seen := make(map[int]bool, len(c.Features.LagHours))
	for _, h := range c.Features.LagHours {
		if seen[h] {
			return eris.Errorf("config: duplicate lag horizon %d", h)
		}
		seen[h] = true
	}
	seen = make(map[int]bool, len(c.Features.MAWindowsHours))
	for _, w := range c.Features.MAWindowsHours {
		if seen[w] {
			return eris.Errorf("config: duplicate moving-average window %d", w)
		}
		seen[w] = true
	}
	for _, name := range c.Model.Categorical {
		if name == c.Features.Target {
			return eris.Errorf("config: target %q listed as categorical feature", name)
		}
	}
	return nil
}

// DelimiterRune returns the CSV delimiter rune.
func (c ColumnsConfig) DelimiterRune() rune {
	if c.Delimiter == "" {
		return ','
	}
	return []rune(c.Delimiter)[0]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
