package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

// Config holds the full application configuration.
type Config struct {
	DB        DBConfig        `yaml:"db" mapstructure:"db"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	SWDI      SWDIConfig      `yaml:"swdi" mapstructure:"swdi"`
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Vendor    VendorConfig    `yaml:"vendor" mapstructure:"vendor"`
	Addresses AddressesConfig `yaml:"addresses" mapstructure:"addresses"`
	Serve     ServeConfig     `yaml:"serve" mapstructure:"serve"`
}

// DBConfig configures the Postgres/PostGIS connection.
type DBConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PipelineConfig configures the region/window orchestration.
type PipelineConfig struct {
	Dataset     string            `yaml:"dataset" mapstructure:"dataset"`
	Regions     []string          `yaml:"regions" mapstructure:"regions"`
	RegionFile  string            `yaml:"region_file" mapstructure:"region_file"`
	RegionBBox  map[string]string `yaml:"region_bbox" mapstructure:"region_bbox"`
	ChunkDays   int               `yaml:"chunk_days" mapstructure:"chunk_days"`
	Parallelism int               `yaml:"parallelism" mapstructure:"parallelism"`
}

// SWDIConfig configures the storm-event fetch collaborator.
type SWDIConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TempDir     string  `yaml:"temp_dir" mapstructure:"temp_dir"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ClusterConfig holds the density-clustering parameters for both passes.
type ClusterConfig struct {
	HailEps        float64 `yaml:"hail_eps" mapstructure:"hail_eps"`
	HailMinSamples int     `yaml:"hail_min_samples" mapstructure:"hail_min_samples"`
	AddrBufferDeg  float64 `yaml:"addr_buffer_deg" mapstructure:"addr_buffer_deg"`
	AddrEps        float64 `yaml:"addr_eps" mapstructure:"addr_eps"`
	AddrMinSamples int     `yaml:"addr_min_samples" mapstructure:"addr_min_samples"`
}

// ExportConfig holds the target-selection defaults.
// Centers maps region codes to "lon,lat" selection centers for runs
// that chain export after clustering.
type ExportConfig struct {
	Dir          string            `yaml:"dir" mapstructure:"dir"`
	RadiusKM     float64           `yaml:"radius_km" mapstructure:"radius_km"`
	DistM        float64           `yaml:"dist_m" mapstructure:"dist_m"`
	Target       int               `yaml:"target" mapstructure:"target"`
	IncludeMulti bool              `yaml:"include_multi" mapstructure:"include_multi"`
	Centers      map[string]string `yaml:"centers" mapstructure:"centers"`
}

// VendorConfig holds skip-trace vendor API settings.
type VendorConfig struct {
	APIBase     string `yaml:"api_base" mapstructure:"api_base"`
	Token       string `yaml:"token" mapstructure:"token"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AddressesConfig configures the address catalog loader.
type AddressesConfig struct {
	Table     string `yaml:"table" mapstructure:"table"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// ServeConfig configures the webhook receiver.
type ServeConfig struct {
	Addr         string `yaml:"addr" mapstructure:"addr"`
	WebhookToken string `yaml:"webhook_token" mapstructure:"webhook_token"`
	BackupDir    string `yaml:"backup_dir" mapstructure:"backup_dir"`
}

// Validate checks that the settings a command mode needs are present and
// sane. Failures are configuration errors: the CLI exits before any stage
// runs.
func (c *Config) Validate(mode string) error {
	var missing []string

	needDB := func() {
		if c.DB.URL == "" {
			missing = append(missing, "db.url is required")
		}
	}

	switch mode {
	case "pipeline", "export", "addresses", "runs", "migrate":
		needDB()
	case "submit", "jobs":
		needDB()
		if c.Vendor.Token == "" {
			missing = append(missing, "vendor.token is required")
		}
		if c.Vendor.APIKey == "" {
			missing = append(missing, "vendor.api_key is required")
		}
	case "serve":
		needDB()
		if c.Serve.Addr == "" {
			missing = append(missing, "serve.addr is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode == "pipeline" {
		if c.Pipeline.ChunkDays <= 0 {
			missing = append(missing, "pipeline.chunk_days must be > 0")
		}
		if c.Pipeline.Parallelism < 1 {
			missing = append(missing, "pipeline.parallelism must be >= 1")
		}
	}
	if mode == "export" {
		if c.Export.Target <= 0 {
			missing = append(missing, "export.target must be > 0")
		}
		if c.Export.RadiusKM <= 0 {
			missing = append(missing, "export.radius_km must be > 0")
		}
		if c.Export.DistM <= 0 {
			missing = append(missing, "export.dist_m must be > 0")
		}
	}

	if len(missing) > 0 {
		return &faults.ConfigurationError{Setting: strings.Join(missing, "; ")}
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
	v.SetEnvPrefix("STORMLEAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.dataset", "nx3hail")
	v.SetDefault("pipeline.regions", []string{"GA", "IN", "OH", "KY"})
	v.SetDefault("pipeline.chunk_days", 45)
	v.SetDefault("pipeline.parallelism", 1)
	v.SetDefault("swdi.base_url", "https://www.ncdc.noaa.gov/swdiws")
	v.SetDefault("swdi.temp_dir", "/tmp/stormlead")
	v.SetDefault("swdi.rate_per_sec", 2.0)
	v.SetDefault("swdi.burst", 1)
	v.SetDefault("swdi.max_retries", 3)
	v.SetDefault("swdi.timeout_secs", 300)
	v.SetDefault("cluster.hail_eps", 0.1)
	v.SetDefault("cluster.hail_min_samples", 5)
	v.SetDefault("cluster.addr_buffer_deg", 0.02)
	v.SetDefault("cluster.addr_eps", 0.001)
	v.SetDefault("cluster.addr_min_samples", 10)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.radius_km", 40)
	v.SetDefault("export.dist_m", 200)
	v.SetDefault("export.target", 1000)
	v.SetDefault("export.include_multi", false)
	v.SetDefault("vendor.api_base", "https://api.batchdata.com/api/v1")
	v.SetDefault("vendor.timeout_secs", 120)
	v.SetDefault("addresses.table", "addresses")
	v.SetDefault("addresses.batch_size", 5000)
	v.SetDefault("serve.addr", ":8099")
	v.SetDefault("serve.backup_dir", "webhook_payloads")

	// Keys with no default must be bound explicitly or AutomaticEnv
	// never surfaces them to Unmarshal.
	for _, key := range []string{
		"db.url",
		"pipeline.region_file",
		"vendor.token",
		"vendor.api_key",
		"vendor.webhook_url",
		"serve.webhook_token",
	} {
		_ = v.BindEnv(key)
	}

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

	// Viper lowercases map keys when reading the file; region codes are
	// upper case everywhere else.
	cfg.Pipeline.RegionBBox = upperKeys(cfg.Pipeline.RegionBBox)
	cfg.Export.Centers = upperKeys(cfg.Export.Centers)

	return &cfg, nil
}

func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for code, val := range m {
		out[strings.ToUpper(code)] = val
	}
	return out
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
