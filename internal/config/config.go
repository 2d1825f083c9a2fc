package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath   = "VOXSTREAM_CONFIG"
	EnvDrawDistance = "VOXSTREAM_DRAW_DISTANCE"
	EnvBatchSize    = "VOXSTREAM_BATCH_SIZE"
	EnvLogLevel     = "VOXSTREAM_LOG_LEVEL"
	EnvMetricsAddr  = "VOXSTREAM_METRICS_ADDR"
)

// Config is the root configuration.
type Config struct {
	World    WorldConfig    `yaml:"world"`
	Stream   StreamConfig   `yaml:"stream"`
	Server   ServerConfig   `yaml:"server"`
	Frontend FrontendConfig `yaml:"frontend"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type WorldConfig struct {
	ChunkSize    int     `yaml:"chunk_size"`
	DrawDistance float32 `yaml:"draw_distance"` // world units
	Seed         int64   `yaml:"seed"`
}

// StreamConfig drives the viewpoint streaming worker.
type StreamConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	MoveReportInterval time.Duration `yaml:"move_report_interval"`
	ResortInterval     int           `yaml:"resort_interval"` // cycles
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	MeshWorkers        int           `yaml:"mesh_workers"`
	CollisionShapes    bool          `yaml:"collision_shapes"`
}

// ServerConfig drives the chunk authority and the chunk worker.
type ServerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	GenWorkers      int           `yaml:"gen_workers"`
	UnloadCacheSize int           `yaml:"unload_cache_size"`
}

// FrontendConfig drives the headless frame loop.
type FrontendConfig struct {
	FrameRate int `yaml:"frame_rate"` // frames per second, 0 for unlimited
	Frames    int `yaml:"frames"`     // 0 runs until interrupted
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DrawChunks returns the draw distance in chunks.
func (w WorldConfig) DrawChunks() float32 {
	return w.DrawDistance / float32(w.ChunkSize)
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		World: WorldConfig{
			ChunkSize:    16,
			DrawDistance: 128,
			Seed:         1,
		},
		Stream: StreamConfig{
			BatchSize:          8,
			MoveReportInterval: 50 * time.Millisecond,
			ResortInterval:     10,
			CycleInterval:      time.Millisecond,
			MeshWorkers:        4,
			CollisionShapes:    true,
		},
		Server: ServerConfig{
			TickInterval:    5 * time.Millisecond,
			GenWorkers:      runtime.NumCPU(),
			UnloadCacheSize: 512,
		},
		Frontend: FrontendConfig{FrameRate: 60},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. If path is empty it falls back
// to $VOXSTREAM_CONFIG, and to the defaults alone when that is unset too.
// Environment overrides are applied last, then the result is clamped and
// validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDrawDistance); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvDrawDistance, err)
		}
		c.World.DrawDistance = float32(f)
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvBatchSize, err)
		}
		c.Stream.BatchSize = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Clamp pulls values into their supported ranges.
func (c *Config) Clamp() {
	// Clamp to reasonable values
	if c.World.ChunkSize < 2 {
		c.World.ChunkSize = 2
	}
	if c.World.ChunkSize > 64 {
		c.World.ChunkSize = 64
	}
	if c.World.DrawDistance < float32(c.World.ChunkSize) {
		c.World.DrawDistance = float32(c.World.ChunkSize)
	}
	if c.Stream.BatchSize < 1 {
		c.Stream.BatchSize = 1
	}
	if c.Stream.ResortInterval < 1 {
		c.Stream.ResortInterval = 1
	}
	if c.Stream.MeshWorkers < 1 {
		c.Stream.MeshWorkers = 1
	}
	if c.Server.GenWorkers < 1 {
		c.Server.GenWorkers = 1
	}
	if c.Frontend.FrameRate < 0 {
		c.Frontend.FrameRate = 0
	}
}

// Validate reports every setting that Clamp cannot repair.
func (c Config) Validate() error {
	var errs []error
	if c.Stream.MoveReportInterval < 0 {
		errs = append(errs, fmt.Errorf("stream.move_report_interval: negative (%s)", c.Stream.MoveReportInterval))
	}
	if c.Stream.CycleInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream.cycle_interval: must be positive (%s)", c.Stream.CycleInterval))
	}
	if c.Server.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.tick_interval: must be positive (%s)", c.Server.TickInterval))
	}
	if c.Server.UnloadCacheSize < 0 {
		errs = append(errs, fmt.Errorf("server.unload_cache_size: negative (%d)", c.Server.UnloadCacheSize))
	}
	if c.Frontend.Frames < 0 {
		errs = append(errs, fmt.Errorf("frontend.frames: negative (%d)", c.Frontend.Frames))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}
