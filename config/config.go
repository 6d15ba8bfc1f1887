// Package config loads the camera sensor configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/pipeline"
)

// Config is the JSON configuration of one camera sensor. Every field is
// optional; the Get* methods supply defaults for omitted ones.
type Config struct {
	// Sensor geometry
	Width        *int     `json:"width,omitempty"`
	Height       *int     `json:"height,omitempty"`
	SensorWidth  *float64 `json:"sensor_width,omitempty"`  // mm
	SensorHeight *float64 `json:"sensor_height,omitempty"` // mm
	FocalLength  *float64 `json:"focal_length,omitempty"`  // mm
	Fx           *float64 `json:"fx,omitempty"`            // pixels, derived when omitted
	Fy           *float64 `json:"fy,omitempty"`            // pixels, derived when omitted

	// Lens model
	K1        *float64 `json:"k1,omitempty"`
	K2        *float64 `json:"k2,omitempty"`
	K3        *float64 `json:"k3,omitempty"`
	P1        *float64 `json:"p1,omitempty"`
	P2        *float64 `json:"p2,omitempty"`
	Sharpness *float64 `json:"sharpness,omitempty"`

	// Pipeline
	Correction      *bool   `json:"correction,omitempty"`
	BusyPolicy      *string `json:"busy_policy,omitempty"` // "defer" or "drop"
	MaxDeferred     *int    `json:"max_deferred,omitempty"`
	ReadbackTimeout *int    `json:"readback_timeout_ticks,omitempty"`
	TickInterval    *string `json:"tick_interval,omitempty"` // duration string like "16ms"

	// Device
	Backend         *string `json:"backend,omitempty"`          // "auto", "gpu" or "cpu"
	PowerPreference *string `json:"power_preference,omitempty"` // "high-performance" or "low-power"
}

const maxFileSize = 1 * 1024 * 1024

// Load reads a Config from a JSON file. Omitted fields keep their defaults,
// so partial files are fine.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that do not depend on each other. The sensor
// as a whole is checked by camera.Parameters.Validate.
func (c *Config) Validate() error {
	if c.BusyPolicy != nil {
		if _, err := parseBusyPolicy(*c.BusyPolicy); err != nil {
			return err
		}
	}
	if c.MaxDeferred != nil && *c.MaxDeferred < 0 {
		return fmt.Errorf("max_deferred must be non-negative, got %d", *c.MaxDeferred)
	}
	if c.ReadbackTimeout != nil && *c.ReadbackTimeout < 0 {
		return fmt.Errorf("readback_timeout_ticks must be non-negative, got %d", *c.ReadbackTimeout)
	}
	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}
	if c.Backend != nil {
		switch *c.Backend {
		case "auto", "gpu", "cpu":
		default:
			return fmt.Errorf("backend must be auto, gpu or cpu, got %q", *c.Backend)
		}
	}
	if c.PowerPreference != nil {
		switch *c.PowerPreference {
		case "high-performance", "low-power":
		default:
			return fmt.Errorf("power_preference must be high-performance or low-power, got %q", *c.PowerPreference)
		}
	}
	p := c.Parameters()
	return p.Validate()
}

func parseBusyPolicy(s string) (pipeline.BusyPolicy, error) {
	switch s {
	case "", "defer":
		return pipeline.BusyDefer, nil
	case "drop":
		return pipeline.BusyDrop, nil
	}
	return 0, fmt.Errorf("busy_policy must be defer or drop, got %q", s)
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func (c *Config) GetWidth() int  { return intOr(c.Width, 1280) }
func (c *Config) GetHeight() int { return intOr(c.Height, 720) }

// GetSensorWidth returns the sensor width in mm. The default is a 16:9
// sensor 10 mm wide.
func (c *Config) GetSensorWidth() float64  { return floatOr(c.SensorWidth, 10.0) }
func (c *Config) GetSensorHeight() float64 { return floatOr(c.SensorHeight, 5.625) }
func (c *Config) GetFocalLength() float64  { return floatOr(c.FocalLength, 5.0) }

func (c *Config) GetSharpness() float64 { return floatOr(c.Sharpness, 0) }

// GetCorrection returns the correction value or the default (off).
func (c *Config) GetCorrection() bool {
	if c.Correction == nil {
		return false
	}
	return *c.Correction
}

// GetBusyPolicy returns the busy policy or the default (defer).
func (c *Config) GetBusyPolicy() pipeline.BusyPolicy {
	if c.BusyPolicy == nil {
		return pipeline.BusyDefer
	}
	p, err := parseBusyPolicy(*c.BusyPolicy)
	if err != nil {
		return pipeline.BusyDefer
	}
	return p
}

func (c *Config) GetMaxDeferred() int { return intOr(c.MaxDeferred, pipeline.DefaultMaxDeferred) }

// GetReadbackTimeout returns the readback timeout in ticks. Zero waits
// forever.
func (c *Config) GetReadbackTimeout() int { return intOr(c.ReadbackTimeout, 120) }

// GetTickInterval parses and returns the TickInterval as a time.Duration.
func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 16 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return 16 * time.Millisecond
	}
	return d
}

func (c *Config) GetBackend() string {
	if c.Backend == nil {
		return "auto"
	}
	return *c.Backend
}

// GetHighPerformance reports whether a discrete adapter is preferred.
func (c *Config) GetHighPerformance() bool {
	return c.PowerPreference == nil || *c.PowerPreference == "high-performance"
}

// Parameters builds the camera parameters. Fx and Fy stay zero when
// omitted so that they are derived from the sensor geometry.
func (c *Config) Parameters() camera.Parameters {
	return camera.Parameters{
		Width:        c.GetWidth(),
		Height:       c.GetHeight(),
		SensorWidth:  c.GetSensorWidth(),
		SensorHeight: c.GetSensorHeight(),
		FocalLength:  c.GetFocalLength(),
		Fx:           floatOr(c.Fx, 0),
		Fy:           floatOr(c.Fy, 0),
		K1:           floatOr(c.K1, 0),
		K2:           floatOr(c.K2, 0),
		K3:           floatOr(c.K3, 0),
		P1:           floatOr(c.P1, 0),
		P2:           floatOr(c.P2, 0),
		Sharpness:    c.GetSharpness(),
	}
}

// Options returns the pipeline options the file selects.
func (c *Config) Options() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithCorrection(c.GetCorrection()),
		pipeline.WithBusyPolicy(c.GetBusyPolicy()),
		pipeline.WithMaxDeferred(c.GetMaxDeferred()),
		pipeline.WithReadbackTimeout(c.GetReadbackTimeout()),
	}
}
