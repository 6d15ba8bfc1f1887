package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/camsensor/camera"
	"github.com/openfluke/camsensor/pipeline"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1280, cfg.GetWidth())
	assert.Equal(t, 720, cfg.GetHeight())
	assert.False(t, cfg.GetCorrection())
	assert.Equal(t, pipeline.BusyDefer, cfg.GetBusyPolicy())
	assert.Equal(t, pipeline.DefaultMaxDeferred, cfg.GetMaxDeferred())
	assert.Equal(t, 120, cfg.GetReadbackTimeout())
	assert.Equal(t, 16*time.Millisecond, cfg.GetTickInterval())
	assert.Equal(t, "auto", cfg.GetBackend())
	assert.True(t, cfg.GetHighPerformance())

	p := cfg.Parameters()
	assert.Zero(t, p.Fx, "focal lengths are left for derivation")
	p.Derive()
	assert.InDelta(t, 640.0, p.Fx, 1e-9)
	assert.InDelta(t, 640.0, p.Fy, 1e-9)
}

func TestLoadPartialFile(t *testing.T) {
	path := writeConfig(t, "camera.json", `{
  "width": 640,
  "height": 480,
  "k1": -0.12,
  "p1": 0.01,
  "sharpness": 1.5,
  "correction": true,
  "busy_policy": "drop",
  "tick_interval": "33ms",
  "backend": "cpu"
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	p := cfg.Parameters()
	assert.Equal(t, 640, p.Width)
	assert.Equal(t, 480, p.Height)
	assert.Equal(t, -0.12, p.K1)
	assert.Equal(t, 0.01, p.P1)
	assert.Equal(t, 0.0, p.K2)
	assert.Equal(t, 1.5, p.Sharpness)
	assert.Equal(t, 10.0, p.SensorWidth, "omitted fields keep defaults")

	assert.True(t, cfg.GetCorrection())
	assert.Equal(t, pipeline.BusyDrop, cfg.GetBusyPolicy())
	assert.Equal(t, 33*time.Millisecond, cfg.GetTickInterval())
	assert.Equal(t, "cpu", cfg.GetBackend())
	assert.Len(t, cfg.Options(), 4)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "camera.yaml", `{}`, ".json extension"},
		{"syntax", "camera.json", `{"width": `, "parse config JSON"},
		{"busy policy", "camera.json", `{"busy_policy": "queue"}`, "busy_policy"},
		{"tick interval", "camera.json", `{"tick_interval": "soon"}`, "tick_interval"},
		{"negative deferred", "camera.json", `{"max_deferred": -1}`, "max_deferred"},
		{"backend", "camera.json", `{"backend": "vulkan"}`, "backend"},
		{"power", "camera.json", `{"power_preference": "max"}`, "power_preference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsInvalidSensor(t *testing.T) {
	path := writeConfig(t, "camera.json", `{"width": 257, "height": 257}`)
	_, err := Load(path)

	var cerr *camera.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "width*height", cerr.Field)
}

func TestLoadMissingAndOversized(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	big := `{"backend": "cpu", "pad": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err = Load(writeConfig(t, "big.json", big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
