package parameter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mewp-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	rpm, ok := c.Get("engineRpm")
	require.True(t, ok)
	assert.Equal(t, "rpm", rpm.Unit)
	assert.Equal(t, 2500.0, *rpm.Threshold.Critical)

	battery, ok := c.Get("batteryMonitor")
	require.True(t, ok)
	assert.Equal(t, models.DirectionBelow, battery.Threshold.EffectiveDirection())

	assert.Contains(t, c.Categories(), "properUsage")
	assert.NotEmpty(t, c.ByCategory("assetMaintenance"))

	thresholds := c.Thresholds()
	assert.Contains(t, thresholds, "tilt")
	assert.NotContains(t, thresholds, "signalStrength")
}

const catalogYAML = `
parameters:
  - id: engineRpm
    name: Engine RPM
    unit: rpm
    category: properUsage
    value: 1850
    threshold:
      warning: 2300
      critical: 2600
  - id: oilPressure
    unit: psi
    category: properUsage
    threshold:
      warning: 35
      critical: 25
      direction: below
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	oil, ok := c.Get("oilPressure")
	require.True(t, ok)
	assert.Equal(t, models.DirectionBelow, oil.Threshold.Direction)
	assert.Equal(t, 25.0, *oil.Threshold.Critical)

	defs := c.Definitions()
	assert.Equal(t, "engineRpm", defs[0].ID)
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("parameters: [\n"), 0o600))
	_, err := LoadFile(bad)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("parameters:\n  - id: tilt\n  - id: tilt\n"), 0o600))
	_, err = LoadFile(dup)
	assert.Error(t, err)

	inverted := filepath.Join(dir, "inverted.yaml")
	require.NoError(t, os.WriteFile(inverted, []byte("parameters:\n  - id: tilt\n    threshold:\n      min: 10\n      max: 1\n"), 0o600))
	_, err = LoadFile(inverted)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/catalog", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"parameters":[{"id":"tilt","unit":"degrees","threshold":{"critical":6}}]}`))
	}))
	defer srv.Close()

	c, err := Fetch(context.Background(), srv.URL+"/catalog", time.Second, zap.NewNop())
	require.NoError(t, err)
	tilt, ok := c.Get("tilt")
	require.True(t, ok)
	assert.Equal(t, 6.0, *tilt.Threshold.Critical)
}

func TestFetch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, time.Second, zap.NewNop())
	assert.Error(t, err)
}

func TestLoad_FallsBackToDefaults(t *testing.T) {
	c := Load(context.Background(), "/nonexistent/catalog.yaml", "", time.Second, zap.NewNop())
	assert.Equal(t, DefaultCatalog().Len(), c.Len())
}
