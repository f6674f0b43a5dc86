package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient("", nil)
	require.NoError(t, err)
	oc := cfg.Orchestrator()
	assert.Equal(t, 0.005, oc.SyncThreshold)
	assert.Equal(t, 0.2, oc.SchedulingMargin)
	assert.Equal(t, 1100*time.Millisecond, oc.PulseSettle)
	assert.Equal(t, 3, oc.SyncAttempts)
}

func TestLoadClientFileAndEnv(t *testing.T) {
	path := writeFile(t, "client.toml", `
scheduling_margin = 0.5
collect_timeout = "12s"

[sync]
threshold = 0.01
attempts = 5
retry_interval = "250ms"

[[units]]
name = "unit0"
addr = "10.0.0.1:5555"

[[units]]
name = "unit1"
addr = "10.0.0.2:5555"

[log]
level = "debug"
format = "json"
`)
	cfg, err := LoadClient(path, envMap(map[string]string{
		"MIMOSYNC_SYNC_ATTEMPTS": "7",
		"MIMOSYNC_CALL_TIMEOUT":  "750ms",
		"MIMOSYNC_SYNC_TIMEOUT":  "not-a-duration",
	}))
	require.NoError(t, err)

	assert.Equal(t, 0.01, cfg.Sync.Threshold)
	assert.Equal(t, 7, cfg.Sync.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.RetryInterval.Std())
	assert.Equal(t, 750*time.Millisecond, cfg.CallTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Sync.Timeout.Std(), "unparsable env keeps the file value")
	assert.Equal(t, 12*time.Second, cfg.Orchestrator().CollectTimeout)
	assert.Equal(t, 0.5, cfg.Orchestrator().SchedulingMargin)
	require.Len(t, cfg.Units, 2)
	assert.Equal(t, UnitEntry{Name: "unit1", Addr: "10.0.0.2:5555"}, cfg.Units[1])

	log, err := cfg.Log.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestLoadClientRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "client.toml", "[sync]\nthreshhold = 0.1\n")
	_, err := LoadClient(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshhold")
}

func TestLoadClientValidation(t *testing.T) {
	path := writeFile(t, "client.toml", `
[[units]]
name = "a"
addr = "x:1"
[[units]]
name = "a"
addr = "y:1"
`)
	_, err := LoadClient(path, nil)
	require.ErrorContains(t, err, "listed twice")

	_, err = LoadClient("", envMap(map[string]string{"MIMOSYNC_SYNC_THRESHOLD": "0"}))
	require.ErrorContains(t, err, "threshold")
}

func TestBadDurationReportsPosition(t *testing.T) {
	path := writeFile(t, "client.toml", "call_timeout = \"soon\"\n")
	_, err := LoadClient(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestLoadServer(t *testing.T) {
	path := writeFile(t, "server.toml", `
name = "unit0"
listen = "127.0.0.1:6000"
advertise = true

[retry]
trials = 4
delay = "1s"

[sim]
clock_skew = 0.25
`)
	cfg, err := LoadServer(path, envMap(map[string]string{"MIMOSYNC_RETRY_DELAY": "3s"}))
	require.NoError(t, err)
	assert.Equal(t, "unit0", cfg.Name)
	assert.True(t, cfg.Advertise)
	assert.Equal(t, 4, cfg.Policy().Trials)
	assert.Equal(t, 3*time.Second, cfg.Policy().Delay)
	assert.Equal(t, 0.25, cfg.Sim.ClockSkew)
	assert.Equal(t, "sim", cfg.Driver)

	bad := writeFile(t, "bad.toml", "driver = \"uhd\"\n")
	_, err = LoadServer(bad, nil)
	require.ErrorContains(t, err, "unknown driver")
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	want := DefaultServer()
	want.Name = "unit3"
	require.NoError(t, WriteFile(path, want))

	got, err := LoadServer(path, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWatchDebouncesWrites(t *testing.T) {
	path := writeFile(t, "server.toml", "name = \"a\"\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 50*time.Millisecond, nil, func() { changes <- struct{}{} })
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("name = \"b\"\n"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x = 1\n"), 0o644))

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
	select {
	case <-changes:
		t.Fatal("writes were not coalesced")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
