package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, fv *flagValues, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("unitserver", pflag.ContinueOnError)
	fs.StringVar(&fv.name, "name", "", "")
	fs.StringVar(&fv.listen, "listen", "", "")
	fs.StringVar(&fv.statusAddr, "status-addr", "", "")
	fs.BoolVar(&fv.advertise, "advertise", false, "")
	fs.IntVar(&fv.trials, "trials", 0, "")
	fs.Var(&durationFlag{&fv.delay}, "delay", "")
	fs.Float64Var(&fv.clockSkew, "clock-skew", 0, "")
	fs.StringVar(&fv.logLevel, "log-level", "", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	var fv flagValues
	cfg, err := loadConfig(newFlags(t, &fv), "", fv, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, ":5555", cfg.Listen)
	assert.Equal(t, 3, cfg.Retry.Trials)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay.Std())
}

func TestLoadConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"file\"\nlisten = \":7000\"\n[retry]\ntrials = 5\ndelay = \"1s\"\n"), 0o644))

	env := map[string]string{"MIMOSYNC_UNIT_NAME": "env", "MIMOSYNC_RETRY_TRIALS": "6"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	var fv flagValues
	fs := newFlags(t, &fv, "--trials", "2", "--delay", "250ms")
	cfg, err := loadConfig(fs, path, fv, lookup)
	require.NoError(t, err)

	assert.Equal(t, "env", cfg.Name)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 2, cfg.Retry.Trials)
	assert.Equal(t, 250*time.Millisecond, cfg.Policy().Delay)
}

func TestLoadConfigRejectsZeroTrials(t *testing.T) {
	var fv flagValues
	fs := newFlags(t, &fv, "--trials", "0")
	_, err := loadConfig(fs, "", fv, func(string) (string, bool) { return "", false })
	require.Error(t, err)
}
