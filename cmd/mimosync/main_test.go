package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/mimosync/internal/config"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseUnits(t *testing.T) {
	got, err := parseUnits([]string{"unit0=10.0.0.1:5555", "b=[::1]:6000"})
	require.NoError(t, err)
	assert.Equal(t, []config.UnitEntry{
		{Name: "unit0", Addr: "10.0.0.1:5555"},
		{Name: "b", Addr: "[::1]:6000"},
	}, got)

	_, err = parseUnits([]string{"10.0.0.1:5555"})
	require.Error(t, err)
	_, err = parseUnits([]string{"a="})
	require.Error(t, err)
}

func TestClientConfigFlagsOverride(t *testing.T) {
	g := &globals{}
	fs := pflag.NewFlagSet("mimosync", pflag.ContinueOnError)
	fs.StringArrayVar(&g.units, "unit", nil, "")
	fs.Float64Var(&g.threshold, "threshold", 0, "")
	fs.IntVar(&g.attempts, "attempts", 0, "")
	fs.StringVar(&g.logLevel, "log-level", "", "")
	require.NoError(t, fs.Parse([]string{"--unit", "a=h1:1", "--unit", "b=h2:1", "--threshold", "0.02"}))

	cfg, err := g.clientConfig(fs, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.Sync.Threshold)
	assert.Equal(t, 3, cfg.Sync.Attempts, "unset flags keep the default")
	assert.Len(t, cfg.Units, 2)
}

func TestConfigCommandWritesLoadableFiles(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"client", "server"} {
		path := filepath.Join(dir, kind+".toml")
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"config", kind, path})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), path)
	}

	cc, err := config.LoadClient(filepath.Join(dir, "client.toml"), noEnv)
	require.NoError(t, err)
	assert.Len(t, cc.Units, 2)

	sc, err := config.LoadServer(filepath.Join(dir, "server.toml"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, "sim", sc.Driver)
}

func TestSanityRequiresAddresses(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sanity"})
	require.Error(t, root.Execute())
}
