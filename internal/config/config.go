// Package config loads the TOML configuration of the orchestrator and the
// unit server. Values are layered: defaults, then the file, then MIMOSYNC_*
// environment variables. Command-line flags are applied by the binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/orchestrator"
	"github.com/rjboer/mimosync/internal/unit"
	"github.com/rjboer/mimosync/rpc"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MIMOSYNC_"

// Duration is a time.Duration written as "250ms" or "1.5s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig selects the log level, encoding and optional rotating file.
type LogConfig struct {
	Level      string `toml:"level" comment:"debug, info, warn or error"`
	Format     string `toml:"format" comment:"text or json"`
	File       string `toml:"file,omitempty" comment:"rotate logs into this file instead of stderr"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty"`
}

// Logger builds the configured logger.
func (c LogConfig) Logger() (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	if c.File == "" {
		return logging.New(level, format, os.Stderr), nil
	}
	return logging.NewFile(level, format, logging.FileOptions{
		Path:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	})
}

// SyncConfig tunes clock validation.
type SyncConfig struct {
	Threshold     float64  `toml:"threshold" comment:"largest tolerated clock spread in seconds"`
	Validity      Duration `toml:"validity"`
	Attempts      int      `toml:"attempts"`
	RetryInterval Duration `toml:"retry_interval"`
	Timeout       Duration `toml:"timeout" comment:"bound on one round of clock queries"`
	PulseSettle   Duration `toml:"pulse_settle"`
}

// UnitEntry names one unit server.
type UnitEntry struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// SSHConfig describes an optional jump host in front of the units.
type SSHConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port,omitempty"`
	User     string `toml:"user,omitempty"`
	Password string `toml:"password,omitempty"`
	KeyFile  string `toml:"key_file,omitempty"`
}

// Enabled reports whether a jump host is configured.
func (c SSHConfig) Enabled() bool { return c.Host != "" }

// Dialer returns the rpc dialer for the jump host.
func (c SSHConfig) Dialer() (*rpc.SSHDialer, error) {
	return rpc.NewSSHDialer(rpc.SSHConfig{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		KeyPath:  c.KeyFile,
	})
}

// ClientConfig configures the orchestrator side.
type ClientConfig struct {
	Sync             SyncConfig  `toml:"sync"`
	CollectTimeout   Duration    `toml:"collect_timeout"`
	CallTimeout      Duration    `toml:"call_timeout"`
	SchedulingMargin float64     `toml:"scheduling_margin" comment:"seconds added to the latest clock reading to form the trigger instant"`
	WebAddr          string      `toml:"web_addr,omitempty"`
	HistoryLimit     int         `toml:"history_limit"`
	Units            []UnitEntry `toml:"units,omitempty"`
	SSH              SSHConfig   `toml:"ssh,omitempty"`
	Log              LogConfig   `toml:"log"`
}

// DefaultClient mirrors orchestrator.DefaultConfig.
func DefaultClient() ClientConfig {
	oc := orchestrator.DefaultConfig()
	return ClientConfig{
		Sync: SyncConfig{
			Threshold:     oc.SyncThreshold,
			Validity:      Duration(oc.SyncValidity),
			Attempts:      oc.SyncAttempts,
			RetryInterval: Duration(oc.SyncRetryInterval),
			Timeout:       Duration(oc.SyncTimeout),
			PulseSettle:   Duration(oc.PulseSettle),
		},
		CollectTimeout:   Duration(oc.CollectTimeout),
		CallTimeout:      Duration(oc.CallTimeout),
		SchedulingMargin: oc.SchedulingMargin,
		WebAddr:          ":8080",
		HistoryLimit:     500,
		Log:              LogConfig{Level: "info", Format: "text"},
	}
}

// Orchestrator converts the file representation.
func (c ClientConfig) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		SyncThreshold:     c.Sync.Threshold,
		SyncValidity:      c.Sync.Validity.Std(),
		SyncAttempts:      c.Sync.Attempts,
		SyncRetryInterval: c.Sync.RetryInterval.Std(),
		SyncTimeout:       c.Sync.Timeout.Std(),
		CollectTimeout:    c.CollectTimeout.Std(),
		CallTimeout:       c.CallTimeout.Std(),
		SchedulingMargin:  c.SchedulingMargin,
		PulseSettle:       c.Sync.PulseSettle.Std(),
	}
}

// Validate rejects values the orchestrator cannot work with.
func (c ClientConfig) Validate() error {
	if c.Sync.Threshold <= 0 {
		return fmt.Errorf("sync.threshold must be positive, got %g", c.Sync.Threshold)
	}
	if c.Sync.Attempts < 1 {
		return fmt.Errorf("sync.attempts must be at least 1, got %d", c.Sync.Attempts)
	}
	if c.SchedulingMargin <= 0 {
		return fmt.Errorf("scheduling_margin must be positive, got %g", c.SchedulingMargin)
	}
	seen := make(map[string]bool)
	for i, u := range c.Units {
		if u.Name == "" || u.Addr == "" {
			return fmt.Errorf("units[%d] needs a name and an addr", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("unit %q listed twice", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// ServerConfig configures a unit server.
type ServerConfig struct {
	Name         string    `toml:"name"`
	Listen       string    `toml:"listen"`
	StatusAddr   string    `toml:"status_addr,omitempty"`
	Driver       string    `toml:"driver" comment:"radio driver, only sim is built in"`
	Advertise    bool      `toml:"advertise" comment:"announce the unit over mDNS"`
	LeaseTimeout Duration  `toml:"lease_timeout"`
	Retry        RetryConf `toml:"retry"`
	Sim          SimConfig `toml:"sim,omitempty"`
	Log          LogConfig `toml:"log"`
}

// RetryConf is the controller retry policy.
type RetryConf struct {
	Trials int      `toml:"trials"`
	Delay  Duration `toml:"delay"`
}

// SimConfig parameterises the simulated driver.
type SimConfig struct {
	MasterClockRate float64 `toml:"master_clock_rate,omitempty"`
	ClockSkew       float64 `toml:"clock_skew,omitempty"`
	NoiseLevel      float64 `toml:"noise_level,omitempty"`
	MaxTxSamples    int     `toml:"max_tx_samples,omitempty"`
}

// DefaultServer returns the settings of a stock unit server.
func DefaultServer() ServerConfig {
	p := unit.DefaultRetryPolicy
	host, _ := os.Hostname()
	return ServerConfig{
		Name:         host,
		Listen:       ":5555",
		StatusAddr:   ":5556",
		Driver:       "sim",
		LeaseTimeout: Duration(unit.DefaultLeaseTimeout),
		Retry:        RetryConf{Trials: p.Trials, Delay: Duration(p.Delay)},
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Policy converts the retry section.
func (c ServerConfig) Policy() unit.RetryPolicy {
	return unit.RetryPolicy{Trials: c.Retry.Trials, Delay: c.Retry.Delay.Std()}
}

// Validate rejects unusable server settings.
func (c ServerConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Retry.Trials < 1 {
		return fmt.Errorf("retry.trials must be at least 1, got %d", c.Retry.Trials)
	}
	if c.Driver != "sim" {
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	return nil
}

// LoadClient reads path (optional) over the defaults and applies the
// environment looked up through lookup (usually os.LookupEnv).
func LoadClient(path string, lookup func(string) (string, bool)) (ClientConfig, error) {
	cfg := DefaultClient()
	if err := decodeFile(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	applyClientEnv(&cfg, lookup)
	return cfg, cfg.Validate()
}

// LoadServer is LoadClient for the unit server.
func LoadServer(path string, lookup func(string) (string, bool)) (ServerConfig, error) {
	cfg := DefaultServer()
	if err := decodeFile(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	applyServerEnv(&cfg, lookup)
	return cfg, cfg.Validate()
}

func decodeFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%s: unknown keys:\n%s", path, strict.String())
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("%s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// WriteFile stores cfg as TOML, for generating sample files.
func WriteFile(path string, cfg any) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyClientEnv(c *ClientConfig, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	c.Sync.Threshold = envFloat(lookup, EnvPrefix+"SYNC_THRESHOLD", c.Sync.Threshold)
	c.Sync.Attempts = envInt(lookup, EnvPrefix+"SYNC_ATTEMPTS", c.Sync.Attempts)
	c.Sync.Validity = envDuration(lookup, EnvPrefix+"SYNC_VALIDITY", c.Sync.Validity)
	c.Sync.RetryInterval = envDuration(lookup, EnvPrefix+"SYNC_RETRY_INTERVAL", c.Sync.RetryInterval)
	c.Sync.Timeout = envDuration(lookup, EnvPrefix+"SYNC_TIMEOUT", c.Sync.Timeout)
	c.CollectTimeout = envDuration(lookup, EnvPrefix+"COLLECT_TIMEOUT", c.CollectTimeout)
	c.CallTimeout = envDuration(lookup, EnvPrefix+"CALL_TIMEOUT", c.CallTimeout)
	c.SchedulingMargin = envFloat(lookup, EnvPrefix+"SCHEDULING_MARGIN", c.SchedulingMargin)
	c.WebAddr = envString(lookup, EnvPrefix+"WEB_ADDR", c.WebAddr)
	c.SSH.Host = envString(lookup, EnvPrefix+"SSH_HOST", c.SSH.Host)
	c.SSH.User = envString(lookup, EnvPrefix+"SSH_USER", c.SSH.User)
	c.SSH.Password = envString(lookup, EnvPrefix+"SSH_PASSWORD", c.SSH.Password)
	c.Log.Level = envString(lookup, EnvPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString(lookup, EnvPrefix+"LOG_FORMAT", c.Log.Format)
}

func applyServerEnv(c *ServerConfig, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	c.Name = envString(lookup, EnvPrefix+"UNIT_NAME", c.Name)
	c.Listen = envString(lookup, EnvPrefix+"LISTEN", c.Listen)
	c.StatusAddr = envString(lookup, EnvPrefix+"STATUS_ADDR", c.StatusAddr)
	c.Retry.Trials = envInt(lookup, EnvPrefix+"RETRY_TRIALS", c.Retry.Trials)
	c.Retry.Delay = envDuration(lookup, EnvPrefix+"RETRY_DELAY", c.Retry.Delay)
	c.LeaseTimeout = envDuration(lookup, EnvPrefix+"LEASE_TIMEOUT", c.LeaseTimeout)
	c.Sim.ClockSkew = envFloat(lookup, EnvPrefix+"SIM_CLOCK_SKEW", c.Sim.ClockSkew)
	c.Log.Level = envString(lookup, EnvPrefix+"LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString(lookup, EnvPrefix+"LOG_FORMAT", c.Log.Format)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def Duration) Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return Duration(parsed)
		}
	}
	return def
}
