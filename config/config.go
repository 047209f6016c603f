// Package config holds the process configuration of the harvester binary.
// Runtime mining tunables are not flags: they live in the project store.
package config

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap/zapcore"

	"github.com/nightminer/harvester/logging"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultProject        = "scavenger"

	dateLayout = "2006-01-02"
)

// Config defines the configuration options for harvester.
type Config struct {
	HarvesterDir   string  `long:"harvesterdir"   description:"The base directory that contains harvester's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                        short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store exports and legacy files within"                            short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store project databases within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Pprof      string `long:"pprof"      description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Project     string `long:"project"      description:"Project the harvester mines for; each project has its own store"`
	MiningStart Date   `long:"mining-start" description:"First day of mining (RFC3339 or YYYY-MM-DD), used to bucket statistics by day"`

	ExportChallenges string `long:"export-challenges" description:"Write the valid challenges to this file and exit"`
	SeedChallenges   string `long:"seed-challenges"   description:"Import challenges from this file and exit"`
	LegacyChallenges string `long:"legacy-challenges" description:"Legacy challenge history to migrate into the store"`

	Authority AuthorityConfig `group:"Authority" namespace:"authority"`
	Compute   ComputeConfig   `group:"Compute"   namespace:"compute"`
	Wallet    WalletConfig    `group:"Wallet"    namespace:"wallet"`
	Round     RoundConfig     `group:"Round"     namespace:"round"`
	Pool      PoolConfig      `group:"Pool"      namespace:"pool"`
	Retry     RetryConfig     `group:"Retry"     namespace:"retry"`
	Stats     StatsConfig     `group:"Stats"     namespace:"stats"`
}

type AuthorityConfig struct {
	URL      string `long:"url"       description:"Base URL of the challenge authority"`
	PoolURL  string `long:"pool-url"  description:"Base URL of the fee-pool allocation authority (defaults to the authority URL)"`
	RetryMax int    `long:"retry-max" description:"Transport retries per request (0 reports failures immediately)"`

	ChallengeTimeout time.Duration `long:"challenge-timeout" description:"Timeout of a challenge query"`
	SubmitTimeout    time.Duration `long:"submit-timeout"    description:"Timeout of a solution submission"`
	RatesTimeout     time.Duration `long:"rates-timeout"     description:"Timeout of a reward rate query"`
	RegisterTimeout  time.Duration `long:"register-timeout"  description:"Timeout of an address registration"`
	AllocateTimeout  time.Duration `long:"allocate-timeout"  description:"Timeout of a fee address allocation"`

	PollInterval time.Duration `long:"poll-interval" description:"How often the current challenge is polled"`
	// ValidityHint applies only to challenges reported without a deadline.
	ValidityHint time.Duration `long:"validity-hint" description:"Assumed challenge lifetime when the authority reports no deadline"`
}

type ComputeConfig struct {
	URL     string        `long:"url"     description:"Base URL of the hash-search compute service"`
	Timeout time.Duration `long:"timeout" description:"Timeout of one batch search"`
}

type WalletConfig struct {
	AddressBook string `long:"address-book" description:"JSON file with the derived mining addresses"`
	CacheSize   int    `long:"cache-size"   description:"Number of derived addresses kept in memory"`
	// RegistrationMessage is signed to register addresses not yet registered in the project.
	RegistrationMessage string `long:"registration-message" description:"Message signed when registering mining addresses (empty skips registration)"`
}

type RoundConfig struct {
	Duration      time.Duration `long:"duration"       description:"How long a challenge is mined before selecting again"`
	RetentionDays int           `long:"retention-days" description:"Challenges issued longer ago are removed"`
	SweepInterval time.Duration `long:"sweep-interval" description:"How often the retention sweep runs"`
}

type PoolConfig struct {
	Enabled bool          `long:"enabled" description:"Route a share of solutions to the fee pool"`
	Size    int           `long:"size"    description:"Number of fee addresses in the pool"`
	Delay   time.Duration `long:"delay"   description:"Pause between consecutive address allocations"`
}

type RetryConfig struct {
	Delay   time.Duration `long:"delay"    description:"Pause between consecutive retried submissions"`
	Window  time.Duration `long:"window"   description:"Only failures that happened within this window are retried"`
	OnStart bool          `long:"on-start" description:"Retry recent failures before mining starts"`
}

type StatsConfig struct {
	LastHours  int           `long:"last-hours"  description:"Number of hourly buckets reported"`
	RateWindow time.Duration `long:"rate-window" description:"Window of the solved-per-hour rate"`
}

// Date is a calendar day or an RFC3339 timestamp given on the command line.
type Date time.Time

// UnmarshalFlag implements flags.Unmarshaler.
func (d *Date) UnmarshalFlag(value string) error {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t, err = time.Parse(dateLayout, value)
		if err != nil {
			return fmt.Errorf("invalid date %q: want RFC3339 or %s", value, dateLayout)
		}
	}
	*d = Date(t.UTC())
	return nil
}

func (d Date) Time() time.Time {
	return time.Time(d)
}

func (d Date) IsZero() bool {
	return time.Time(d).IsZero()
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	harvesterDir := "./harvester"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		harvesterDir = filepath.Join(cacheDir, "harvester")
	}

	return &Config{
		HarvesterDir:   harvesterDir,
		DataDir:        filepath.Join(harvesterDir, defaultDataDirname),
		DbDir:          filepath.Join(harvesterDir, defaultDbDirName),
		LogDir:         filepath.Join(harvesterDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Project:        defaultProject,
		Authority: AuthorityConfig{
			URL:              "http://localhost:8000",
			ChallengeTimeout: 10 * time.Second,
			SubmitTimeout:    30 * time.Second,
			RatesTimeout:     10 * time.Second,
			RegisterTimeout:  15 * time.Second,
			AllocateTimeout:  5 * time.Second,
			PollInterval:     time.Minute,
			ValidityHint:     24 * time.Hour,
		},
		Compute: ComputeConfig{
			URL:     "http://localhost:9000",
			Timeout: 30 * time.Second,
		},
		Wallet: WalletConfig{
			CacheSize: 256,
		},
		Round: RoundConfig{
			Duration:      5 * time.Minute,
			RetentionDays: 7,
			SweepInterval: time.Hour,
		},
		Pool: PoolConfig{
			Size:  10,
			Delay: 200 * time.Millisecond,
		},
		Retry: RetryConfig{
			Delay:  500 * time.Millisecond,
			Window: 24 * time.Hour,
		},
		Stats: StatsConfig{
			LastHours:  24,
			RateWindow: time.Hour,
		},
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}
	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	if cfg.Project == "" || strings.ContainsAny(cfg.Project, `/\`) {
		return nil, fmt.Errorf("invalid project name %q", cfg.Project)
	}
	if cfg.Authority.PoolURL == "" {
		cfg.Authority.PoolURL = cfg.Authority.URL
	}

	// Paths left at their defaults follow a non-default harvester directory.
	defaultCfg := DefaultConfig()
	if cfg.HarvesterDir != defaultCfg.HarvesterDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.HarvesterDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.HarvesterDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.HarvesterDir, defaultDbDirName)
		}
	}

	cfg.HarvesterDir = cleanAndExpandPath(cfg.HarvesterDir)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.Wallet.AddressBook = cleanAndExpandPath(cfg.Wallet.AddressBook)
	cfg.LegacyChallenges = cleanAndExpandPath(cfg.LegacyChallenges)

	for _, dir := range []string{cfg.HarvesterDir, cfg.DataDir, cfg.DbDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %v: %w", dir, err)
		}
	}
	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// os.ExpandEnv only understands POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c RoundConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("duration", c.Duration)
	enc.AddInt("retention-days", c.RetentionDays)
	enc.AddDuration("sweep-interval", c.SweepInterval)
	return nil
}
