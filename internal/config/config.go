// Package config loads ~/.agent-manager/config.toml. Every polling interval
// and deadline the manager uses lives here rather than at call sites.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-manager/internal/logging"
	"github.com/asheshgoplani/agent-manager/internal/poll"
	"github.com/asheshgoplani/agent-manager/internal/provider"
	"github.com/asheshgoplani/agent-manager/internal/statestore"
	"github.com/asheshgoplani/agent-manager/internal/status"
	"github.com/asheshgoplani/agent-manager/internal/tmux"
)

const (
	// DirName is the per-user state directory under $HOME.
	DirName = ".agent-manager"
	// FileName is the config file inside DirName.
	FileName = "config.toml"
	// EnvPath overrides the config file location.
	EnvPath = "AGENT_MANAGER_CONFIG"
)

// Duration is a time.Duration written as a string ("2s", "15m") in TOML.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole file.
type Config struct {
	Logs      LogSettings                 `toml:"logs"`
	Tmux      TmuxSettings                `toml:"tmux"`
	Status    StatusSettings              `toml:"status"`
	Session   SessionSettings             `toml:"session"`
	Restore   RestoreSettings             `toml:"restore"`
	Scheduler SchedulerSettings           `toml:"scheduler"`
	Watchdog  WatchdogSettings            `toml:"watchdog"`
	Providers map[string]ProviderSettings `toml:"providers"`
}

// LogSettings configures structured logging.
type LogSettings struct {
	// Dir defaults to ~/.agent-manager/logs. "-" disables file logging.
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Debug      bool   `toml:"debug"`
}

// TmuxSettings tunes the tmux client.
type TmuxSettings struct {
	CommandTimeout Duration `toml:"command_timeout"`
	ChunkSize      int      `toml:"chunk_size"`
	ChunkInterval  Duration `toml:"chunk_interval"`
	PasteSettle    Duration `toml:"paste_settle"`
}

// StatusSettings are classifier capture windows in lines.
type StatusSettings struct {
	FullWindow    int `toml:"full_window"`
	BlockedWindow int `toml:"blocked_window"`
	BusyWindow    int `toml:"busy_window"`
}

// SessionSettings bounds the start-up waits.
type SessionSettings struct {
	PromptTimeout Duration `toml:"prompt_timeout"`
	PromptPoll    Duration `toml:"prompt_poll"`
	ReadyTimeout  Duration `toml:"ready_timeout"`
	ReadyPoll     Duration `toml:"ready_poll"`
	ReadyMinWait  Duration `toml:"ready_min_wait"`
}

// RestoreSettings bounds session id discovery after a fresh launch.
type RestoreSettings struct {
	DiscoveryTimeout  Duration `toml:"discovery_timeout"`
	DiscoveryInterval Duration `toml:"discovery_interval"`
	Watch             bool     `toml:"watch"`
}

// SchedulerSettings are the delays and deadlines of a scheduled run.
type SchedulerSettings struct {
	StartSettle       Duration `toml:"start_settle"`
	RestartPause      Duration `toml:"restart_pause"`
	RestartSettle     Duration `toml:"restart_settle"`
	IdleSettle        Duration `toml:"idle_settle"`
	IdlePoll          Duration `toml:"idle_poll"`
	StartDetect       Duration `toml:"start_detect"`
	StartDetectPoll   Duration `toml:"start_detect_poll"`
	CompletionPoll    Duration `toml:"completion_poll"`
	FlushDelay        Duration `toml:"flush_delay"`
	DefaultWait       Duration `toml:"default_wait"`
	StuckRestartAfter Duration `toml:"stuck_restart_after"`
	OutputTailLines   int      `toml:"output_tail_lines"`
	LogRetention      Duration `toml:"log_retention"`
}

// WatchdogSettings configures the periodic driver.
type WatchdogSettings struct {
	Agents             []string `toml:"agents"`
	BaseInterval       Duration `toml:"base_interval"`
	MaxBackoff         Duration `toml:"max_backoff"`
	MaxBackoffSteps    int      `toml:"max_backoff_steps"`
	NudgeCooldown      Duration `toml:"nudge_cooldown"`
	RepeatWorkCooldown Duration `toml:"repeat_work_cooldown"`
	NudgeMessage       string   `toml:"nudge_message"`
	WorkCommand        []string `toml:"work_command"`
	StatePath          string   `toml:"state_path"`
}

// ProviderSettings adjust one provider's heuristics.
type ProviderSettings struct {
	BusyPatterns      []string `toml:"busy_patterns"`
	BlockedPatterns   []string `toml:"blocked_patterns"`
	StuckAfterSeconds int      `toml:"stuck_after_seconds"`
}

// DefaultNudgeMessage is sent to blocked or erroring agents by the watchdog.
const DefaultNudgeMessage = "continue follow workflows/github_issues.md"

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Logs: LogSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 10,
			Compress:   true,
		},
		Tmux: TmuxSettings{
			CommandTimeout: D(5 * time.Second),
			ChunkSize:      100,
			ChunkInterval:  D(100 * time.Millisecond),
			PasteSettle:    D(time.Second),
		},
		Status: StatusSettings{FullWindow: 200, BlockedWindow: 30, BusyWindow: 5},
		Session: SessionSettings{
			PromptTimeout: D(30 * time.Second),
			PromptPoll:    D(time.Second),
			ReadyTimeout:  D(45 * time.Second),
			ReadyPoll:     D(2 * time.Second),
			ReadyMinWait:  D(3 * time.Second),
		},
		Restore: RestoreSettings{
			DiscoveryTimeout:  D(2 * time.Second),
			DiscoveryInterval: D(200 * time.Millisecond),
			Watch:             true,
		},
		Scheduler: SchedulerSettings{
			StartSettle:       D(2 * time.Second),
			RestartPause:      D(time.Second),
			RestartSettle:     D(2 * time.Second),
			IdleSettle:        D(5 * time.Second),
			IdlePoll:          D(500 * time.Millisecond),
			StartDetect:       D(30 * time.Second),
			StartDetectPoll:   D(time.Second),
			CompletionPoll:    D(2 * time.Second),
			FlushDelay:        D(time.Second),
			DefaultWait:       D(600 * time.Second),
			StuckRestartAfter: D(900 * time.Second),
			OutputTailLines:   200,
			LogRetention:      D(7 * 24 * time.Hour),
		},
		Watchdog: WatchdogSettings{
			Agents:             []string{"developer", "qa"},
			BaseInterval:       D(15 * time.Minute),
			MaxBackoff:         D(4 * time.Hour),
			MaxBackoffSteps:    16,
			NudgeCooldown:      D(2 * time.Hour),
			RepeatWorkCooldown: D(time.Hour),
			NudgeMessage:       DefaultNudgeMessage,
			WorkCommand:        []string{"bash", "scripts/workspace-next-issue.sh"},
		},
	}
}

// Dir returns ~/.agent-manager.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns the config file path, honoring $AGENT_MANAGER_CONFIG.
func Path() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading it on first use. A missing file
// yields defaults. On a parse error the defaults are cached and the error
// returned so callers can report it.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		def := Defaults()
		cache = &def
		return cache, nil
	}
	cfg, err := LoadFile(path)
	cache = cfg
	return cache, err
}

// LoadFile decodes path over the defaults without touching the cache.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		def := Defaults()
		return &def, fmt.Errorf("config.toml parse error: %w", err)
	}
	cfg.fillZeroes()
	return &cfg, nil
}

// Reload drops the cache and loads again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// Save writes cfg atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("# agent-manager configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := statestore.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return err
	}
	ClearCache()
	return nil
}

// fillZeroes restores defaults for values a partial file set to zero.
func (c *Config) fillZeroes() {
	def := Defaults()
	fillDur := func(v *Duration, d Duration) {
		if v.Duration <= 0 {
			*v = d
		}
	}
	fillInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}

	fillDur(&c.Tmux.CommandTimeout, def.Tmux.CommandTimeout)
	fillInt(&c.Tmux.ChunkSize, def.Tmux.ChunkSize)
	fillDur(&c.Tmux.ChunkInterval, def.Tmux.ChunkInterval)
	fillDur(&c.Tmux.PasteSettle, def.Tmux.PasteSettle)

	fillInt(&c.Status.FullWindow, def.Status.FullWindow)
	fillInt(&c.Status.BlockedWindow, def.Status.BlockedWindow)
	fillInt(&c.Status.BusyWindow, def.Status.BusyWindow)

	fillInt(&c.Scheduler.OutputTailLines, def.Scheduler.OutputTailLines)
	fillDur(&c.Scheduler.DefaultWait, def.Scheduler.DefaultWait)
	fillDur(&c.Scheduler.StuckRestartAfter, def.Scheduler.StuckRestartAfter)
	fillDur(&c.Scheduler.LogRetention, def.Scheduler.LogRetention)

	fillDur(&c.Watchdog.BaseInterval, def.Watchdog.BaseInterval)
	fillDur(&c.Watchdog.MaxBackoff, def.Watchdog.MaxBackoff)
	fillInt(&c.Watchdog.MaxBackoffSteps, def.Watchdog.MaxBackoffSteps)
	if len(c.Watchdog.Agents) == 0 {
		c.Watchdog.Agents = def.Watchdog.Agents
	}
	if c.Watchdog.NudgeMessage == "" {
		c.Watchdog.NudgeMessage = def.Watchdog.NudgeMessage
	}
}

// ProviderOverrides converts [providers.*] into registry overrides. Listed
// patterns are appended to the built-in ones.
func (c *Config) ProviderOverrides() map[provider.Key]provider.Override {
	if len(c.Providers) == 0 {
		return nil
	}
	out := make(map[provider.Key]provider.Override, len(c.Providers))
	for key, ps := range c.Providers {
		out[provider.Key(key)] = provider.Override{
			ExtraBusyPatterns:    ps.BusyPatterns,
			ExtraBlockedPatterns: ps.BlockedPatterns,
			StuckAfterSeconds:    ps.StuckAfterSeconds,
		}
	}
	return out
}

// Registry builds the provider table with overrides applied.
func (c *Config) Registry() *provider.Registry {
	return provider.NewRegistry(provider.DefaultSpecs(), c.ProviderOverrides())
}

// LoggingConfig maps [logs] onto the logging package.
func (c *Config) LoggingConfig() logging.Config {
	dir := c.Logs.Dir
	switch dir {
	case "-":
		dir = ""
	case "":
		if base, err := Dir(); err == nil {
			dir = filepath.Join(base, "logs")
		}
	}
	return logging.Config{
		LogDir:     dir,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
		Debug:      c.Logs.Debug,
	}
}

// PromptPolicy is the prompt wait deadline and interval.
func (s SessionSettings) PromptPolicy() poll.Policy {
	return poll.Policy{Interval: s.PromptPoll.Duration, Timeout: s.PromptTimeout.Duration}
}

// ReadyPolicy is the agent-ready wait deadline and interval.
func (s SessionSettings) ReadyPolicy() poll.Policy {
	return poll.Policy{Interval: s.ReadyPoll.Duration, Timeout: s.ReadyTimeout.Duration}
}

// DiscoveryPolicy is the restore discovery deadline and interval.
func (s RestoreSettings) DiscoveryPolicy() poll.Policy {
	return poll.Policy{Interval: s.DiscoveryInterval.Duration, Timeout: s.DiscoveryTimeout.Duration}
}

// TmuxOptions maps [tmux] onto client options. Exec and Clock stay unset.
func (c *Config) TmuxOptions() tmux.Options {
	return tmux.Options{
		CommandTimeout: c.Tmux.CommandTimeout.Duration,
		ChunkSize:      c.Tmux.ChunkSize,
		ChunkInterval:  c.Tmux.ChunkInterval.Duration,
		PasteSettle:    c.Tmux.PasteSettle.Duration,
	}
}

// Windows maps [status] onto classifier capture windows.
func (c *Config) Windows() status.Windows {
	return status.Windows{
		Full:    c.Status.FullWindow,
		Blocked: c.Status.BlockedWindow,
		Busy:    c.Status.BusyWindow,
	}
}
