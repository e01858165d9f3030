package config

import (
	"strings"
	"time"
)

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Telegram  *TelegramConfig `json:"telegram,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Bridge    BridgeConfig    `json:"bridge"`
	Campaigns CampaignsConfig `json:"campaigns"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
	Debug     *DebugConfig    `json:"debug,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// GuildID pins claim grants and the roster to one server. Empty means
	// every guild the bot is in.
	GuildID string `json:"guild_id,omitempty"`
	// LogoURL is used as the embed thumbnail when a campaign or role
	// notification asks for the logo.
	LogoURL string `json:"logo_url,omitempty"`
}

// TelegramConfig enables the owner-only ops console and the chat log sink.
// The whole section is optional.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BridgeConfig tunes the operation bridge. All durations are Go duration strings.
//
// Defaults:
//   - await_timeout: "30s"
//   - op_timeout: "2m"
//   - result_ttl: "5m"
//   - reap_every: "1m"
type BridgeConfig struct {
	AwaitTimeout string `json:"await_timeout,omitempty"`
	OpTimeout    string `json:"op_timeout,omitempty"`
	ResultTTL    string `json:"result_ttl,omitempty"`
	ReapEvery    string `json:"reap_every,omitempty"`
}

// CampaignsConfig controls the recurring campaign scheduler.
//
// Enabled is a pointer so an omitted section keeps the scheduler on.
type CampaignsConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Tick     string `json:"tick,omitempty"` // cron spec or descriptor, default "@every 1m"
	Timezone string `json:"timezone,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec         float64 `json:"rate_per_sec,omitempty"`
	Burst              int     `json:"burst,omitempty"`
	ReachabilitySample int     `json:"reachability_sample,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./castbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/castbot?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig enables the local health, status and pprof listener.
// A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}

func (c *Config) DebugEnabled() bool { return c.Debug != nil && c.Debug.Enabled }

const (
	DefaultAwaitTimeout = 30 * time.Second
	DefaultOpTimeout    = 2 * time.Minute
	DefaultResultTTL    = 5 * time.Minute
	DefaultReapEvery    = time.Minute
	DefaultTick         = "@every 1m"
	DefaultSQLitePath   = "./castbot.db"
)

func (b BridgeConfig) AwaitTimeoutOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("bridge.await_timeout", b.AwaitTimeout, DefaultAwaitTimeout)
	return d
}

func (b BridgeConfig) OpTimeoutOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("bridge.op_timeout", b.OpTimeout, DefaultOpTimeout)
	return d
}

func (b BridgeConfig) ResultTTLOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("bridge.result_ttl", b.ResultTTL, DefaultResultTTL)
	return d
}

func (b BridgeConfig) ReapEveryOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("bridge.reap_every", b.ReapEvery, DefaultReapEvery)
	return d
}

func (c CampaignsConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// TickOrDefault returns the normalized tick spec; an invalid setting falls
// back to the default (Validate reports it).
func (c CampaignsConfig) TickOrDefault() string {
	spec, err := NormalizeTick(c.Tick)
	if err != nil {
		return DefaultTick
	}
	return spec
}

// Location returns the scheduler timezone; invalid or empty names fall back to local time.
func (c CampaignsConfig) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (d DeliveryConfig) RateOrDefault() float64 {
	if d.RatePerSec > 0 {
		return d.RatePerSec
	}
	return 1
}

func (d DeliveryConfig) BurstOrDefault() int {
	if d.Burst > 0 {
		return d.Burst
	}
	return 1
}

func (d DeliveryConfig) SampleOrDefault() int {
	if d.ReachabilitySample > 0 {
		return d.ReachabilitySample
	}
	return 3
}

func (s StorageConfig) DriverOrDefault() string {
	if d := strings.ToLower(strings.TrimSpace(s.Driver)); d != "" {
		return d
	}
	return "sqlite"
}
