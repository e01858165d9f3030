package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// tickParser accepts the same expressions the campaign scheduler does.
var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a parsed config. It never mutates cfg; defaults are
// applied by the accessor methods.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}

	if tg := cfg.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when the telegram section is present"))
		}
		if len(tg.OwnerUserIDs) == 0 {
			errs = append(errs, errors.New("telegram.owner_user_ids must not be empty"))
		}
		if _, err := ParseDurationField("telegram.poll_timeout", tg.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"bridge.await_timeout": cfg.Bridge.AwaitTimeout,
		"bridge.op_timeout":    cfg.Bridge.OpTimeout,
		"bridge.result_ttl":    cfg.Bridge.ResultTTL,
		"bridge.reap_every":    cfg.Bridge.ReapEvery,
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Bridge.ResultTTLOrDefault() < cfg.Bridge.AwaitTimeoutOrDefault() {
		errs = append(errs, errors.New("bridge.result_ttl must be >= bridge.await_timeout"))
	}

	if spec, err := NormalizeTick(cfg.Campaigns.Tick); err != nil {
		errs = append(errs, fmt.Errorf("campaigns.tick: %w", err))
	} else if _, err := tickParser.Parse(spec); err != nil {
		errs = append(errs, fmt.Errorf("campaigns.tick: %w", err))
	}
	if tz := strings.TrimSpace(cfg.Campaigns.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("campaigns.timezone: %w", err))
		}
	}

	if cfg.Delivery.RatePerSec < 0 || cfg.Delivery.Burst < 0 || cfg.Delivery.ReachabilitySample < 0 {
		errs = append(errs, errors.New("delivery values must be >= 0"))
	}

	switch cfg.Storage.DriverOrDefault() {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if d := cfg.Debug; d != nil && d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
