package config

import (
	"reflect"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"discord.token": true, "telegram.token": true, "storage": true, "debug": true}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (tokens and DSNs are never included) and the subset of changes
// that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, needRestart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			needRestart = append(needRestart, section)
		}
	}

	if oldCfg.Discord.Token != newCfg.Discord.Token {
		mark("discord.token")
	}
	if strings.TrimSpace(oldCfg.Discord.GuildID) != strings.TrimSpace(newCfg.Discord.GuildID) ||
		strings.TrimSpace(oldCfg.Discord.LogoURL) != strings.TrimSpace(newCfg.Discord.LogoURL) {
		mark("discord",
			logx.String("discord.guild_id", strings.TrimSpace(newCfg.Discord.GuildID)),
			logx.Bool("discord.logo_set", strings.TrimSpace(newCfg.Discord.LogoURL) != ""),
		)
	}

	oTG, nTG := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if oTG.Token != nTG.Token {
		mark("telegram.token")
	}
	if strings.TrimSpace(oTG.PollTimeout) != strings.TrimSpace(nTG.PollTimeout) ||
		!reflect.DeepEqual(oTG.OwnerUserIDs, nTG.OwnerUserIDs) ||
		strings.TrimSpace(oTG.GroupLog) != strings.TrimSpace(nTG.GroupLog) {
		mark("telegram",
			logx.Int("telegram.owner_count", len(nTG.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nTG.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Bridge != newCfg.Bridge {
		mark("bridge",
			logx.Duration("bridge.await_timeout", newCfg.Bridge.AwaitTimeoutOrDefault()),
			logx.Duration("bridge.op_timeout", newCfg.Bridge.OpTimeoutOrDefault()),
			logx.Duration("bridge.result_ttl", newCfg.Bridge.ResultTTLOrDefault()),
		)
	}

	if oldCfg.Campaigns.IsEnabled() != newCfg.Campaigns.IsEnabled() ||
		oldCfg.Campaigns.TickOrDefault() != newCfg.Campaigns.TickOrDefault() ||
		strings.TrimSpace(oldCfg.Campaigns.Timezone) != strings.TrimSpace(newCfg.Campaigns.Timezone) {
		mark("campaigns",
			logx.Bool("campaigns.enabled", newCfg.Campaigns.IsEnabled()),
			logx.String("campaigns.tick", newCfg.Campaigns.TickOrDefault()),
			logx.String("campaigns.timezone", strings.TrimSpace(newCfg.Campaigns.Timezone)),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		mark("delivery",
			logx.Any("delivery.rate_per_sec", newCfg.Delivery.RateOrDefault()),
			logx.Int("delivery.burst", newCfg.Delivery.BurstOrDefault()),
			logx.Int("delivery.reachability_sample", newCfg.Delivery.SampleOrDefault()),
		)
	}

	if oldCfg.Storage.DriverOrDefault() != newCfg.Storage.DriverOrDefault() ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.DriverOrDefault()),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		mark("debug", logx.Bool("debug.enabled", newCfg.DebugEnabled()))
	}

	sort.Strings(changed)
	sort.Strings(needRestart)
	return changed, attrs, needRestart
}

func derefTelegram(tg *TelegramConfig) TelegramConfig {
	if tg == nil {
		return TelegramConfig{}
	}
	return *tg
}
