package app

import (
	"context"
	"strings"
	"time"

	"castbot/internal/config"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are coalesced
// to the newest config.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					next = newer
				default:
					break drain
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes the hot-reloadable parts of next into the running
// components. Tokens, storage and the gateway guild need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn("config change needs a restart to take effect", logx.String("section", s))
	}

	if chatID, ok := logChat(next); ok {
		a.logs.SetChatTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetChatTarget(0, 0)
	}
	lc := logConfig(next)
	lc.Chat.Enabled = lc.Chat.Enabled && a.tg != nil
	a.logs.Apply(lc)

	if strings.TrimSpace(prev.Discord.GuildID) != strings.TrimSpace(next.Discord.GuildID) {
		a.log.Warn("discord.guild_id changed; the gateway keeps its guild filter until restart")
	}
	a.scheduler.SetBranding(next.Discord.GuildID, next.Discord.LogoURL)
	a.matcher.SetLogoURL(next.Discord.LogoURL)
	a.ops.Configure(next.Discord.LogoURL, next.Delivery.SampleOrDefault())
	a.fanout.SetRate(next.Delivery.RateOrDefault(), next.Delivery.BurstOrDefault())

	a.bridge.SetAwaitTimeout(next.Bridge.AwaitTimeoutOrDefault())
	a.dispatcher.SetOpTimeout(next.Bridge.OpTimeoutOrDefault())
	if prev.Bridge.ResultTTLOrDefault() != next.Bridge.ResultTTLOrDefault() ||
		prev.Bridge.ReapEveryOrDefault() != next.Bridge.ReapEveryOrDefault() {
		a.log.Warn("bridge.result_ttl and bridge.reap_every apply after restart")
	}

	if a.console != nil {
		a.console.SetOwners(owners(next))
	}

	a.applyCampaigns(ctx, prev, next)

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Subject: strings.Join(sections, ",")})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

// applyCampaigns replaces the schedule when its tick or timezone changed
// and starts or stops it when enabled flips.
func (a *App) applyCampaigns(ctx context.Context, prev, next *config.Config) {
	pc, nc := prev.Campaigns, next.Campaigns
	changed := pc.TickOrDefault() != nc.TickOrDefault() || strings.TrimSpace(pc.Timezone) != strings.TrimSpace(nc.Timezone)
	running := a.scheduler.Running()

	switch {
	case running && !nc.IsEnabled():
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.scheduler.Stop(sctx); err != nil {
			a.log.Warn("campaign scheduler stop incomplete", logx.Err(err))
		}
		a.log.Info("campaigns disabled via config")
	case nc.IsEnabled() && (!running || changed):
		if err := a.scheduler.Start(ctx, nc.TickOrDefault(), nc.Location()); err != nil {
			a.log.Warn("campaign scheduler start failed", logx.Err(err))
		}
	}
}
