// Package app wires castbot together: config, logging, storage, the Discord
// gateway, the runtime loop, the operation bridge, campaigns, role
// notifications and the optional Telegram ops console.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"castbot/internal/audience"
	"castbot/internal/bridge"
	"castbot/internal/campaign"
	"castbot/internal/config"
	"castbot/internal/console"
	"castbot/internal/debug"
	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/ops"
	"castbot/internal/optout"
	"castbot/internal/rolenotify"
	"castbot/internal/runtime/loop"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/discord"
	"castbot/internal/transport/telegram"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	sd   notifier

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg      *telegram.Adapter // nil when the console is not configured
	updates chan kit.Update

	// built in Start
	loop       *loop.Loop
	queue      *bridge.Queue
	results    *bridge.ResultStore
	dispatcher *bridge.Dispatcher
	bridge     *bridge.Bridge
	fanout     *delivery.Fanout
	ops        *ops.Handlers
	scheduler  *campaign.Scheduler
	matcher    *rolenotify.Matcher
	gateway    *discord.Adapter
	console    *console.Console
}

// New loads the config and opens logging and storage. Nothing connects
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var tg *telegram.Adapter
	if tc := cfg.Telegram; tc != nil && strings.TrimSpace(tc.Token) != "" {
		poll, _ := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
		tg, err = telegram.New(telegram.Config{Token: tc.Token, PollTimeout: poll},
			logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	// The chat sink starts disabled so Apply does not warn before the
	// target is set.
	logCfg := logConfig(cfg)
	chatEnabled := logCfg.Chat.Enabled
	logCfg.Chat.Enabled = false
	var sender logx.Sender
	if tg != nil {
		sender = tg
	}
	logs, log := logx.New(logCfg, sender)
	if chatID, ok := logChat(cfg); ok {
		logs.SetChatTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logCfg.Chat.Enabled = chatEnabled && tg != nil
	logs.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.DriverOrDefault()))

	return &App{
		cfgm:    cfgm,
		sd:      notifier{log: log.With(logx.String("comp", "systemd"))},
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		tg:      tg,
		updates: make(chan kit.Update, 256),
	}, nil
}

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func logChat(cfg *config.Config) (int64, bool) {
	if cfg.Telegram == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	return id, err == nil && id != 0
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = config.DefaultSQLitePath
	}
	return storage.Config{Driver: sc.DriverOrDefault(), Path: path, DSN: sc.DSN, BusyTimeout: busy}
}

func owners(cfg *config.Config) []int64 {
	if cfg.Telegram == nil {
		return nil
	}
	return cfg.Telegram.OwnerUserIDs
}

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// build creates the runtime graph. Every component that touches the roster
// goes through the loop.
func (a *App) build(cfg *config.Config) error {
	comp := func(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

	a.loop = loop.New(nil, a.sup, comp("loop"), 1024)

	gw, err := discord.New(discord.Config{Token: cfg.Discord.Token, GuildID: cfg.Discord.GuildID}, a.loop, comp("discord"))
	if err != nil {
		return err
	}
	a.gateway = gw

	a.fanout = delivery.NewFanout(gw, cfg.Delivery.RateOrDefault(), cfg.Delivery.BurstOrDefault(), comp("delivery"))
	resolver := audience.NewResolver(a.loop, a.store)

	a.queue = bridge.NewQueue()
	a.results = bridge.NewResultStore()
	a.dispatcher = bridge.NewDispatcher(a.queue, a.results, a.bus, comp("dispatcher"))
	a.dispatcher.SetOpTimeout(cfg.Bridge.OpTimeoutOrDefault())
	a.bridge = bridge.New(a.queue, a.results, cfg.Bridge.AwaitTimeoutOrDefault())

	a.ops = ops.New(gw, resolver, a.fanout, comp("ops"))
	a.ops.Configure(cfg.Discord.LogoURL, cfg.Delivery.SampleOrDefault())
	a.ops.Register(a.dispatcher)

	a.scheduler = campaign.New(campaign.Options{
		Store:    a.store,
		Audience: resolver,
		Sender:   a.fanout,
		Ready:    gw.Ready,
		Bus:      a.bus,
		Log:      comp("campaigns"),
	})
	a.scheduler.SetBranding(cfg.Discord.GuildID, cfg.Discord.LogoURL)

	a.matcher = rolenotify.NewMatcher(rolenotify.Options{
		Store:  a.store,
		Sender: a.fanout,
		Loop:   a.loop,
		Bus:    a.bus,
		Log:    comp("rolenotify"),
	})
	a.matcher.SetLogoURL(cfg.Discord.LogoURL)

	gw.Bind(discord.Handlers{
		Matcher: a.matcher,
		Claims:  rolenotify.NewClaimHandler(a.loop, gw, gw, a.bus, comp("claims")),
		OptOut:  optout.New(a.store, gw, a.bus, comp("optout")),
	})

	if a.tg != nil {
		a.console = console.New(console.Deps{
			Adapter:   a.tg,
			Owners:    owners(cfg),
			Bridge:    a.bridge,
			Store:     a.store,
			Scheduler: a.scheduler,
			Status:    a.status,
			Log:       comp("console"),
			Timeout:   cfg.Bridge.AwaitTimeoutOrDefault() + 5*time.Second,
		})
	}
	return nil
}

func (a *App) status() map[string]any {
	return map[string]any{
		"discord_ready": a.gateway.Ready(),
		"syncing":       a.gateway.Syncing(),
		"loop":          a.loop.Stats(),
		"dispatcher":    a.dispatcher.Stats(),
		"queued":        a.queue.Len(),
		"results":       a.results.Len(),
		"bus_dropped":   a.bus.Dropped(),
		"goroutines":    a.sup.Counters(),
		"running":       a.sup.Running(),
		"config_reload": a.cfgm.LastReload(),
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if err := a.build(cfg); err != nil {
		return err
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if strings.TrimSpace(next.Discord.Token) == "" {
			return errors.New("discord.token must not be cleared")
		}
		return nil
	})

	a.sup.Go("loop", a.loop.Run)
	a.sup.Go("bridge.dispatch", a.dispatcher.Run)
	a.sup.Go("bridge.reaper", func(c context.Context) error {
		return a.results.RunReaper(c, cfg.Bridge.ReapEveryOrDefault(), cfg.Bridge.ResultTTLOrDefault(), func(n int) {
			a.log.Debug("reaped uncollected results", logx.Int("n", n))
		})
	})
	a.sup.Go0("audit", func(c context.Context) {
		runAudit(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
	})

	if err := a.gateway.Open(); err != nil {
		return err
	}

	if cfg.Campaigns.IsEnabled() {
		if err := a.scheduler.Start(a.sup.Context(), cfg.Campaigns.TickOrDefault(), cfg.Campaigns.Location()); err != nil {
			return err
		}
	}

	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		if err := a.tg.UpdateMenuCommands(a.sup.Context(), a.console.Menu()); err != nil {
			a.log.Warn("telegram menu update failed", logx.Err(err))
		}
		a.sup.Go("console", func(c context.Context) error {
			return a.console.Run(c, a.updates)
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	if d := cfg.Debug; cfg.DebugEnabled() {
		srv := debug.New(debug.Config{Addr: d.Addr, Token: d.Token}, a.gateway.Ready, a.status, a.log.With(logx.String("comp", "debug")))
		a.sup.GoRestart("debug.http", srv.Serve, supervisor.WithRestartBackoff(time.Second, 30*time.Second), supervisor.WithStopOnCleanExit(true))
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, func() bool { return a.loop.Stats().Pending < 1024 })
	})

	a.sd.ready()
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Campaign runs finish their fan-out before the gateway closes.
	if a.scheduler != nil {
		a.step(ctx, "campaigns", 5*time.Second, a.scheduler.Stop)
	}
	a.sup.Cancel()
	if a.tg != nil {
		a.step(ctx, "telegram", 2*time.Second, a.tg.Stop)
	}
	if a.gateway != nil {
		a.step(ctx, "discord", 2*time.Second, func(context.Context) error { return a.gateway.Close() })
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step
// that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
