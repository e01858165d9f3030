package campaign

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Options struct {
	Store    storage.CampaignStore
	Audience Audience
	Sender   Sender
	Bus      eventbus.Publisher
	Log      logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	// Ready gates ticks until the roster is complete. Nil means always ready.
	Ready func() bool
}

type Scheduler struct {
	store    storage.CampaignStore
	audience Audience
	sender   Sender
	ready    func() bool
	bus      eventbus.Publisher
	log      logx.Logger
	now      func() time.Time
	parser   cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	spec     string
	guildID  string
	logoURL  string
	inflight map[string]struct{}
	runs     sync.WaitGroup
}

func New(opt Options) *Scheduler {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Scheduler{
		store:    opt.Store,
		audience: opt.Audience,
		sender:   opt.Sender,
		ready:    opt.Ready,
		bus:      opt.Bus,
		log:      opt.Log,
		now:      opt.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		inflight: map[string]struct{}{},
	}
}

// SetBranding updates the guild used in claim descriptors and the logo URL.
func (s *Scheduler) SetBranding(guildID, logoURL string) {
	s.mu.Lock()
	s.guildID = strings.TrimSpace(guildID)
	s.logoURL = strings.TrimSpace(logoURL)
	s.mu.Unlock()
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

// Start schedules Tick on spec in loc. Calling Start again replaces the
// running schedule, which is how tick and timezone changes are applied.
func (s *Scheduler) Start(ctx context.Context, spec string, loc *time.Location) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("campaign tick %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	lg := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(lg),
		cron.WithChain(cron.Recover(lg), cron.SkipIfStillRunning(lg)),
	)
	if _, err := c.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.c
	s.c = c
	s.spec = spec
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	c.Start()
	s.log.Info("campaign scheduler started", logx.String("tick", spec), logx.String("tz", loc.String()))
	return nil
}

// Stop halts ticking and waits for running fan-outs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Tick evaluates all active jobs once and launches the due ones. It returns
// the ids it launched. Errors loading jobs are logged; the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) []string {
	if s.ready != nil && !s.ready() {
		s.log.Debug("gateway not ready; campaign tick skipped")
		return nil
	}
	jobs, err := s.store.ActiveCampaigns(ctx)
	if err != nil {
		s.log.Warn("loading active campaigns failed", logx.Err(err))
		return nil
	}
	now := s.now()
	var launched []string
	for _, job := range jobs {
		if !Due(job, now) {
			continue
		}
		if !s.claim(job.ID) {
			s.log.Debug("campaign still running; skipped", logx.String("job", job.ID))
			continue
		}
		launched = append(launched, job.ID)
		s.runs.Add(1)
		go func(job storage.CampaignJob) {
			defer s.runs.Done()
			defer s.release(job.ID)
			s.fire(ctx, job)
		}(job)
	}
	return launched
}

// Wait blocks until every launched job has finished.
func (s *Scheduler) Wait() { s.runs.Wait() }

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context, job storage.CampaignJob) {
	log := s.log.With(logx.String("job", job.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("campaign run panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	// A one-shot job is disarmed before anything is sent, so a crash or a
	// concurrent tick can never send it twice.
	if job.OneShot() {
		ok, err := s.store.DeactivateCampaign(ctx, job.ID)
		if err != nil {
			log.Warn("deactivating one-shot campaign failed", logx.Err(err))
			s.skipped(job.ID, "deactivate failed: "+err.Error())
			return
		}
		if !ok {
			s.skipped(job.ID, "already deactivated")
			return
		}
	}

	started := s.now()
	recipients, skipped, err := s.audience.Marketing(ctx, job.AudienceRoleIDs)
	if err != nil {
		log.Warn("resolving campaign audience failed", logx.Err(err))
		s.skipped(job.ID, "audience: "+err.Error())
		return
	}

	s.mu.Lock()
	guildID, logoURL := s.guildID, s.logoURL
	s.mu.Unlock()

	rep := s.sender.Send(ctx, recipients, Render(job, guildID, logoURL, started), skipped)
	done := s.now()
	if err := s.store.MarkCampaignFired(ctx, job.ID, done); err != nil {
		log.Warn("recording campaign fire failed", logx.Err(err))
	}

	s.bus.Publish(eventbus.Event{
		Type:    eventbus.CampaignFired,
		Subject: job.ID,
		Data:    FireEvent{JobID: job.ID, Name: job.Name, OneShot: job.OneShot(), Report: rep, Started: started, Done: done},
	})
	log.Info("campaign fired",
		logx.Int("total", rep.Total),
		logx.Int("delivered", rep.Delivered),
		logx.Int("unreachable", rep.Unreachable),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", done.Sub(started)),
	)
}

func (s *Scheduler) skipped(id, reason string) {
	s.bus.Publish(eventbus.Event{Type: eventbus.CampaignSkipped, Subject: id, Data: SkipEvent{JobID: id, Reason: reason}})
}

// Status describes the scheduler for the ops console.
type Status struct {
	Running  bool     `json:"running"`
	Tick     string   `json:"tick"`
	InFlight []string `json:"in_flight,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.c != nil, Tick: s.spec}
	for id := range s.inflight {
		st.InFlight = append(st.InFlight, id)
	}
	sort.Strings(st.InFlight)
	return st
}
