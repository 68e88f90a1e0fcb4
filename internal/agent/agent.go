// Package agent assembles the publish queues with their transport, resolver,
// notifier and metrics, and runs them for the lifetime of a process.
package agent

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ascmsync/internal/notify"
	"github.com/kalambet/ascmsync/internal/payload"
	"github.com/kalambet/ascmsync/internal/queue"
	"github.com/kalambet/ascmsync/internal/resolver"
	"github.com/kalambet/ascmsync/internal/session"
	"github.com/kalambet/ascmsync/internal/storage"
	"github.com/kalambet/ascmsync/internal/telemetry"
	"github.com/kalambet/ascmsync/internal/transport"
)

// Queue names, also used as the slot and broadcast prefixes.
const (
	GoalsQueue   = "goals"
	AvatarsQueue = "avatars"
)

// Options configures an Agent. Zero values select the defaults.
type Options struct {
	Store            *storage.Store
	BaseURL          string
	Token            string
	Identity         session.Identity
	HTTPClient       *http.Client
	GoalsTick        time.Duration
	GoalsMaxAttempts int
	AvatarsTick      time.Duration
	RatePerSec       float64
	// WarmupPause overrides the transport pause between proxy warm-up retries.
	WarmupPause time.Duration
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	// Clock drives scheduling and every timestamp the agent emits.
	Clock queue.Clock
}

// Agent owns the goal-snapshot and avatar queues of one process.
type Agent struct {
	Store     *storage.Store
	Bus       *notify.Bus
	Notifier  *notify.Notifier
	Resolver  *resolver.Resolver
	Transport *transport.Client
	Goals     *queue.Queue[payload.GoalSnapshot]
	Avatars   *queue.Queue[payload.AvatarUpdate]
	Identity  session.Identity
	Metrics   *telemetry.Metrics

	clock  queue.Clock
	logger *slog.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New wires an Agent. The queues do not run until Run or Start is called.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The resolver probe and the writes share one client so cookies set by a
	// proxy during detection are replayed on delivery.
	hc := opts.HTTPClient
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		hc = &http.Client{Jar: jar}
	}

	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}

	bus := notify.NewBus()
	notifier := notify.NewNotifier(opts.Store, bus, logger).WithClock(clock.Now)
	res := resolver.New(opts.BaseURL, hc, logger)

	topts := transport.Options{
		HTTPClient:  hc,
		Token:       opts.Token,
		Identity:    opts.Identity,
		RatePerSec:  opts.RatePerSec,
		WarmupPause: opts.WarmupPause,
		Logger:      logger,
		Now:         clock.Now,
	}
	if opts.Metrics != nil {
		topts.Recorder = opts.Metrics
	}
	client := transport.NewClient(res, topts)

	a := &Agent{
		Store:     opts.Store,
		Bus:       bus,
		Notifier:  notifier,
		Resolver:  res,
		Transport: client,
		Identity:  opts.Identity,
		Metrics:   opts.Metrics,
		clock:     clock,
		logger:    logger,
	}

	var recorder queue.Recorder
	if opts.Metrics != nil {
		recorder = opts.Metrics
	}

	maxAttempts := opts.GoalsMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	goalsTick := opts.GoalsTick
	if goalsTick <= 0 {
		goalsTick = 10 * time.Second
	}
	avatarsTick := opts.AvatarsTick
	if avatarsTick <= 0 {
		avatarsTick = 12 * time.Second
	}

	a.Goals = queue.New(queue.Config[payload.GoalSnapshot]{
		Name:    GoalsQueue,
		Slots:   opts.Store,
		SlotKey: "goals_queue_v1",
		Deliverer: queue.DeliverFunc[payload.GoalSnapshot](func(ctx context.Context, it queue.Item[payload.GoalSnapshot]) error {
			return classify(client.PublishGoalSnapshot(ctx, it.Payload))
		}),
		Policy: queue.Policy{
			MaxAttempts:        maxAttempts,
			KeepSucceeded:      true,
			BroadcastOnSuccess: true,
			Backoff:            queue.DefaultBackoff(),
			TickInterval:       goalsTick,
		},
		Sanitize: a.sanitizeGoalSnapshot,
		// The goal queue re-detects the API prefix once per delivery cycle.
		BeforeCycle: func(ctx context.Context) { res.Refresh(ctx) },
		Notifier:    notifier,
		Recorder:    recorder,
		Logger:      logger,
		Clock:       clock,
	})

	avatarBackoff := queue.DefaultBackoff()
	avatarBackoff.Base = 2 * time.Second
	a.Avatars = queue.New(queue.Config[payload.AvatarUpdate]{
		Name:    AvatarsQueue,
		Slots:   opts.Store,
		SlotKey: "avatars_queue_v1",
		Deliverer: queue.DeliverFunc[payload.AvatarUpdate](func(ctx context.Context, it queue.Item[payload.AvatarUpdate]) error {
			return classify(client.UpdateAvatar(ctx, it.Payload))
		}),
		Policy: queue.Policy{
			Backoff:      avatarBackoff,
			TickInterval: avatarsTick,
		},
		Sanitize: payload.SanitizeAvatarUpdate,
		Notifier: notifier,
		Recorder: recorder,
		Logger:   logger,
		Clock:    clock,
	})

	if opts.Metrics != nil {
		opts.Metrics.ObserveQueue(GoalsQueue, a.Goals.Summary)
		opts.Metrics.ObserveQueue(AvatarsQueue, a.Avatars.Summary)
	}
	return a
}

// Controllers returns the queues keyed by name.
func (a *Agent) Controllers() map[string]queue.Controller {
	return map[string]queue.Controller{
		GoalsQueue:   a.Goals,
		AvatarsQueue: a.Avatars,
	}
}

// Start launches both schedulers.
func (a *Agent) Start(ctx context.Context) {
	a.Goals.Start(ctx)
	a.Avatars.Start(ctx)
}

// Stop halts both schedulers and waits for in-flight passes.
func (a *Agent) Stop() {
	a.Goals.Stop()
	a.Avatars.Stop()
}

// Refresh re-reads both queues after another process wrote storage. A
// process that finds new work there also picks it up.
func (a *Agent) Refresh() {
	for _, c := range a.Controllers() {
		c.Refresh()
		if c.Summary().Pending() > 0 {
			c.Kick()
		}
	}
}

// Snapshot returns the current summary messages, sent to dashboards on connect.
func (a *Agent) Snapshot() []notify.Message {
	now := a.clock.Now().UnixMilli()
	goals := a.Goals.Summary()
	avatars := a.Avatars.Summary()
	return []notify.Message{
		{Type: notify.QueueUpdateType(GoalsQueue), Summary: &goals, At: now},
		{Type: notify.QueueUpdateType(AvatarsQueue), Summary: &avatars, At: now},
	}
}

// Run starts the schedulers and, when the store lives on disk, a watcher
// that follows writes from other processes. It blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Start(ctx)
	if dir := a.Store.Dir(); dir != "" {
		w := notify.NewWatcher(dir, a.logger, a.Refresh)
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Stop()
		return nil
	})

	a.logger.Info("agent running", "actor", a.Identity.Actor())
	return g.Wait()
}

func (a *Agent) sanitizeGoalSnapshot(s payload.GoalSnapshot) payload.GoalSnapshot {
	s = payload.SanitizeGoalSnapshot(s)
	if s.UserID == "" {
		s.UserID = a.Identity.ID
	}
	return s
}

// classify marks transport failures that no retry can fix.
func classify(err error) error {
	if err != nil && transport.IsPermanent(err) {
		return queue.Permanent(err)
	}
	return err
}
