package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"joatu/internal/config"
	"joatu/internal/metrics"
	"joatu/internal/repo"
)

const defaultBatch = 100

// Outbox reads committed events after a per-dispatcher cursor and hands
// them to the dispatchers. Delivery is at least once: the cursor only moves
// past an event after it was delivered or filtered out.
type Outbox struct {
	Repo        repo.Repo
	Dispatchers []Dispatcher
	Limiter     *rate.Limiter
	BatchSize   int
	// FromStart makes dispatchers without a stored cursor replay the whole
	// log instead of starting after the newest event.
	FromStart bool
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// NewOutbox wires the log dispatcher and every enabled webhook of cfg.
func NewOutbox(r repo.Repo, cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) *Outbox {
	o := &Outbox{Repo: r, Log: log, Metrics: m, Limiter: rate.NewLimiter(rate.Inf, 1)}
	o.Dispatchers = append(o.Dispatchers, LogDispatcher{Log: log})
	if cfg == nil {
		return o
	}
	n := cfg.Notifications
	o.BatchSize = n.BatchSize
	if n.RatePerSecond > 0 {
		o.Limiter = rate.NewLimiter(rate.Limit(n.RatePerSecond), 1)
	}
	for _, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		o.Dispatchers = append(o.Dispatchers, NewWebhookDispatcher(cfg.Platform.ID, hook))
	}
	return o
}

var quiet = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (o *Outbox) logger() *logrus.Logger {
	if o.Log == nil {
		return quiet
	}
	return o.Log
}

func (o *Outbox) stamp() string {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func cursorName(d Dispatcher) string { return "notify:" + d.Name() }

// RunOnce delivers one batch per dispatcher and returns how many
// notifications were delivered. A failing dispatcher stops at the failed
// event and retries it on the next run; the others carry on.
func (o *Outbox) RunOnce(ctx context.Context) (int, error) {
	batch := o.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	delivered := 0
	var firstErr error
	for _, d := range o.Dispatchers {
		n, err := o.runDispatcher(ctx, d, batch)
		delivered += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return delivered, firstErr
}

func (o *Outbox) runDispatcher(ctx context.Context, d Dispatcher, batch int) (int, error) {
	name := cursorName(d)
	cursor, ok, err := o.Repo.Cursor(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", name, err)
	}
	if !ok && !o.FromStart {
		latest, err := o.Repo.LatestEventID(ctx)
		if err != nil {
			return 0, err
		}
		return 0, o.Repo.SetCursor(ctx, name, latest, o.stamp())
	}
	evts, err := o.Repo.EventsAfter(ctx, cursor, batch)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	filter, _ := d.(Filter)
	delivered := 0
	for _, evt := range evts {
		if filter == nil || filter.Accepts(evt.Type) {
			if o.Limiter != nil {
				if err := o.Limiter.Wait(ctx); err != nil {
					return delivered, err
				}
			}
			err := d.Deliver(ctx, FromEvent(evt))
			o.Metrics.NotificationDelivered(d.Name(), err)
			if err != nil {
				o.logger().WithFields(logrus.Fields{"dispatcher": d.Name(), "event_id": evt.ID, "event": evt.Type}).WithError(err).Warn("notification delivery failed")
				return delivered, err
			}
			delivered++
		}
		if err := o.Repo.SetCursor(ctx, name, evt.ID, o.stamp()); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// Start runs the relay on the cron schedule until ctx is done or the
// returned stop function is called. Overlapping runs are skipped.
func (o *Outbox) Start(ctx context.Context, schedule string) (func(), error) {
	if schedule == "" {
		schedule = "@every 2s"
	}
	logger := cron.PrintfLogger(o.logger())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			o.logger().WithError(err).Debug("outbox run incomplete")
		}
	}); err != nil {
		return nil, fmt.Errorf("notifications schedule %q: %w", schedule, err)
	}
	c.Start()
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			<-c.Stop().Done()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}
