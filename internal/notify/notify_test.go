package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/engine"
	"joatu/internal/metrics"
	"joatu/internal/migrate"
	"joatu/internal/notify"
	"joatu/internal/repo"
)

type env struct {
	ctx    context.Context
	engine engine.Engine
	repo   repo.Repo
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn, config.Default("joatu-test"))
	eng.Log = nil
	return env{ctx: context.Background(), engine: eng, repo: repo.Repo{DB: conn}}
}

func (e env) offer(t *testing.T, creator, name string) {
	t.Helper()
	_, err := e.engine.CreateOffer(e.ctx, engine.RecordCreateOptions{Name: name, CreatorID: creator})
	require.NoError(t, err)
}

func TestOutboxStartsAfterExistingEvents(t *testing.T) {
	e := newEnv(t)
	e.offer(t, "alice", "Before relay")

	rec := &notify.Recorder{}
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{rec}}
	n, err := o.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.offer(t, "alice", "After relay")
	n, err = o.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"offer.created"}, rec.Types())
	assert.Equal(t, []string{"alice"}, rec.Notifications()[0].Recipients)

	n, err = o.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delivered events are not replayed")
}

func TestOutboxFromStartReplaysLog(t *testing.T) {
	e := newEnv(t)
	e.offer(t, "alice", "One")
	e.offer(t, "alice", "Two")

	rec := &notify.Recorder{}
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{rec}, FromStart: true, BatchSize: 1}
	for i := 0; i < 3; i++ {
		_, err := o.RunOnce(e.ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"offer.created", "offer.created"}, rec.Types())
}

func TestOutboxRetriesFailedDelivery(t *testing.T) {
	e := newEnv(t)
	rec := &notify.Recorder{Fail: errors.New("sink down")}
	m := metrics.New()
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{rec}, FromStart: true, Metrics: m}

	e.offer(t, "alice", "Ladder")
	_, err := o.RunOnce(e.ctx)
	require.Error(t, err)
	assert.Empty(t, rec.Notifications())

	rec.Fail = nil
	n, err := o.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"offer.created"}, rec.Types())
}

func TestOutboxIsolatesDispatchers(t *testing.T) {
	e := newEnv(t)
	broken := &notify.Recorder{Fail: errors.New("down")}
	healthy := &namedRecorder{name: "healthy"}
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{broken, healthy}, FromStart: true}

	e.offer(t, "alice", "Ladder")
	_, err := o.RunOnce(e.ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"offer.created"}, healthy.Types())
}

type namedRecorder struct {
	notify.Recorder
	name string
}

func (r *namedRecorder) Name() string { return r.name }

func TestMatchNotificationsReachBothCreators(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.CreateCategory(e.ctx, engine.CategoryCreateOptions{Identifier: "tools", Names: map[string]string{"en": "Tools"}})
	require.NoError(t, err)
	cats, err := e.engine.ListCategories(e.ctx, "")
	require.NoError(t, err)
	require.Len(t, cats, 1)

	rec := &notify.Recorder{}
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{rec}}
	_, err = o.RunOnce(e.ctx)
	require.NoError(t, err)

	_, err = e.engine.CreateOffer(e.ctx, engine.RecordCreateOptions{Name: "Drill", CreatorID: "alice", CategoryIDs: []string{cats[0].ID}})
	require.NoError(t, err)
	_, err = e.engine.CreateRequest(e.ctx, engine.RecordCreateOptions{Name: "Need a drill", CreatorID: "bob", CategoryIDs: []string{cats[0].ID}})
	require.NoError(t, err)

	_, err = o.RunOnce(e.ctx)
	require.NoError(t, err)
	var found *notify.Notification
	for _, n := range rec.Notifications() {
		if n.EventType == "match.found" {
			n := n
			found = &n
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, []string{"alice", "bob"}, found.Recipients)
}

func TestWebhookDispatcher(t *testing.T) {
	e := newEnv(t)
	var (
		mu      sync.Mutex
		headers []http.Header
		bodies  [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := config.Default("exchange")
	cfg.Notifications.Webhooks = []config.WebhookConfig{{URL: srv.URL, Events: []string{"offer.created"}, Secret: "s3cret"}}
	o := notify.NewOutbox(e.repo, cfg, nil, nil)
	o.FromStart = true
	o.Limiter = rate.NewLimiter(rate.Inf, 1)
	require.Len(t, o.Dispatchers, 2)

	e.offer(t, "alice", "Ladder")
	_, err := e.engine.CreateRequest(e.ctx, engine.RecordCreateOptions{Name: "Need paint", CreatorID: "bob"})
	require.NoError(t, err)

	_, err = o.RunOnce(e.ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "request.created is filtered out")
	assert.Equal(t, "offer.created", headers[0].Get("X-Joatu-Event"))
	assert.Equal(t, "exchange", headers[0].Get("X-Joatu-Platform"))
	assert.Equal(t, "sha256="+notify.Sign("s3cret", bodies[0]), headers[0].Get("X-Joatu-Signature"))

	var n notify.Notification
	require.NoError(t, json.Unmarshal(bodies[0], &n))
	assert.Equal(t, "offer", n.EntityKind)
	assert.Equal(t, "alice", n.ActorID)
}

func TestWebhookDispatcherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := notify.NewWebhookDispatcher("exchange", config.WebhookConfig{URL: srv.URL, TimeoutSeconds: 1})
	err := d.Deliver(context.Background(), notify.Notification{EventID: 1, EventType: "offer.created"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "nope")
}

func TestOutboxStart(t *testing.T) {
	e := newEnv(t)
	rec := &notify.Recorder{}
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{rec}, FromStart: true}
	e.offer(t, "alice", "Ladder")

	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	stop, err := o.Start(ctx, "@every 1s")
	require.NoError(t, err)
	defer stop()

	assert.Eventually(t, func() bool { return len(rec.Notifications()) == 1 }, 5*time.Second, 50*time.Millisecond)

	_, err = o.Start(ctx, "not a schedule")
	require.Error(t, err)
}

func TestOutboxStopRacesCancel(t *testing.T) {
	e := newEnv(t)
	o := &notify.Outbox{Repo: e.repo, Dispatchers: []notify.Dispatcher{&notify.Recorder{}}}
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(e.ctx)
		stop, err := o.Start(ctx, "@every 1h")
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				stop()
			}()
		}
		close(start)
		cancel()
		require.NotPanics(t, stop)
		wg.Wait()
	}
}
