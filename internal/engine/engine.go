package engine

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"joatu/internal/config"
	"joatu/internal/domain"
	"joatu/internal/events"
	"joatu/internal/i18n"
	"joatu/internal/metrics"
	"joatu/internal/repo"
	"joatu/internal/search"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Log     *logrus.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    logrus.StandardLogger(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// writer shares the engine clock with the event log.
func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (e Engine) logger() *logrus.Logger {
	if e.Log == nil {
		return discard
	}
	return e.Log
}

// Locales returns the translation fallback chain for a requested locale or
// Accept-Language value.
func (e Engine) Locales(requested string) []string {
	if e.Config == nil {
		if requested == "" {
			return nil
		}
		return []string{requested}
	}
	return i18n.Chain(requested, e.Config.Locales.Default, e.Config.Locales.Available)
}

func (e Engine) defaultLocale() string {
	if e.Config == nil || e.Config.Locales.Default == "" {
		return "en"
	}
	return e.Config.Locales.Default
}

// Search runs the filter engine inside base. The caller owns base; the
// engine never widens it.
func (e Engine) Search(ctx context.Context, kind domain.Kind, base search.Scope, params search.Params, locale string) (search.Page, error) {
	s := search.Engine{Repo: e.Repo, DefaultOrder: search.OrderNewest}
	if e.Config != nil {
		s.DefaultOrder = e.Config.Search.DefaultOrder
		s.MaxPerPage = e.Config.Search.MaxPerPage
	}
	page, err := s.Filter(ctx, kind, base, params, e.Locales(locale))
	if err != nil {
		return search.Page{}, err
	}
	e.Metrics.SearchPerformed(string(kind))
	return page, nil
}

// LatestEvents tails the event log, newest first.
func (e Engine) LatestEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, entityKind, entityID, limit)
}
