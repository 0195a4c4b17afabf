package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"joatu/internal/domain"
	"joatu/internal/events"
	"joatu/internal/richtext"
)

// RecordCreateOptions are parameters for creating an offer or a request.
type RecordCreateOptions struct {
	ID          string
	Name        string
	Description string
	Locale      string
	CreatorID   string
	CreatorName string
	TargetType  string
	TargetID    string
	Urgency     string
	CategoryIDs []string
}

func (e Engine) CreateOffer(ctx context.Context, opts RecordCreateOptions) (domain.Record, error) {
	return e.createRecord(ctx, domain.KindOffer, opts)
}

func (e Engine) CreateRequest(ctx context.Context, opts RecordCreateOptions) (domain.Record, error) {
	return e.createRecord(ctx, domain.KindRequest, opts)
}

func (e Engine) createRecord(ctx context.Context, kind domain.Kind, opts RecordCreateOptions) (domain.Record, error) {
	if err := e.validateRecord(kind, &opts); err != nil {
		return domain.Record{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	rec, err := e.insertRecord(ctx, tx, kind, opts)
	if err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (e Engine) validateRecord(kind domain.Kind, opts *RecordCreateOptions) error {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.CreatorID = strings.TrimSpace(opts.CreatorID)
	opts.TargetType = strings.TrimSpace(opts.TargetType)
	opts.TargetID = strings.TrimSpace(opts.TargetID)
	opts.CategoryIDs = dedupe(opts.CategoryIDs)
	if opts.Locale == "" {
		opts.Locale = e.defaultLocale()
	}
	var verrs domain.ValidationErrors
	if !kind.Valid() {
		verrs = append(verrs, domain.NewValidationError("kind", "must be offer or request"))
	}
	if opts.Name == "" {
		verrs = append(verrs, domain.NewValidationError("name", "must be present"))
	}
	if opts.CreatorID == "" {
		verrs = append(verrs, domain.NewValidationError("creator", "must be present"))
	}
	if opts.TargetID != "" && opts.TargetType == "" {
		verrs = append(verrs, domain.NewValidationError("target_type", "must be present when target_id is set"))
	}
	if opts.Urgency != "" {
		if kind != domain.KindRequest {
			verrs = append(verrs, domain.NewValidationError("urgency", "only applies to requests"))
		} else if !domain.ValidUrgency(opts.Urgency) {
			verrs = append(verrs, domain.NewValidationError("urgency", "must be one of "+strings.Join(domain.Urgencies, ", ")))
		}
	}
	return verrs.Err()
}

// insertRecord writes the record, its translation, its categories, the
// created event and one match.found event per current candidate.
func (e Engine) insertRecord(ctx context.Context, tx *sql.Tx, kind domain.Kind, opts RecordCreateOptions) (domain.Record, error) {
	missing, err := e.Repo.MissingCategories(ctx, tx, opts.CategoryIDs)
	if err != nil {
		return domain.Record{}, err
	}
	if len(missing) > 0 {
		return domain.Record{}, &domain.NotFoundError{Entity: "category", ID: strings.Join(missing, ",")}
	}
	if opts.TargetID != "" {
		if tk, err := domain.ParseKind(opts.TargetType); err == nil {
			if _, err := e.Repo.CreatorOf(ctx, tx, domain.Ref{Kind: tk, ID: opts.TargetID}); err != nil {
				return domain.Record{}, err
			}
			opts.TargetType = string(tk)
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.stamp()
	if err := e.Repo.EnsurePerson(ctx, tx, opts.CreatorID, opts.CreatorName, now); err != nil {
		return domain.Record{}, err
	}
	rec := domain.Record{
		ID:          opts.ID,
		Kind:        kind,
		Name:        opts.Name,
		Description: opts.Description,
		CreatorID:   opts.CreatorID,
		Status:      domain.StatusOpen,
		TargetType:  opts.TargetType,
		TargetID:    opts.TargetID,
		Urgency:     opts.Urgency,
		Locale:      opts.Locale,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertRecord(ctx, tx, rec, richtext.PlainText(rec.Description)); err != nil {
		return domain.Record{}, fmt.Errorf("insert %s: %w", kind, err)
	}
	if err := e.Repo.TagCategories(ctx, tx, rec.Ref(), opts.CategoryIDs); err != nil {
		return domain.Record{}, fmt.Errorf("tag %s: %w", kind, err)
	}
	evt := events.OfferCreated
	if kind == domain.KindRequest {
		evt = events.RequestCreated
	}
	payload := events.EventPayload{"name": rec.Name, "category_ids": opts.CategoryIDs}.WithRecipients(rec.CreatorID)
	if err := e.writer().Append(ctx, tx, evt, string(kind), rec.ID, rec.CreatorID, payload); err != nil {
		return domain.Record{}, err
	}

	rec, err = e.Repo.GetRecord(ctx, tx, rec.Ref(), e.Locales(rec.Locale))
	if err != nil {
		return domain.Record{}, err
	}
	if err := e.notifyMatches(ctx, tx, rec); err != nil {
		return domain.Record{}, err
	}
	e.logger().WithFields(logrus.Fields{"kind": kind, "id": rec.ID, "creator": rec.CreatorID, "categories": len(rec.CategoryIDs)}).Info(evt)
	return rec, nil
}

// notifyMatches records a match.found event for every counterpart the new
// record matches, addressed to both creators.
func (e Engine) notifyMatches(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	candidates, err := e.Repo.MatchCandidates(ctx, tx, rec, e.excludeClosed(), nil)
	if err != nil {
		return fmt.Errorf("match %s: %w", rec.Ref(), err)
	}
	for _, c := range candidates {
		payload := events.EventPayload{
			"source":    rec.Ref(),
			"candidate": c.Ref(),
		}.WithRecipients(rec.CreatorID, c.CreatorID)
		if err := e.writer().Append(ctx, tx, events.MatchFound, string(rec.Kind), rec.ID, rec.CreatorID, payload); err != nil {
			return err
		}
	}
	e.Metrics.MatchComputed(string(rec.Kind), len(candidates))
	return nil
}

func (e Engine) excludeClosed() bool {
	if e.Config == nil {
		return true
	}
	return e.Config.Matching.ExcludeClosed
}

func (e Engine) GetRecord(ctx context.Context, ref domain.Ref, locale string) (domain.Record, error) {
	if !ref.Kind.Valid() {
		return domain.Record{}, domain.NewValidationError("kind", "must be offer or request")
	}
	return e.Repo.GetRecord(ctx, nil, ref, e.Locales(locale))
}

// TranslateRecord adds or replaces the name and description of a record in one locale.
func (e Engine) TranslateRecord(ctx context.Context, ref domain.Ref, locale, name, description, actorID string) (domain.Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Record{}, domain.NewValidationError("name", "must be present")
	}
	if locale == "" {
		return domain.Record{}, domain.NewValidationError("locale", "must be present")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()
	creator, err := e.Repo.CreatorOf(ctx, tx, ref)
	if err != nil {
		return domain.Record{}, err
	}
	if creator != actorID {
		return domain.Record{}, domain.ForbiddenError{Action: "translate " + ref.String()}
	}
	if err := e.Repo.UpsertRecordTranslation(ctx, tx, ref, locale, name, description, richtext.PlainText(description)); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return e.Repo.GetRecord(ctx, nil, ref, e.Locales(locale))
}

// CloseRecord lets the creator withdraw an open or matched record.
func (e Engine) CloseRecord(ctx context.Context, ref domain.Ref, actorID string) (domain.Record, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetRecord(ctx, tx, ref, nil)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.CreatorID != actorID {
		return domain.Record{}, domain.ForbiddenError{Action: "close " + ref.String()}
	}
	if err := e.closeRecord(ctx, tx, rec, actorID, events.EventPayload{}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return e.Repo.GetRecord(ctx, nil, ref, e.Locales(rec.Locale))
}

// closeRecord applies the closed transition and its event inside tx.
func (e Engine) closeRecord(ctx context.Context, tx *sql.Tx, rec domain.Record, actorID string, payload events.EventPayload) error {
	if err := rec.Status.Transition(domain.StatusClosed); err != nil {
		return conflict(err, string(rec.Kind), rec.ID)
	}
	n, err := e.Repo.SetRecordStatus(ctx, tx, rec.Ref(), []domain.Status{domain.StatusOpen, domain.StatusMatched}, domain.StatusClosed, e.stamp())
	if err != nil {
		return err
	}
	if n != 1 {
		return &domain.StateConflictError{Entity: string(rec.Kind), ID: rec.ID, From: string(rec.Status), To: string(domain.StatusClosed)}
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = rec.Status
	payload.WithRecipients(rec.CreatorID)
	if err := e.writer().Append(ctx, tx, events.RecordClosed, string(rec.Kind), rec.ID, actorID, payload); err != nil {
		return err
	}
	e.Metrics.RecordTransition(string(rec.Kind), string(domain.StatusClosed))
	return nil
}

// conflict fills in which entity a bare transition error was about.
func conflict(err error, entity, id string) error {
	if sc, ok := err.(*domain.StateConflictError); ok {
		sc.Entity = entity
		sc.ID = id
	}
	return err
}
