package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"joatu/internal/domain"
	"joatu/internal/events"
)

const sourceClosedMessage = "must be open or matched to create a response"

// CreateResponseLink records that response was created in answer to source.
// An open source becomes matched in the same transaction as the insert.
func (e Engine) CreateResponseLink(ctx context.Context, source, response domain.Ref, creatorID string) (domain.ResponseLink, error) {
	if err := validateLinkRefs(source, response, creatorID); err != nil {
		return domain.ResponseLink{}, err
	}
	src, err := e.Repo.GetRecord(ctx, nil, source, nil)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if !src.Status.AcceptsResponses() {
		return domain.ResponseLink{}, domain.NewValidationError("source", sourceClosedMessage)
	}
	if _, err := e.Repo.CreatorOf(ctx, nil, response); err != nil {
		return domain.ResponseLink{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	defer tx.Rollback()

	link, err := e.link(ctx, tx, source, response, creatorID)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResponseLink{}, err
	}
	e.Metrics.ResponseLinkCreated(string(source.Kind))
	return link, nil
}

func validateLinkRefs(source, response domain.Ref, creatorID string) error {
	var verrs domain.ValidationErrors
	if source.ID == "" || !source.Kind.Valid() {
		verrs = append(verrs, domain.NewValidationError("source", "must be present"))
	}
	if response.ID == "" || !response.Kind.Valid() {
		verrs = append(verrs, domain.NewValidationError("response", "must be present"))
	} else if source.Kind.Valid() && response.Kind != source.Kind.Counterpart() {
		verrs = append(verrs, domain.NewValidationError("response", fmt.Sprintf("must be a %s when responding to a %s", source.Kind.Counterpart(), source.Kind)))
	}
	if strings.TrimSpace(creatorID) == "" {
		verrs = append(verrs, domain.NewValidationError("creator", "must be present"))
	}
	return verrs.Err()
}

// link inserts the edge inside tx. The source status is read again under
// the write lock and flipped with a conditional update, so concurrent links
// on one source all succeed and only the first performs the flip.
func (e Engine) link(ctx context.Context, tx *sql.Tx, source, response domain.Ref, creatorID string) (domain.ResponseLink, error) {
	src, err := e.Repo.GetRecord(ctx, tx, source, nil)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if !src.Status.AcceptsResponses() {
		return domain.ResponseLink{}, domain.NewValidationError("source", sourceClosedMessage)
	}
	if _, err := e.Repo.ResponseLinkBetween(ctx, tx, source, response); err == nil {
		return domain.ResponseLink{}, domain.NewValidationError("response", "is already linked to this source")
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.ResponseLink{}, err
	}
	responseCreator, err := e.Repo.CreatorOf(ctx, tx, response)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	now := e.stamp()
	if err := e.Repo.EnsurePerson(ctx, tx, creatorID, "", now); err != nil {
		return domain.ResponseLink{}, err
	}
	link := domain.ResponseLink{
		ID:        uuid.NewString(),
		Source:    source,
		Response:  response,
		CreatorID: creatorID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertResponseLink(ctx, tx, link); err != nil {
		return domain.ResponseLink{}, fmt.Errorf("insert response link: %w", err)
	}

	flipped, err := e.Repo.SetRecordStatus(ctx, tx, source, []domain.Status{domain.StatusOpen}, domain.StatusMatched, now)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	w := e.writer()
	if flipped == 1 {
		payload := events.EventPayload{"from": domain.StatusOpen, "response": response}.WithRecipients(src.CreatorID)
		if err := w.Append(ctx, tx, events.RecordMatched, string(source.Kind), source.ID, creatorID, payload); err != nil {
			return domain.ResponseLink{}, err
		}
		e.Metrics.RecordTransition(string(source.Kind), string(domain.StatusMatched))
	}
	payload := events.EventPayload{"source": source, "response": response}.WithRecipients(src.CreatorID, responseCreator)
	if err := w.Append(ctx, tx, events.ResponseLinkCreated, "response_link", link.ID, creatorID, payload); err != nil {
		return domain.ResponseLink{}, err
	}
	e.logger().WithFields(logrus.Fields{
		"link":    link.ID,
		"source":  source.String(),
		"matched": flipped == 1,
	}).Info("response_link.created")
	return link, nil
}

// RespondWith creates a counterpart of source on behalf of opts.CreatorID and
// links it as a response, atomically. The source categories are copied when
// none are given.
func (e Engine) RespondWith(ctx context.Context, source domain.Ref, opts RecordCreateOptions) (domain.Record, domain.ResponseLink, error) {
	kind := source.Kind.Counterpart()
	if err := validateLinkRefs(source, domain.Ref{Kind: kind, ID: "pending"}, opts.CreatorID); err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	src, err := e.Repo.GetRecord(ctx, nil, source, nil)
	if err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	if !src.Status.AcceptsResponses() {
		return domain.Record{}, domain.ResponseLink{}, domain.NewValidationError("source", sourceClosedMessage)
	}
	if len(opts.CategoryIDs) == 0 {
		opts.CategoryIDs = src.CategoryIDs
	}
	if err := e.validateRecord(kind, &opts); err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	defer tx.Rollback()

	rec, err := e.insertRecord(ctx, tx, kind, opts)
	if err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	link, err := e.link(ctx, tx, source, rec.Ref(), opts.CreatorID)
	if err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, domain.ResponseLink{}, err
	}
	e.Metrics.ResponseLinkCreated(string(source.Kind))
	return rec, link, nil
}

func (e Engine) ResponseLinksAsSource(ctx context.Context, ref domain.Ref) ([]domain.ResponseLink, error) {
	if _, err := e.Repo.CreatorOf(ctx, nil, ref); err != nil {
		return nil, err
	}
	return e.Repo.ResponseLinksAsSource(ctx, ref)
}

func (e Engine) ResponseLinksAsResponse(ctx context.Context, ref domain.Ref) ([]domain.ResponseLink, error) {
	if _, err := e.Repo.CreatorOf(ctx, nil, ref); err != nil {
		return nil, err
	}
	return e.Repo.ResponseLinksAsResponse(ctx, ref)
}
