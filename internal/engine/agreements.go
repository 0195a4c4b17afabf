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
)

type AgreementCreateOptions struct {
	ID        string
	OfferID   string
	RequestID string
	Terms     string
	Value     string
	ActorID   string
}

// CreateAgreement pairs an offer and a request in a pending agreement.
func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions) (domain.Agreement, error) {
	var verrs domain.ValidationErrors
	if strings.TrimSpace(opts.OfferID) == "" {
		verrs = append(verrs, domain.NewValidationError("offer", "must be present"))
	}
	if strings.TrimSpace(opts.RequestID) == "" {
		verrs = append(verrs, domain.NewValidationError("request", "must be present"))
	}
	if err := verrs.Err(); err != nil {
		return domain.Agreement{}, err
	}
	offerCreator, err := e.Repo.CreatorOf(ctx, nil, domain.OfferRef(opts.OfferID))
	if err != nil {
		return domain.Agreement{}, err
	}
	requestCreator, err := e.Repo.CreatorOf(ctx, nil, domain.RequestRef(opts.RequestID))
	if err != nil {
		return domain.Agreement{}, err
	}
	if offerCreator == requestCreator {
		return domain.Agreement{}, domain.NewValidationError("request", "must belong to someone other than the offer creator")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	a := domain.Agreement{
		ID:        opts.ID,
		OfferID:   opts.OfferID,
		RequestID: opts.RequestID,
		Terms:     opts.Terms,
		Value:     opts.Value,
		Status:    domain.AgreementPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
		return domain.Agreement{}, fmt.Errorf("insert agreement: %w", err)
	}
	payload := events.EventPayload{"offer_id": a.OfferID, "request_id": a.RequestID}.WithRecipients(offerCreator, requestCreator)
	if err := e.writer().Append(ctx, tx, events.AgreementCreated, "agreement", a.ID, opts.ActorID, payload); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.Metrics.AgreementTransition(string(domain.AgreementPending))
	return a, nil
}

func (e Engine) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	return e.Repo.GetAgreement(ctx, nil, id)
}

// Participants returns the creators of the agreement's offer and request.
func (e Engine) Participants(ctx context.Context, a domain.Agreement) ([]string, error) {
	return e.participantsTx(ctx, nil, a)
}

func (e Engine) participantsTx(ctx context.Context, tx *sql.Tx, a domain.Agreement) ([]string, error) {
	offerCreator, err := e.Repo.CreatorOf(ctx, tx, domain.OfferRef(a.OfferID))
	if err != nil {
		return nil, err
	}
	requestCreator, err := e.Repo.CreatorOf(ctx, tx, domain.RequestRef(a.RequestID))
	if err != nil {
		return nil, err
	}
	return []string{offerCreator, requestCreator}, nil
}

// AcceptAgreement moves a pending agreement to accepted and closes its
// offer and request in the same transaction. Accepting twice is a no-op;
// accepting a rejected agreement is a state conflict. Any failure leaves
// the agreement pending and both records untouched.
func (e Engine) AcceptAgreement(ctx context.Context, id, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	n, err := e.Repo.SetAgreementStatus(ctx, tx, id, domain.AgreementPending, domain.AgreementAccepted, now)
	if err != nil {
		return domain.Agreement{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	if n == 0 {
		noop, err := a.Status.Transition(domain.AgreementAccepted)
		if err != nil {
			return domain.Agreement{}, conflict(err, "agreement", id)
		}
		if noop {
			return a, nil
		}
	}

	offer, err := e.Repo.GetRecord(ctx, tx, domain.OfferRef(a.OfferID), nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	request, err := e.Repo.GetRecord(ctx, tx, domain.RequestRef(a.RequestID), nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := e.closeRecord(ctx, tx, offer, actorID, events.EventPayload{"agreement_id": a.ID}); err != nil {
		return domain.Agreement{}, fmt.Errorf("close offer: %w", err)
	}
	if err := e.closeRecord(ctx, tx, request, actorID, events.EventPayload{"agreement_id": a.ID}); err != nil {
		return domain.Agreement{}, fmt.Errorf("close request: %w", err)
	}
	payload := events.EventPayload{"offer_id": a.OfferID, "request_id": a.RequestID}.WithRecipients(offer.CreatorID, request.CreatorID)
	if err := e.writer().Append(ctx, tx, events.AgreementAccepted, "agreement", a.ID, actorID, payload); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.Metrics.AgreementTransition(string(domain.AgreementAccepted))
	e.logger().WithFields(logrus.Fields{"agreement": a.ID, "offer": a.OfferID, "request": a.RequestID, "actor": actorID}).Info("agreement.accepted")
	return a, nil
}

// RejectAgreement moves a pending agreement to rejected; the records keep their status.
func (e Engine) RejectAgreement(ctx context.Context, id, actorID string) (domain.Agreement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.SetAgreementStatus(ctx, tx, id, domain.AgreementPending, domain.AgreementRejected, e.stamp())
	if err != nil {
		return domain.Agreement{}, err
	}
	a, err := e.Repo.GetAgreement(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	if n == 0 {
		noop, err := a.Status.Transition(domain.AgreementRejected)
		if err != nil {
			return domain.Agreement{}, conflict(err, "agreement", id)
		}
		if noop {
			return a, nil
		}
	}
	participants, err := e.participantsTx(ctx, tx, a)
	if err != nil {
		return domain.Agreement{}, err
	}
	payload := events.EventPayload{"offer_id": a.OfferID, "request_id": a.RequestID}.WithRecipients(participants...)
	if err := e.writer().Append(ctx, tx, events.AgreementRejected, "agreement", a.ID, actorID, payload); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	e.Metrics.AgreementTransition(string(domain.AgreementRejected))
	e.logger().WithFields(logrus.Fields{"agreement": a.ID, "actor": actorID}).Info("agreement.rejected")
	return a, nil
}

// AgreementsFor lists the agreements touching an offer or a request.
func (e Engine) AgreementsFor(ctx context.Context, ref domain.Ref) ([]domain.Agreement, error) {
	if _, err := e.Repo.CreatorOf(ctx, nil, ref); err != nil {
		return nil, err
	}
	return e.Repo.AgreementsFor(ctx, ref)
}

// AgreementBetween returns the most recent agreement pairing the offer and the request.
func (e Engine) AgreementBetween(ctx context.Context, offerID, requestID string) (domain.Agreement, error) {
	list, err := e.Repo.AgreementsBetween(ctx, offerID, requestID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if len(list) == 0 {
		return domain.Agreement{}, &domain.NotFoundError{Entity: "agreement", ID: offerID + "/" + requestID}
	}
	return list[len(list)-1], nil
}
