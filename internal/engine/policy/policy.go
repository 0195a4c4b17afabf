// Package policy builds the authorization scopes handed to search and the
// participant checks the HTTP layer runs before agreement transitions.
package policy

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
	"joatu/internal/repo"
	"joatu/internal/search"
)

// Service answers authorization questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// Scope returns the records of kind that actorID may list. Anonymous callers
// see every record that is not closed; signed-in callers also see their own
// records and the records of agreements they take part in.
func (s Service) Scope(actorID string, kind domain.Kind) search.Scope {
	if actorID == "" {
		return search.Scope{Where: `r.status != 'closed'`}
	}
	col := "a.offer_id"
	if kind == domain.KindRequest {
		col = "a.request_id"
	}
	return search.Scope{
		Where: `r.status != 'closed' OR r.creator_id = ? OR r.id IN (
SELECT ` + col + ` FROM agreements a
JOIN offers o ON o.id = a.offer_id
JOIN requests q ON q.id = a.request_id
WHERE o.creator_id = ? OR q.creator_id = ?)`,
		Args: []any{actorID, actorID, actorID},
	}
}

// CanView reports whether the record lies inside the actor's scope.
func (s Service) CanView(ctx context.Context, actorID string, ref domain.Ref) (bool, error) {
	scope := s.Scope(actorID, ref.Kind)
	t := repo.TablesFor(ref.Kind)
	args := append([]any{ref.ID}, scope.Args...)
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM `+t.Records+` r WHERE r.id = ? AND (`+scope.Where+`) LIMIT 1`, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsParticipant reports whether actorID created the offer or the request of the agreement.
func (s Service) IsParticipant(ctx context.Context, actorID, agreementID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM agreements a
JOIN offers o ON o.id = a.offer_id
JOIN requests q ON q.id = a.request_id
WHERE a.id = ? AND (o.creator_id = ? OR q.creator_id = ?) LIMIT 1`, agreementID, actorID, actorID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// EnsureParticipant returns a ForbiddenError unless actorID is a participant.
func (s Service) EnsureParticipant(ctx context.Context, actorID, agreementID, action string) error {
	ok, err := s.IsParticipant(ctx, actorID, agreementID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ForbiddenError{Action: action}
	}
	return nil
}

// EnsureCreator returns a ForbiddenError unless actorID created the record.
func (s Service) EnsureCreator(ctx context.Context, actorID string, ref domain.Ref, action string) error {
	creator, err := repo.Repo{DB: s.DB}.CreatorOf(ctx, nil, ref)
	if err != nil {
		return err
	}
	if creator != actorID {
		return domain.ForbiddenError{Action: action}
	}
	return nil
}
