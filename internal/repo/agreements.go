package repo

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
)

const agreementColumns = `id, offer_id, request_id, COALESCE(terms,''), COALESCE(value,''), status, created_at, updated_at`

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agreements(id,offer_id,request_id,terms,value,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.OfferID, a.RequestID, nullable(a.Terms), nullable(a.Value), string(a.Status), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgreement(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	list, err := r.listAgreements(ctx, tx, `id=?`, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	if len(list) == 0 {
		return domain.Agreement{}, &domain.NotFoundError{Entity: "agreement", ID: id}
	}
	return list[0], nil
}

// SetAgreementStatus is a conditional update: it only applies while the
// agreement is still in `from`.
func (r Repo) SetAgreementStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.AgreementStatus, now string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agreements SET status=?, updated_at=? WHERE id=? AND status=?`, string(to), now, id, string(from))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AgreementsFor lists agreements touching the record, oldest first.
func (r Repo) AgreementsFor(ctx context.Context, ref domain.Ref) ([]domain.Agreement, error) {
	col := "offer_id"
	if ref.Kind == domain.KindRequest {
		col = "request_id"
	}
	return r.listAgreements(ctx, nil, col+`=?`, ref.ID)
}

func (r Repo) AgreementsBetween(ctx context.Context, offerID, requestID string) ([]domain.Agreement, error) {
	return r.listAgreements(ctx, nil, `offer_id=? AND request_id=?`, offerID, requestID)
}

func (r Repo) listAgreements(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.Agreement, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []domain.Agreement{}
	for rows.Next() {
		var a domain.Agreement
		var status string
		if err := rows.Scan(&a.ID, &a.OfferID, &a.RequestID, &a.Terms, &a.Value, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.AgreementStatus(status)
		list = append(list, a)
	}
	return list, rows.Err()
}
