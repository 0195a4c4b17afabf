package repo

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"joatu/internal/domain"
)

// Tables names the storage of one record kind.
type Tables struct {
	Records    string
	Categories string
	FK         string
}

type kindTables struct {
	table, join, fk string
}

func tableFor(k domain.Kind) kindTables {
	if k == domain.KindRequest {
		return kindTables{table: "requests", join: "request_categories", fk: "request_id"}
	}
	return kindTables{table: "offers", join: "offer_categories", fk: "offer_id"}
}

func TablesFor(k domain.Kind) Tables {
	t := tableFor(k)
	return Tables{Records: t.table, Categories: t.join, FK: t.fk}
}

// RecordQuery describes a read over one kind. Where fragments refer to the
// record table as r and are ANDed together.
type RecordQuery struct {
	Kind    domain.Kind
	Locales []string
	Where   []string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

func recordSelect(kind domain.Kind, locales []string) (string, []any) {
	t := tableFor(kind)
	order, largs := LocaleOrder("t.locale", locales)
	translation := func(col string) string {
		return `COALESCE((SELECT t.` + col + ` FROM record_translations t WHERE t.record_kind='` + string(kind) + `' AND t.record_id=r.id AND t.` + col + ` IS NOT NULL ORDER BY ` + order + ` LIMIT 1),'')`
	}
	args := append(append([]any{}, largs...), largs...)
	return `SELECT r.id, r.creator_id, r.status, COALESCE(r.target_type,''), COALESCE(r.target_id,''), COALESCE(r.urgency,''),
  r.locale, r.created_at, r.updated_at, ` + translation("name") + `, ` + translation("description_html") + `,
  (SELECT group_concat(j.category_id) FROM ` + t.join + ` j WHERE j.` + t.fk + `=r.id)
FROM ` + t.table + ` r`, args
}

func whereClause(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return " WHERE (" + strings.Join(parts, ") AND (") + ")"
}

func (r Repo) SelectRecords(ctx context.Context, tx *sql.Tx, q RecordQuery) ([]domain.Record, error) {
	query, args := recordSelect(q.Kind, q.Locales)
	query += whereClause(q.Where)
	args = append(args, q.Args...)
	if q.OrderBy != "" {
		query += " ORDER BY " + q.OrderBy
	}
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows, q.Kind)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountRecords(ctx context.Context, q RecordQuery) (int, error) {
	t := tableFor(q.Kind)
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+t.table+` r`+whereClause(q.Where), q.Args...).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner, kind domain.Kind) (domain.Record, error) {
	rec := domain.Record{Kind: kind}
	var status string
	var cats sql.NullString
	if err := s.Scan(&rec.ID, &rec.CreatorID, &status, &rec.TargetType, &rec.TargetID, &rec.Urgency,
		&rec.Locale, &rec.CreatedAt, &rec.UpdatedAt, &rec.Name, &rec.Description, &cats); err != nil {
		return rec, err
	}
	rec.Status = domain.Status(status)
	rec.CategoryIDs = splitIDs(cats)
	sort.Strings(rec.CategoryIDs)
	return rec, nil
}

// GetRecord reads through tx when given so callers see their own writes.
func (r Repo) GetRecord(ctx context.Context, tx *sql.Tx, ref domain.Ref, locales []string) (domain.Record, error) {
	recs, err := r.SelectRecords(ctx, tx, RecordQuery{Kind: ref.Kind, Locales: locales, Where: []string{"r.id = ?"}, Args: []any{ref.ID}})
	if err != nil {
		return domain.Record{}, err
	}
	if len(recs) == 0 {
		return domain.Record{}, &domain.NotFoundError{Entity: string(ref.Kind), ID: ref.ID}
	}
	return recs[0], nil
}

func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record, descriptionText string) error {
	t := tableFor(rec.Kind)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO `+t.table+`(id,creator_id,status,target_type,target_id,urgency,locale,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CreatorID, string(rec.Status), nullable(rec.TargetType), nullable(rec.TargetID), nullable(rec.Urgency), rec.Locale, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return err
	}
	return r.UpsertRecordTranslation(ctx, tx, rec.Ref(), rec.Locale, rec.Name, rec.Description, descriptionText)
}

func (r Repo) UpsertRecordTranslation(ctx context.Context, tx *sql.Tx, ref domain.Ref, locale, name, html, text string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO record_translations(record_kind,record_id,locale,name,description_html,description_text) VALUES (?,?,?,?,?,?)
ON CONFLICT(record_kind,record_id,locale) DO UPDATE SET name=excluded.name, description_html=excluded.description_html, description_text=excluded.description_text`,
		string(ref.Kind), ref.ID, locale, name, nullable(html), nullable(text))
	return err
}

// SetRecordStatus moves a record to `to` only while its status is one of
// from, and reports how many rows changed.
func (r Repo) SetRecordStatus(ctx context.Context, tx *sql.Tx, ref domain.Ref, from []domain.Status, to domain.Status, now string) (int64, error) {
	t := tableFor(ref.Kind)
	args := []any{string(to), now, ref.ID}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE `+t.table+` SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CreatorOf(ctx context.Context, tx *sql.Tx, ref domain.Ref) (string, error) {
	t := tableFor(ref.Kind)
	var creator string
	err := r.q(tx).QueryRowContext(ctx, `SELECT creator_id FROM `+t.table+` WHERE id=?`, ref.ID).Scan(&creator)
	if err == sql.ErrNoRows {
		return "", &domain.NotFoundError{Entity: string(ref.Kind), ID: ref.ID}
	}
	return creator, err
}

// MatchCandidates returns counterpart records sharing a category with rec and
// owned by someone else, newest first.
func (r Repo) MatchCandidates(ctx context.Context, tx *sql.Tx, rec domain.Record, excludeClosed bool, locales []string) ([]domain.Record, error) {
	if len(rec.CategoryIDs) == 0 {
		return []domain.Record{}, nil
	}
	kind := rec.Kind.Counterpart()
	t := tableFor(kind)
	args := make([]any, 0, len(rec.CategoryIDs)+1)
	for _, id := range rec.CategoryIDs {
		args = append(args, id)
	}
	args = append(args, rec.CreatorID)
	where := []string{
		`r.id IN (SELECT j.` + t.fk + ` FROM ` + t.join + ` j WHERE j.category_id IN (` + placeholders(len(rec.CategoryIDs)) + `))`,
		`r.creator_id != ?`,
	}
	if excludeClosed {
		where = append(where, `r.status != 'closed'`)
	}
	return r.SelectRecords(ctx, tx, RecordQuery{
		Kind:    kind,
		Locales: locales,
		Where:   where,
		Args:    args,
		OrderBy: "r.created_at DESC, r.rowid DESC",
	})
}
