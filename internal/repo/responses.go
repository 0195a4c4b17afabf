package repo

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
)

const responseLinkColumns = `id, source_type, source_id, response_type, response_id, creator_id, created_at`

func (r Repo) InsertResponseLink(ctx context.Context, tx *sql.Tx, l domain.ResponseLink) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO response_links(`+responseLinkColumns+`) VALUES (?,?,?,?,?,?,?)`,
		l.ID, string(l.Source.Kind), l.Source.ID, string(l.Response.Kind), l.Response.ID, l.CreatorID, l.CreatedAt)
	return err
}

// ResponseLinkBetween returns the link from source to response when it exists.
func (r Repo) ResponseLinkBetween(ctx context.Context, tx *sql.Tx, source, response domain.Ref) (domain.ResponseLink, error) {
	links, err := r.listResponseLinks(ctx, tx, `source_type=? AND source_id=? AND response_type=? AND response_id=?`,
		string(source.Kind), source.ID, string(response.Kind), response.ID)
	if err != nil {
		return domain.ResponseLink{}, err
	}
	if len(links) == 0 {
		return domain.ResponseLink{}, &domain.NotFoundError{Entity: "response link", ID: source.String() + "->" + response.String()}
	}
	return links[0], nil
}

// ResponseLinksAsSource lists links whose source is ref.
func (r Repo) ResponseLinksAsSource(ctx context.Context, ref domain.Ref) ([]domain.ResponseLink, error) {
	return r.listResponseLinks(ctx, nil, `source_type=? AND source_id=?`, string(ref.Kind), ref.ID)
}

// ResponseLinksAsResponse lists links whose response is ref.
func (r Repo) ResponseLinksAsResponse(ctx context.Context, ref domain.Ref) ([]domain.ResponseLink, error) {
	return r.listResponseLinks(ctx, nil, `response_type=? AND response_id=?`, string(ref.Kind), ref.ID)
}

func (r Repo) listResponseLinks(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.ResponseLink, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+responseLinkColumns+` FROM response_links WHERE `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	links := []domain.ResponseLink{}
	for rows.Next() {
		var l domain.ResponseLink
		var st, rt string
		if err := rows.Scan(&l.ID, &st, &l.Source.ID, &rt, &l.Response.ID, &l.CreatorID, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Source.Kind = domain.Kind(st)
		l.Response.Kind = domain.Kind(rt)
		links = append(links, l)
	}
	return links, rows.Err()
}
