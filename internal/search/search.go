// Package search filters, orders and paginates offers or requests inside a
// caller supplied scope.
package search

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/i18n"
	"joatu/internal/repo"
)

const (
	OrderNewest = "newest"
	OrderOldest = "oldest"
)

// Scope is the pre-authorized base relation: a SQL predicate over the record
// table aliased r. The zero value admits every record.
type Scope struct {
	Where string
	Args  []any
}

// All returns the unrestricted scope.
func All() Scope { return Scope{} }

// Params are the recognized filter inputs. Everything is optional.
type Params struct {
	CategoryIDs []string `json:"types_filter,omitempty"`
	Query       string   `json:"q,omitempty"`
	Status      string   `json:"status,omitempty"`
	OrderBy     string   `json:"order_by,omitempty"`
	PerPage     int      `json:"per_page,omitempty"`
	Page        int      `json:"page,omitempty"`
}

// ParseParams reads filter params leniently. Unknown keys are ignored and
// malformed numbers fall back to their defaults: a missing or non-numeric
// per_page disables pagination.
func ParseParams(v url.Values) Params {
	var p Params
	for _, key := range []string{"types_filter[]", "types_filter"} {
		for _, raw := range v[key] {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					p.CategoryIDs = append(p.CategoryIDs, id)
				}
			}
		}
	}
	p.Query = strings.TrimSpace(v.Get("q"))
	p.Status = strings.TrimSpace(strings.ToLower(v.Get("status")))
	p.OrderBy = strings.TrimSpace(strings.ToLower(v.Get("order_by")))
	if n, err := strconv.Atoi(strings.TrimSpace(v.Get("per_page"))); err == nil && n > 0 {
		p.PerPage = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v.Get("page"))); err == nil && n > 0 {
		p.Page = n
	}
	return p
}

// Page is one slice of a filtered result. PerPage is zero when the result
// was not paginated.
type Page struct {
	Items   []domain.Record `json:"items"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

// Engine runs filters against the repository.
type Engine struct {
	Repo         repo.Repo
	DefaultOrder string
	MaxPerPage   int
}

// Filter returns the records of kind inside base that satisfy p. The base
// predicate is always the first conjunct, so params can only narrow it.
// Locales is the fallback chain used for names, descriptions and category names.
func (e Engine) Filter(ctx context.Context, kind domain.Kind, base Scope, p Params, locales []string) (Page, error) {
	q := repo.RecordQuery{Kind: kind, Locales: locales}
	if base.Where != "" {
		q.Where = append(q.Where, base.Where)
		q.Args = append(q.Args, base.Args...)
	}
	t := repo.TablesFor(kind)

	if len(p.CategoryIDs) > 0 {
		q.Where = append(q.Where, `r.id IN (SELECT j.`+t.FK+` FROM `+t.Categories+` j WHERE j.category_id IN (`+marks(len(p.CategoryIDs))+`))`)
		for _, id := range p.CategoryIDs {
			q.Args = append(q.Args, id)
		}
	}

	switch domain.Status(p.Status) {
	case domain.StatusOpen:
		q.Where = append(q.Where, `r.status != 'closed'`)
	case domain.StatusMatched, domain.StatusClosed:
		q.Where = append(q.Where, `r.status = ?`)
		q.Args = append(q.Args, p.Status)
	}

	if p.Query != "" {
		clause, args := textMatch(kind, t, p.Query, locales)
		q.Where = append(q.Where, clause)
		q.Args = append(q.Args, args...)
	}

	order := p.OrderBy
	if order != OrderNewest && order != OrderOldest {
		order = e.DefaultOrder
	}
	// rowid breaks ties between records stamped in the same second.
	if order == OrderOldest {
		q.OrderBy = "r.created_at ASC, r.rowid ASC"
	} else {
		q.OrderBy = "r.created_at DESC, r.rowid DESC"
	}

	page := Page{}
	if p.PerPage > 0 {
		per := p.PerPage
		if e.MaxPerPage > 0 && per > e.MaxPerPage {
			per = e.MaxPerPage
		}
		pg := p.Page
		if pg < 1 {
			pg = 1
		}
		q.Limit = per
		q.Offset = (pg - 1) * per
		page.Page = pg
		page.PerPage = per
	}

	items, err := e.Repo.SelectRecords(ctx, nil, q)
	if err != nil {
		return Page{}, err
	}
	page.Items = items
	if q.Limit == 0 {
		page.Total = len(items)
		page.Page = 1
		return page, nil
	}
	total, err := e.Repo.CountRecords(ctx, q)
	if err != nil {
		return Page{}, err
	}
	page.Total = total
	return page, nil
}

// textMatch ORs a case-insensitive substring test over the localized name,
// the plain text of the description and the localized category names. Both
// sides are Unicode case folded.
func textMatch(kind domain.Kind, t repo.Tables, term string, locales []string) (string, []any) {
	pattern := "%" + escapeLike(i18n.Fold(term)) + "%"
	order, largs := repo.LocaleOrder("tr.locale", locales)
	corder, cargs := repo.LocaleOrder("ct.locale", locales)
	field := func(col string) string {
		return db.FoldFunc + `((SELECT tr.` + col + ` FROM record_translations tr WHERE tr.record_kind='` + string(kind) + `' AND tr.record_id=r.id AND tr.` + col + ` IS NOT NULL ORDER BY ` + order + ` LIMIT 1)) LIKE ? ESCAPE '\'`
	}
	clause := field("name") + ` OR ` + field("description_text") + ` OR EXISTS (SELECT 1 FROM ` + t.Categories + ` jc WHERE jc.` + t.FK + `=r.id AND ` + db.FoldFunc + `((SELECT ct.name FROM category_translations ct WHERE ct.category_id=jc.category_id ORDER BY ` + corder + ` LIMIT 1)) LIKE ? ESCAPE '\')`
	var args []any
	args = append(args, largs...)
	args = append(args, pattern)
	args = append(args, largs...)
	args = append(args, pattern)
	args = append(args, cargs...)
	args = append(args, pattern)
	return clause, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
