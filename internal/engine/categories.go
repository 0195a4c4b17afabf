package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"joatu/internal/domain"
	"joatu/internal/events"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

type CategoryCreateOptions struct {
	ID         string
	Identifier string
	Names      map[string]string
	ActorID    string
}

// CreateCategory stores a category with its localized names. A name in the
// default locale is required.
func (e Engine) CreateCategory(ctx context.Context, opts CategoryCreateOptions) (domain.Category, error) {
	opts.Identifier = strings.TrimSpace(strings.ToLower(opts.Identifier))
	var verrs domain.ValidationErrors
	if !identifierPattern.MatchString(opts.Identifier) {
		verrs = append(verrs, domain.NewValidationError("identifier", "must be a lowercase slug"))
	}
	names := map[string]string{}
	for locale, name := range opts.Names {
		if name = strings.TrimSpace(name); name != "" {
			names[locale] = name
		}
	}
	if names[e.defaultLocale()] == "" {
		verrs = append(verrs, domain.NewValidationError("name", fmt.Sprintf("must be present in %s", e.defaultLocale())))
	}
	if err := verrs.Err(); err != nil {
		return domain.Category{}, err
	}
	if _, err := e.Repo.GetCategoryByIdentifier(ctx, opts.Identifier, nil); err == nil {
		return domain.Category{}, domain.NewValidationError("identifier", "has already been taken")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Category{}, err
	}
	defer tx.Rollback()

	c := domain.Category{ID: opts.ID, Identifier: opts.Identifier, Names: names, CreatedAt: e.stamp()}
	if err := e.Repo.InsertCategory(ctx, tx, c); err != nil {
		return domain.Category{}, fmt.Errorf("insert category: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.CategoryCreated, "category", c.ID, opts.ActorID, events.EventPayload{"identifier": c.Identifier}); err != nil {
		return domain.Category{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Category{}, err
	}
	c.Name = names[e.defaultLocale()]
	e.logger().WithFields(logrus.Fields{"category": c.ID, "identifier": c.Identifier}).Info("category.created")
	return c, nil
}

func (e Engine) GetCategory(ctx context.Context, id, locale string) (domain.Category, error) {
	return e.Repo.GetCategory(ctx, nil, id, e.Locales(locale))
}

// ListCategories returns every category named in the best available locale.
func (e Engine) ListCategories(ctx context.Context, locale string) ([]domain.Category, error) {
	return e.Repo.ListCategories(ctx, e.Locales(locale))
}

func (e Engine) CategoriesFor(ctx context.Context, ref domain.Ref, locale string) ([]domain.Category, error) {
	return e.Repo.CategoriesFor(ctx, ref, e.Locales(locale))
}

// RetagRecord lets the creator add and remove categories on a record that is
// not closed. Adding wins when an id appears in both lists.
func (e Engine) RetagRecord(ctx context.Context, ref domain.Ref, add, remove []string, actorID string) (domain.Record, error) {
	add, remove = dedupe(add), dedupe(remove)
	if len(add) == 0 && len(remove) == 0 {
		return domain.Record{}, domain.NewValidationError("categories", "nothing to add or remove")
	}
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
		return domain.Record{}, domain.ForbiddenError{Action: "retag " + ref.String()}
	}
	if rec.Status == domain.StatusClosed {
		return domain.Record{}, &domain.StateConflictError{Entity: string(ref.Kind), ID: ref.ID, From: string(rec.Status), To: "retagged"}
	}
	missing, err := e.Repo.MissingCategories(ctx, tx, add)
	if err != nil {
		return domain.Record{}, err
	}
	if len(missing) > 0 {
		return domain.Record{}, &domain.NotFoundError{Entity: "category", ID: strings.Join(missing, ",")}
	}
	if err := e.Repo.UntagCategories(ctx, tx, ref, remove); err != nil {
		return domain.Record{}, err
	}
	if err := e.Repo.TagCategories(ctx, tx, ref, add); err != nil {
		return domain.Record{}, err
	}
	payload := events.EventPayload{"added": add, "removed": remove}.WithRecipients(rec.CreatorID)
	if err := e.writer().Append(ctx, tx, events.RecordRetagged, string(ref.Kind), ref.ID, actorID, payload); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	e.logger().WithFields(logrus.Fields{"kind": ref.Kind, "id": ref.ID, "added": len(add), "removed": len(remove)}).Info(events.RecordRetagged)
	return e.Repo.GetRecord(ctx, nil, ref, e.Locales(rec.Locale))
}

// dedupe keeps first occurrences and drops blanks.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
