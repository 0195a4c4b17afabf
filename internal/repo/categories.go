package repo

import (
	"context"
	"database/sql"

	"joatu/internal/domain"
)

func (r Repo) InsertCategory(ctx context.Context, tx *sql.Tx, c domain.Category) error {
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO categories(id,identifier,created_at) VALUES (?,?,?)`, c.ID, c.Identifier, c.CreatedAt); err != nil {
		return err
	}
	for locale, name := range c.Names {
		if err := r.UpsertCategoryName(ctx, tx, c.ID, locale, name); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertCategoryName(ctx context.Context, tx *sql.Tx, categoryID, locale, name string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO category_translations(category_id,locale,name) VALUES (?,?,?)
ON CONFLICT(category_id,locale) DO UPDATE SET name=excluded.name`, categoryID, locale, name)
	return err
}

func categorySelect(locales []string) (string, []any) {
	order, args := LocaleOrder("t.locale", locales)
	return `SELECT c.id, c.identifier, c.created_at,
  COALESCE((SELECT t.name FROM category_translations t WHERE t.category_id=c.id ORDER BY ` + order + ` LIMIT 1), c.identifier) AS name
FROM categories c`, args
}

func (r Repo) GetCategory(ctx context.Context, tx *sql.Tx, id string, locales []string) (domain.Category, error) {
	query, args := categorySelect(locales)
	var c domain.Category
	err := r.q(tx).QueryRowContext(ctx, query+` WHERE c.id=?`, append(args, id)...).Scan(&c.ID, &c.Identifier, &c.CreatedAt, &c.Name)
	if err == sql.ErrNoRows {
		return c, &domain.NotFoundError{Entity: "category", ID: id}
	}
	if err != nil {
		return c, err
	}
	c.Names, err = r.categoryNames(ctx, tx, id)
	return c, err
}

func (r Repo) GetCategoryByIdentifier(ctx context.Context, identifier string, locales []string) (domain.Category, error) {
	query, args := categorySelect(locales)
	var c domain.Category
	err := r.DB.QueryRowContext(ctx, query+` WHERE c.identifier=?`, append(args, identifier)...).Scan(&c.ID, &c.Identifier, &c.CreatedAt, &c.Name)
	if err == sql.ErrNoRows {
		return c, &domain.NotFoundError{Entity: "category", ID: identifier}
	}
	return c, err
}

func (r Repo) categoryNames(ctx context.Context, tx *sql.Tx, id string) (map[string]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT locale,name FROM category_translations WHERE category_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := map[string]string{}
	for rows.Next() {
		var locale, name string
		if err := rows.Scan(&locale, &name); err != nil {
			return nil, err
		}
		names[locale] = name
	}
	return names, rows.Err()
}

// ListCategories returns categories ordered by their name in the preferred locale.
func (r Repo) ListCategories(ctx context.Context, locales []string) ([]domain.Category, error) {
	query, args := categorySelect(locales)
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY name COLLATE NOCASE, c.identifier`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Identifier, &c.CreatedAt, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MissingCategories returns the ids among ids that do not exist.
func (r Repo) MissingCategories(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM categories WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// TagCategories attaches categories to a record; existing tags are kept.
func (r Repo) TagCategories(ctx context.Context, tx *sql.Tx, ref domain.Ref, categoryIDs []string) error {
	t := tableFor(ref.Kind)
	for _, id := range categoryIDs {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO `+t.join+`(`+t.fk+`,category_id) VALUES (?,?)`, ref.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UntagCategories(ctx context.Context, tx *sql.Tx, ref domain.Ref, categoryIDs []string) error {
	t := tableFor(ref.Kind)
	for _, id := range categoryIDs {
		if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM `+t.join+` WHERE `+t.fk+`=? AND category_id=?`, ref.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CategoriesFor(ctx context.Context, ref domain.Ref, locales []string) ([]domain.Category, error) {
	t := tableFor(ref.Kind)
	query, args := categorySelect(locales)
	rows, err := r.DB.QueryContext(ctx, query+` JOIN `+t.join+` j ON j.category_id=c.id WHERE j.`+t.fk+`=? ORDER BY name COLLATE NOCASE`, append(args, ref.ID)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Identifier, &c.CreatedAt, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
