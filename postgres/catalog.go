package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/boubamga9/Pattyly-sub002/catalog"
)

var _ catalog.Source = (*Repo)(nil)

// invalid_text_representation: a shop id that is not a UUID.
const codeInvalidText = "22P02"

func shopErr(shopID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == codeInvalidText) {
		return fmt.Errorf("shop %s: %w", shopID, catalog.ErrShopNotFound)
	}
	return err
}

// checkID rejects ids that cannot name a shop before they reach the wire; pgx
// refuses to encode a malformed string as a uuid parameter.
func checkID(shopID string) error {
	if _, err := uuid.Parse(shopID); err != nil {
		return fmt.Errorf("shop %q: %w", shopID, catalog.ErrShopNotFound)
	}
	return nil
}

func shopVersionQuery(shopID string) sq.SelectBuilder {
	return qb().Select("id::text", "slug", "catalog_version").
		From("shops").
		Where(sq.Eq{"id": shopID})
}

// ShopVersion reads the header row consulted before every catalog lookup.
func (r *Repo) ShopVersion(ctx context.Context, shopID string) (catalog.ShopVersion, error) {
	if err := checkID(shopID); err != nil {
		return catalog.ShopVersion{}, err
	}
	sqlStr, args, err := shopVersionQuery(shopID).ToSql()
	if err != nil {
		return catalog.ShopVersion{}, err
	}

	start := time.Now()
	var sv catalog.ShopVersion
	err = r.pool.QueryRow(ctx, sqlStr, args...).Scan(&sv.ID, &sv.Slug, &sv.CatalogVersion)
	r.logQuery("ShopVersion", start, err)
	if err != nil {
		return catalog.ShopVersion{}, shopErr(shopID, err)
	}
	return sv, nil
}

// ShopProfile reads the public profile fields of a shop.
func (r *Repo) ShopProfile(ctx context.Context, shopID string) (catalog.Shop, error) {
	if err := checkID(shopID); err != nil {
		return catalog.Shop{}, err
	}
	q := qb().Select(
		"id::text", "slug", "name",
		"COALESCE(bio, '')", "COALESCE(logo_url, '')",
		"COALESCE(instagram, '')", "COALESCE(tiktok, '')", "COALESCE(website, '')",
		"is_active",
	).From("shops").Where(sq.Eq{"id": shopID})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return catalog.Shop{}, err
	}

	start := time.Now()
	var s catalog.Shop
	err = r.pool.QueryRow(ctx, sqlStr, args...).Scan(
		&s.ID, &s.Slug, &s.Name, &s.Bio, &s.LogoURL,
		&s.Instagram, &s.TikTok, &s.Website, &s.IsActive,
	)
	r.logQuery("ShopProfile", start, err)
	if err != nil {
		return catalog.Shop{}, shopErr(shopID, err)
	}
	return s, nil
}

func productsQuery(shopID string) sq.SelectBuilder {
	return qb().Select(
		"p.id::text", "p.name", "COALESCE(p.description, '')",
		"p.base_price::float8", "COALESCE(p.image_url, '')", "p.is_active",
		"c.id::text", "c.name", "p.form_id::text",
	).From("products p").
		LeftJoin("categories c ON c.id = p.category_id").
		Where(sq.Eq{"p.shop_id": shopID, "p.is_active": true}).
		OrderBy("p.created_at ASC", "p.id ASC")
}

func formFieldsQuery(formIDs []string) sq.SelectBuilder {
	return qb().Select(
		"form_id::text", "id::text", "label", "type", "options", "required", "sort_order",
	).From("form_fields").
		Where(sq.Eq{"form_id": formIDs}).
		OrderBy("form_id", "sort_order ASC", "id ASC")
}

// Products returns the shop's active products with their category and order form.
func (r *Repo) Products(ctx context.Context, shopID string) ([]catalog.Product, error) {
	if err := checkID(shopID); err != nil {
		return nil, err
	}
	sqlStr, args, err := productsQuery(shopID).ToSql()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		r.logQuery("Products", start, err)
		return nil, shopErr(shopID, err)
	}
	defer rows.Close()

	products := make([]catalog.Product, 0)
	var formIDs []string
	for rows.Next() {
		var (
			p       catalog.Product
			catID   *string
			catName *string
			formID  *string
		)
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.BasePrice, &p.ImageURL, &p.IsActive,
			&catID, &catName, &formID,
		); err != nil {
			r.logQuery("Products", start, err)
			return nil, err
		}
		if catID != nil {
			p.Category = &catalog.Category{ID: *catID}
			if catName != nil {
				p.Category.Name = *catName
			}
		}
		if formID != nil {
			p.Form = &catalog.Form{ID: *formID, Fields: []catalog.FormField{}}
			formIDs = append(formIDs, *formID)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		r.logQuery("Products", start, err)
		return nil, err
	}
	r.logQuery("Products", start, nil)

	if len(formIDs) == 0 {
		return products, nil
	}

	fields, err := r.formFields(ctx, formIDs)
	if err != nil {
		return nil, err
	}
	for i := range products {
		if f := products[i].Form; f != nil {
			if ff, ok := fields[f.ID]; ok {
				f.Fields = ff
			}
		}
	}
	return products, nil
}

func (r *Repo) formFields(ctx context.Context, formIDs []string) (map[string][]catalog.FormField, error) {
	sqlStr, args, err := formFieldsQuery(formIDs).ToSql()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		r.logQuery("FormFields", start, err)
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]catalog.FormField, len(formIDs))
	for rows.Next() {
		var (
			formID string
			f      catalog.FormField
		)
		if err := rows.Scan(&formID, &f.ID, &f.Label, &f.Type, &f.Options, &f.Required, &f.Order); err != nil {
			r.logQuery("FormFields", start, err)
			return nil, err
		}
		out[formID] = append(out[formID], f)
	}
	err = rows.Err()
	r.logQuery("FormFields", start, err)
	return out, err
}

// FAQs returns the shop's FAQ entries in display order.
func (r *Repo) FAQs(ctx context.Context, shopID string) ([]catalog.FAQ, error) {
	if err := checkID(shopID); err != nil {
		return nil, err
	}
	q := qb().Select("id::text", "question", "answer", "sort_order").
		From("faqs").
		Where(sq.Eq{"shop_id": shopID}).
		OrderBy("sort_order ASC", "id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := r.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		r.logQuery("FAQs", start, err)
		return nil, shopErr(shopID, err)
	}
	defer rows.Close()

	faqs := make([]catalog.FAQ, 0)
	for rows.Next() {
		var f catalog.FAQ
		if err := rows.Scan(&f.ID, &f.Question, &f.Answer, &f.Order); err != nil {
			r.logQuery("FAQs", start, err)
			return nil, err
		}
		faqs = append(faqs, f)
	}
	err = rows.Err()
	r.logQuery("FAQs", start, err)
	if err != nil {
		return nil, err
	}
	return faqs, nil
}

func bumpQuery(shopID string) sq.UpdateBuilder {
	return qb().Update("shops").
		Set("catalog_version", sq.Expr("catalog_version + 1")).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": shopID}).
		Suffix("RETURNING catalog_version, slug")
}

// BumpCatalogVersion atomically increments the shop's catalog version in a
// single UPDATE ... RETURNING and reports the new version and the shop slug.
func (r *Repo) BumpCatalogVersion(ctx context.Context, shopID string) (int64, string, error) {
	if err := checkID(shopID); err != nil {
		return 0, "", err
	}
	sqlStr, args, err := bumpQuery(shopID).ToSql()
	if err != nil {
		return 0, "", err
	}

	start := time.Now()
	var (
		version int64
		slug    string
	)
	err = r.pool.QueryRow(ctx, sqlStr, args...).Scan(&version, &slug)
	r.logQuery("BumpCatalogVersion", start, err)
	if err != nil {
		return 0, "", shopErr(shopID, err)
	}
	return version, slug, nil
}
