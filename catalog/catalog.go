// Package catalog serves a shop's public catalog from a version-keyed cache.
//
// A shop's catalog (profile, active products with their category and order form,
// FAQs) is an expensive multi-table read. It is cached under a key that embeds
// the shop's catalog version. Any write to catalog data bumps that version in the
// durable store, so the next read computes a new key, misses, and reloads. Old
// entries are never deleted explicitly; they age out through their TTL.
//
//	cache := catalog.NewCache(store.NewMemory())
//	svc := catalog.NewService(repo, cache, catalog.WithNotifier(notifier))
//
//	cat, err := svc.Load(ctx, shopID)       // read path
//	version, err := svc.Invalidate(ctx, id) // after any catalog write
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrShopNotFound is returned when the durable store has no shop for the given id.
var ErrShopNotFound = errors.New("shop not found")

// Catalog is the aggregated read model of a shop's public storefront.
type Catalog struct {
	Shop     Shop      `json:"shop"`
	Products []Product `json:"products"`
	FAQs     []FAQ     `json:"faqs"`
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Shop holds the public profile fields of a shop.
type Shop struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Bio       string `json:"bio,omitempty"`
	LogoURL   string `json:"logo_url,omitempty"`
	Instagram string `json:"instagram,omitempty"`
	TikTok    string `json:"tiktok,omitempty"`
	Website   string `json:"website,omitempty"`
	IsActive  bool   `json:"is_active"`
}

// Product is an active product with its optional category and order form.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	BasePrice   float64   `json:"base_price"`
	ImageURL    string    `json:"image_url,omitempty"`
	IsActive    bool      `json:"is_active"`
	Category    *Category `json:"category,omitempty"`
	Form        *Form     `json:"form,omitempty"`
}

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Form is the customisation form attached to a product.
type Form struct {
	ID     string      `json:"id"`
	Fields []FormField `json:"fields"`
}

type FormField struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
	Order    int      `json:"order"`
}

type FAQ struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Order    int    `json:"order"`
}

// ShopVersion is the header row read before every catalog lookup.
type ShopVersion struct {
	ID             string
	Slug           string
	CatalogVersion int64
}

const keyPrefix = "tenant:"

// GenerateKey returns the cache key for a shop at a catalog version.
// The key format is "tenant:<id>:v<version>"; shops are the tenants.
//
// Distinct (shopID, version) pairs always map to distinct keys; this is the
// whole invalidation mechanism. Panics on an empty id, an id containing ':'
// or a negative version.
func GenerateKey(shopID string, version int64) string {
	if shopID == "" {
		panic("catalog: GenerateKey called with empty shop id")
	}
	if strings.Contains(shopID, ":") {
		panic(fmt.Sprintf("catalog: shop id %q must not contain ':'", shopID))
	}
	if version < 0 {
		panic(fmt.Sprintf("catalog: negative catalog version %d", version))
	}

	var b strings.Builder
	b.Grow(len(keyPrefix) + len(shopID) + 2 + 20)
	b.WriteString(keyPrefix)
	b.WriteString(shopID)
	b.WriteString(":v")
	b.WriteString(strconv.FormatInt(version, 10))
	return b.String()
}
