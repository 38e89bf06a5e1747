// Package catalog maps product identifiers to fixed credit quantities.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownProduct indicates the product is not in the catalog or maps to a non-positive quantity.
var ErrUnknownProduct = errors.New("unknown product")

// Catalog is an immutable product-to-credits table built once at startup.
type Catalog struct {
	credits map[string]int64
}

// New copies entries into a Catalog. Non-positive quantities are kept so that
// Resolve reports them as ErrUnknownProduct instead of silently dropping them.
func New(entries map[string]int64) Catalog {
	credits := make(map[string]int64, len(entries))
	for id, qty := range entries {
		credits[strings.TrimSpace(id)] = qty
	}
	return Catalog{credits: credits}
}

// Parse reads "p100=50,p250=130" style definitions.
func Parse(input string) (Catalog, error) {
	entries := map[string]int64{}
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, qty, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return Catalog{}, fmt.Errorf("catalog entry %q: want product=credits", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(qty), 10, 64)
		if err != nil {
			return Catalog{}, fmt.Errorf("catalog entry %q: %w", part, err)
		}
		if n <= 0 {
			return Catalog{}, fmt.Errorf("catalog entry %q: credits must be positive", part)
		}
		if _, dup := entries[id]; dup {
			return Catalog{}, fmt.Errorf("catalog entry %q: duplicate product", part)
		}
		entries[id] = n
	}
	return New(entries), nil
}

// Resolve returns the positive credit quantity for productID.
func (c Catalog) Resolve(productID string) (int64, error) {
	qty, ok := c.credits[strings.TrimSpace(productID)]
	if !ok || qty <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	return qty, nil
}

// Len reports the number of catalog entries.
func (c Catalog) Len() int {
	return len(c.credits)
}
