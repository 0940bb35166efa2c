package catalog

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// Index is an in-memory full-text index over the loaded catalog, used to
// pick the products most relevant to a post topic.
type Index struct {
	mu       sync.RWMutex
	index    bleve.Index
	products map[string]Product
}

// NewIndex builds an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating product index: %w", err)
	}
	return &Index{index: idx, products: map[string]Product{}}, nil
}

// Load replaces the indexed set with products. Records without an
// external id are skipped; they cannot be referenced back.
func (ix *Index) Load(products []Product) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	batch := ix.index.NewBatch()
	for _, p := range products {
		if p.ExternalID == "" {
			continue
		}
		if err := batch.Index(p.ExternalID, p); err != nil {
			return fmt.Errorf("indexing product %s: %w", p.ExternalID, err)
		}
		ix.products[p.ExternalID] = p
	}
	if err := ix.index.Batch(batch); err != nil {
		return fmt.Errorf("committing product batch: %w", err)
	}
	return nil
}

// Search returns up to k products matching the query, best first.
func (ix *Index) Search(query string, k int) ([]Product, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	q := bleve.NewQueryStringQuery(query)
	searchReq := bleve.NewSearchRequestOptions(q, k, 0, false)
	res, err := ix.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("searching products: %w", err)
	}
	out := make([]Product, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if p, ok := ix.products[hit.ID]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns the product with the given external id.
func (ix *Index) Get(externalID string) (Product, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.products[externalID]
	return p, ok
}

// Len reports how many products are indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.products)
}
