package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

// PutArchive registers an archive.
func (c *Client) PutArchive(ctx context.Context, a *models.Archive) error {
	err := exec(ctx, c, `UPSERT type::record("archive", $id) CONTENT $archive`, map[string]any{
		"id":      a.ArchiveID,
		"archive": a,
	})
	if err != nil {
		return fmt.Errorf("put archive: %w", err)
	}
	c.archives.Remove(a.ArchiveID)
	return nil
}

// GetArchive returns an archive, or nil. Found archives are cached.
func (c *Client) GetArchive(ctx context.Context, id string) (*models.Archive, error) {
	if a, ok := c.archives.Get(id); ok {
		return &a, nil
	}

	a, err := first[models.Archive](ctx, c, `SELECT * FROM type::record("archive", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	if a != nil {
		c.archives.Add(id, *a)
	}
	return a, nil
}

// PutVectorStore registers a vector store.
func (c *Client) PutVectorStore(ctx context.Context, vs *models.VectorStore) error {
	err := exec(ctx, c, `UPSERT type::record("vector_store", $id) CONTENT $store`, map[string]any{
		"id":    vs.VectorStoreID,
		"store": models.VectorStore{VectorStoreID: vs.VectorStoreID, ArchiveID: vs.ArchiveID, Tags: nonNil(vs.Tags)},
	})
	if err != nil {
		return fmt.Errorf("put vector store: %w", err)
	}
	c.stores.Remove(vs.ArchiveID)
	return nil
}

// ListVectorStores returns the stores of an archive ordered by id.
func (c *Client) ListVectorStores(ctx context.Context, archiveID string) ([]models.VectorStore, error) {
	if stores, ok := c.stores.Get(archiveID); ok {
		return cloneStores(stores), nil
	}

	stores, err := rows[models.VectorStore](ctx, c, `
		SELECT * FROM vector_store WHERE archive_id = $archive ORDER BY vector_store_id ASC
	`, map[string]any{"archive": archiveID})
	if err != nil {
		return nil, fmt.Errorf("list vector stores: %w", err)
	}
	c.stores.Add(archiveID, cloneStores(stores))
	return stores, nil
}

// AddVector indexes an entry embedding into a vector store.
func (c *Client) AddVector(ctx context.Context, storeID, entryID string, embedding []float32) error {
	err := exec(ctx, c, `UPSERT type::record("vector_entry", $id) CONTENT $row`, map[string]any{
		"id": storeID + "/" + entryID,
		"row": map[string]any{
			"vector_store_id": storeID,
			"entry_id":        entryID,
			"embedding":       embedding,
		},
	})
	if err != nil {
		return fmt.Errorf("add vector: %w", err)
	}
	return nil
}

// SearchVectorStore returns up to limit entry ids of a store ranked by
// cosine similarity to embedding. Searching an unregistered store fails with
// ErrNotFound.
func (c *Client) SearchVectorStore(ctx context.Context, storeID string, embedding []float32, limit int) ([]string, error) {
	exists, err := first[models.VectorStore](ctx, c, `SELECT * FROM type::record("vector_store", $id)`, map[string]any{"id": storeID})
	if err != nil {
		return nil, fmt.Errorf("get vector store: %w", err)
	}
	if exists == nil {
		return nil, fmt.Errorf("%w: vector store %s", ErrNotFound, storeID)
	}

	type hit struct {
		EntryID  string  `json:"entry_id"`
		Distance float64 `json:"distance"`
	}
	// HNSW with ef=40 for better recall
	sql := fmt.Sprintf(`
		SELECT entry_id, vector::distance::knn() AS distance FROM vector_entry
		WHERE vector_store_id = $store AND embedding <|%d,40|> $emb
		ORDER BY distance ASC
	`, max(limit, 1))

	hits, err := rows[hit](ctx, c, sql, map[string]any{"store": storeID, "emb": embedding})
	if err != nil {
		return nil, fmt.Errorf("search vector store %s: %w", storeID, err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.EntryID
	}
	return ids, nil
}

func cloneStores(stores []models.VectorStore) []models.VectorStore {
	out := make([]models.VectorStore, len(stores))
	for i, vs := range stores {
		out[i] = vs
		out[i].Tags = append([]string(nil), vs.Tags...)
	}
	return out
}
