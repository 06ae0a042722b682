package memstore

import (
	"cmp"
	"context"
	"maps"
	"math"
	"slices"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

type vectorRow struct {
	entryID   string
	embedding []float32
}

// PutEntry stores an entry.
func (s *Store) PutEntry(_ context.Context, e *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.EntryID] = cloneEntry(e)
	return nil
}

// GetEntry returns a copy of an entry, or nil.
func (s *Store) GetEntry(_ context.Context, id string) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

// AddEntryToArchive records archive membership on the entry and the archive.
func (s *Store) AddEntryToArchive(_ context.Context, archiveID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryID]; ok {
		e.Archives = lo.Union(e.Archives, []string{archiveID})
	}
	s.members[archiveID] = lo.Union(s.members[archiveID], []string{entryID})
	return nil
}

// ListArchiveEntries returns the ids of the entries in an archive, in
// insertion order.
func (s *Store) ListArchiveEntries(_ context.Context, archiveID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.members[archiveID]), nil
}

// SaveContent stores content under a resource name.
func (s *Store) SaveContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = content
	return nil
}

// GetContent returns content stored under a resource name.
func (s *Store) GetContent(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.content[id]
	return c, ok, nil
}

// PutArchive registers an archive.
func (s *Store) PutArchive(_ context.Context, a *models.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.archives[a.ArchiveID] = &c
	return nil
}

// GetArchive returns an archive, or nil.
func (s *Store) GetArchive(_ context.Context, id string) (*models.Archive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

// PutVectorStore registers a vector store.
func (s *Store) PutVectorStore(_ context.Context, vs *models.VectorStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *vs
	c.Tags = slices.Clone(vs.Tags)
	s.stores[vs.VectorStoreID] = &c
	return nil
}

// ListVectorStores returns the stores of an archive ordered by id.
func (s *Store) ListVectorStores(_ context.Context, archiveID string) ([]models.VectorStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VectorStore
	for _, vs := range s.stores {
		if vs.ArchiveID == archiveID {
			c := *vs
			c.Tags = slices.Clone(vs.Tags)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.VectorStore) int { return cmp.Compare(a.VectorStoreID, b.VectorStoreID) })
	return out, nil
}

// AddVector indexes an entry embedding into a vector store.
func (s *Store) AddVector(_ context.Context, storeID, entryID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[storeID] = append(s.vectors[storeID], vectorRow{entryID: entryID, embedding: slices.Clone(embedding)})
	return nil
}

// SearchVectorStore returns up to limit entry ids of a store ranked by cosine
// similarity to embedding.
func (s *Store) SearchVectorStore(_ context.Context, storeID string, embedding []float32, limit int) ([]string, error) {
	s.mu.Lock()
	rows := slices.Clone(s.vectors[storeID])
	s.mu.Unlock()

	type scored struct {
		id    string
		score float64
	}
	ranked := lo.Map(rows, func(r vectorRow, _ int) scored {
		return scored{id: r.entryID, score: cosine(r.embedding, embedding)}
	})
	slices.SortStableFunc(ranked, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return lo.Map(ranked, func(r scored, _ int) string { return r.id }), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func cloneEntry(e *models.Entry) *models.Entry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	c.Sources = slices.Clone(e.Sources)
	c.Archives = slices.Clone(e.Archives)
	c.AnalysisScores = maps.Clone(e.AnalysisScores)
	return &c
}
