package database

import (
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex wraps an HNSW graph over face embeddings keyed by embedding id.
// Deleted embeddings are tombstoned and the graph is rebuilt once tombstones
// outnumber live nodes.
type HNSWIndex struct {
	graph      *hnsw.Graph[int64]
	embeddings map[int64]*StoredEmbedding
	tombstones int
	mu         sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		embeddings: make(map[int64]*StoredEmbedding),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build replaces the index contents with embs.
func (h *HNSWIndex) Build(embs []StoredEmbedding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buildLocked(embs)
}

func (h *HNSWIndex) buildLocked(embs []StoredEmbedding) {
	h.graph = nil
	h.tombstones = 0
	h.embeddings = make(map[int64]*StoredEmbedding, len(embs))

	if len(embs) == 0 {
		return
	}

	g := newGraph()
	for i := range embs {
		emb := embs[i]
		if len(emb.Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(emb.ID, emb.Embedding))
		h.embeddings[emb.ID] = &emb
	}
	h.graph = g
}

// Add inserts a single embedding.
func (h *HNSWIndex) Add(emb StoredEmbedding) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(emb.Embedding) == 0 {
		return
	}
	if h.graph == nil {
		h.graph = newGraph()
	}

	h.graph.Add(hnsw.MakeNode(emb.ID, emb.Embedding))
	h.embeddings[emb.ID] = &emb
}

// Delete tombstones the given embedding ids.
func (h *HNSWIndex) Delete(ids ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		if _, ok := h.embeddings[id]; ok {
			delete(h.embeddings, id)
			h.tombstones++
		}
	}

	// coder/hnsw deletion degrades graph connectivity, so rebuild from the
	// live set instead once it is mostly garbage.
	if h.tombstones > len(h.embeddings) {
		live := make([]StoredEmbedding, 0, len(h.embeddings))
		for _, emb := range h.embeddings {
			live = append(live, *emb)
		}
		h.buildLocked(live)
	}
}

// Search returns up to k live embeddings nearest to query, sorted by distance
// then embedding id. Small indexes are scanned exhaustively.
func (h *HNSWIndex) Search(query []float32, k int) []Neighbor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || len(h.embeddings) == 0 {
		return nil
	}

	searchK := k * HNSWSearchMultiplier
	var results []Neighbor

	if len(h.embeddings) <= searchK || h.graph == nil {
		results = make([]Neighbor, 0, len(h.embeddings))
		for _, emb := range h.embeddings {
			results = append(results, h.neighbor(emb, query))
		}
	} else {
		nodes := h.graph.Search(query, searchK+h.tombstones)
		results = make([]Neighbor, 0, len(nodes))
		for _, n := range nodes {
			emb, ok := h.embeddings[n.Key]
			if !ok {
				continue
			}
			results = append(results, h.neighbor(emb, query))
		}
	}

	SortNeighbors(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func (h *HNSWIndex) neighbor(emb *StoredEmbedding, query []float32) Neighbor {
	return Neighbor{
		EmbeddingID: emb.ID,
		PersonID:    emb.PersonID,
		Name:        emb.Name,
		Distance:    EuclideanDistance(query, emb.Embedding),
	}
}

// Get returns the embedding for a given id.
func (h *HNSWIndex) Get(id int64) *StoredEmbedding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.embeddings[id]
}

// Count returns the number of live embeddings.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.embeddings)
}
