// Package entity implements the EntityResolver: a process-local hybrid
// index over known entities providing exact, fuzzy, and vector lookups.
package entity

import (
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// aliasDoc is the unit indexed by bleve: one alias string pointing at the
// entity id it resolves to.
type aliasDoc struct {
	Alias    string `json:"alias"`
	EntityID int64  `json:"entity_id"`
}

// FuzzyIndexConfig configures the bleve-backed alias index.
type FuzzyIndexConfig struct {
	Fuzziness int
}

// DefaultFuzzyIndexConfig sets conservative fuzzy-match defaults.
func DefaultFuzzyIndexConfig() FuzzyIndexConfig {
	return FuzzyIndexConfig{Fuzziness: 2}
}

// FuzzyIndex is an in-memory bleve index over alias strings, used by the
// resolver's fuzzy-matching stage, narrowed to a single field (alias ->
// entity id).
type FuzzyIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	cfg    FuzzyIndexConfig
	logger *zap.Logger
}

// NewFuzzyIndex creates an empty in-memory alias index.
func NewFuzzyIndex(cfg FuzzyIndexConfig, logger *zap.Logger) (*FuzzyIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	aliasMapping := bleve.NewDocumentMapping()
	aliasFieldMapping := bleve.NewTextFieldMapping()
	aliasFieldMapping.Index = true
	aliasFieldMapping.Store = true
	aliasFieldMapping.IncludeTermVectors = true
	aliasMapping.AddFieldMappingsAt("alias", aliasFieldMapping)

	idxMapping := bleve.NewIndexMapping()
	idxMapping.AddDocumentMapping("alias", aliasMapping)
	idxMapping.DefaultAnalyzer = "standard"

	idx, err := bleve.NewMemOnly(idxMapping)
	if err != nil {
		return nil, fmt.Errorf("create alias index: %w", err)
	}

	return &FuzzyIndex{index: idx, cfg: cfg, logger: logger}, nil
}

// docID returns a document id that's unique per (alias, entity) pair so
// the same alias text can map to the alias's owning entity after a merge
// remaps it without colliding with the prior owner's document.
func docID(alias string, entityID int64) string {
	return fmt.Sprintf("%s::%d", alias, entityID)
}

// Add indexes alias as resolving to entityID.
func (f *FuzzyIndex) Add(alias string, entityID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index.Index(docID(alias, entityID), aliasDoc{Alias: alias, EntityID: entityID})
}

// Remove deletes a previously indexed alias for an entity.
func (f *FuzzyIndex) Remove(alias string, entityID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index.Delete(docID(alias, entityID))
}

// FuzzyMatch is one hit from FuzzySearch.
type FuzzyMatch struct {
	Alias    string
	EntityID int64
	Score    float64 // bleve relevance score, not yet normalized to [0,1]
}

// FuzzySearch finds aliases similar to text, Levenshtein-fuzzy within the
// configured edit distance.
func (f *FuzzyIndex) FuzzySearch(text string, limit int) ([]FuzzyMatch, error) {
	start := time.Now()

	fq := query.NewFuzzyQuery(text)
	fq.SetField("alias")
	fq.SetFuzziness(f.cfg.Fuzziness)

	req := bleve.NewSearchRequest(fq)
	req.Size = limit
	req.Fields = []string{"alias", "entity_id"}

	f.mu.RLock()
	result, err := f.index.Search(req)
	f.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("fuzzy search: %w", err)
	}

	matches := make([]FuzzyMatch, 0, len(result.Hits))
	for _, hit := range result.Hits {
		alias, _ := hit.Fields["alias"].(string)
		var entityID int64
		if v, ok := hit.Fields["entity_id"].(float64); ok {
			entityID = int64(v)
		}
		matches = append(matches, FuzzyMatch{Alias: alias, EntityID: entityID, Score: hit.Score})
	}

	f.logger.Debug("fuzzy alias search",
		zap.String("query", text),
		zap.Int("hits", len(matches)),
		zap.Duration("duration", time.Since(start)))

	return matches, nil
}

// Close releases index resources.
func (f *FuzzyIndex) Close() error {
	return f.index.Close()
}
