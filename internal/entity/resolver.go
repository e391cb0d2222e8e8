package entity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/model"
	"github.com/vestige-memory/vestige/internal/vectorindex"
)

// FuzzyCutoff is the normalized-score floor for a fuzzy candidate to be
// considered at all during Resolve (spec: "score >= 80" on a 0-100 scale).
const FuzzyCutoff = 0.80

// KnownEntityCutoff is the stricter floor used by the batch processor's
// known-entity lookup stage, which accepts a match at score >= 85.
const KnownEntityCutoff = 0.85

// ResolvedCutoff is the normalized-score floor above which Resolve commits
// to a single resolved candidate rather than reporting ambiguity.
const ResolvedCutoff = 0.90

// AmbiguousCutoff is the floor two or more candidates must clear for
// Resolve to report `ambiguous` instead of `new`.
const AmbiguousCutoff = 0.65

// DefaultTopK is the default candidate breadth for fuzzy and vector search.
const DefaultTopK = 10

// Embedder turns text into a dense vector. Implemented by the llm package
// over the RPC-like embedding service (LLM transport is an
// external collaborator).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HydrationSource supplies the full known-entity set at startup. Modeled
// as a narrow interface (rather than depending on the graph package
// directly), favoring explicit interfaces wired at startup over
// global singletons.
type HydrationSource interface {
	GetAllEntitiesForHydration(ctx context.Context) ([]model.Entity, error)
}

// RelationshipChecker reports whether two entities already share a direct
// relationship, used to exclude already-linked pairs from merge
// candidates. a and b are decimal entity ids (graph.Store's relationship
// endpoints), not canonical names.
type RelationshipChecker interface {
	HasDirectRelationship(ctx context.Context, a, b string) (bool, error)
}

// MergeCandidate is one pair detect_merge_candidates proposes for review.
type MergeCandidate struct {
	PrimaryID   int64
	SecondaryID int64
	ProfileA    model.Entity
	ProfileB    model.Entity
	Similarity  float64
}

// Resolver is the process-local entity resolver: an
// exact alias map, a fuzzy alias matcher, and a vector index over entity
// embeddings, all guarded by one mutex. Grounded on
// original_source/main/entity_resolve.py (the FAISS+rapidfuzz resolver)
// for the resolve() merge-and-normalize logic, with the fuzzy matcher
// itself implemented as a bleve index (FuzzyIndex, this package).
type Resolver struct {
	mu sync.Mutex

	nameToID map[string]int64         // lowercased alias -> entity id
	profiles map[int64]*model.Entity  // entity id -> profile
	vectors  *vectorindex.FlatIndex   // entity id -> normalized embedding
	fuzzy    *FuzzyIndex
	nextID   int64 // monotonic counter for newly minted entity ids

	logger *zap.Logger
}

// New constructs an empty resolver. Call Hydrate before serving traffic.
func New(logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fuzzyIdx, err := NewFuzzyIndex(DefaultFuzzyIndexConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create fuzzy index: %w", err)
	}
	return &Resolver{
		nameToID: make(map[string]int64),
		profiles: make(map[int64]*model.Entity),
		vectors:  vectorindex.NewFlatIndex(),
		fuzzy:    fuzzyIdx,
		logger:   logger,
	}, nil
}

// Hydrate loads every known entity from the graph store in one pass.
// Initialization failure here is fatal: a resolver that starts without
// its known-entity set would silently treat everyone as new.
func (r *Resolver) Hydrate(ctx context.Context, source HydrationSource) error {
	entities, err := source.GetAllEntitiesForHydration(ctx)
	if err != nil {
		return fmt.Errorf("hydrate resolver: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range entities {
		e := entities[i]
		r.registerLocked(&e)
		if e.ID >= r.nextID {
			r.nextID = e.ID + 1
		}
	}

	r.logger.Info("resolver hydrated", zap.Int("entities", len(entities)))
	return nil
}

// NextID mints a fresh entity id, monotonically increasing and never
// reused, even across merges.
func (r *Resolver) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// RegisterEntity atomically inserts all aliases, stores the profile, and
// (if a summary is present) inserts its embedding into the vector index.
func (r *Resolver) RegisterEntity(e *model.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(e)
}

func (r *Resolver) registerLocked(e *model.Entity) error {
	if _, exists := r.profiles[e.ID]; exists {
		return r.updateLocked(e)
	}

	names := append([]string{e.CanonicalName}, e.Aliases...)
	for _, name := range names {
		key := strings.ToLower(name)
		r.nameToID[key] = e.ID
		if err := r.fuzzy.Add(key, e.ID); err != nil {
			r.logger.Warn("fuzzy index add failed", zap.String("alias", key), zap.Error(err))
		}
	}

	cp := *e
	r.profiles[e.ID] = &cp

	if e.Summary != "" && len(e.Embedding) > 0 {
		r.vectors.Insert(e.ID, float32to64(e.Embedding))
	}
	return nil
}

// updateLocked replaces an existing entity's profile and alias/vector
// entries. Assumes r.mu is held.
func (r *Resolver) updateLocked(e *model.Entity) error {
	old := r.profiles[e.ID]
	if old != nil {
		for _, alias := range append([]string{old.CanonicalName}, old.Aliases...) {
			key := strings.ToLower(alias)
			delete(r.nameToID, key)
			_ = r.fuzzy.Remove(key, e.ID)
		}
	}

	for _, alias := range append([]string{e.CanonicalName}, e.Aliases...) {
		key := strings.ToLower(alias)
		r.nameToID[key] = e.ID
		if err := r.fuzzy.Add(key, e.ID); err != nil {
			r.logger.Warn("fuzzy index add failed", zap.String("alias", key), zap.Error(err))
		}
	}

	cp := *e
	r.profiles[e.ID] = &cp

	r.vectors.Remove(e.ID)
	if e.Summary != "" && len(e.Embedding) > 0 {
		r.vectors.Insert(e.ID, float32to64(e.Embedding))
	}
	return nil
}

// GetID performs the exact lowercase alias lookup.
func (r *Resolver) GetID(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.nameToID[strings.ToLower(name)]
	return id, ok
}

// LookupKnown performs the batch processor's known-entity lookup: an
// exact lowercase alias hit, falling back to a fuzzy match at the
// stricter KnownEntityCutoff. Returns found=false if neither clears.
func (r *Resolver) LookupKnown(name string) (profile model.Entity, found bool) {
	r.mu.Lock()
	if id, ok := r.nameToID[strings.ToLower(name)]; ok {
		p := *r.profiles[id]
		r.mu.Unlock()
		return p, true
	}
	r.mu.Unlock()

	matches, err := r.fuzzy.FuzzySearch(name, DefaultTopK)
	if err != nil || len(matches) == 0 {
		return model.Entity{}, false
	}

	var best *FuzzyMatch
	bestNorm := 0.0
	for i := range matches {
		norm := normalizeFuzzyScore(matches[i].Score)
		if norm > bestNorm {
			bestNorm = norm
			best = &matches[i]
		}
	}
	if best == nil || bestNorm < KnownEntityCutoff {
		return model.Entity{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[best.EntityID]
	if !ok {
		return model.Entity{}, false
	}
	return *p, true
}

// Profile returns a copy of the stored profile for id, if any.
func (r *Resolver) Profile(id int64) (model.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return model.Entity{}, false
	}
	return *p, true
}

// MentionsForID returns the known aliases (including the canonical name)
// for an entity id.
func (r *Resolver) MentionsForID(id int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.Aliases)+1)
	out = append(out, p.CanonicalName)
	out = append(out, p.Aliases...)
	return out
}

// AllProfiles returns a snapshot copy of every known profile, keyed by id.
// Cloning here lets callers iterate without holding the
// resolver's lock across expensive work (e.g. embedding calls).
func (r *Resolver) AllProfiles() map[int64]model.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]model.Entity, len(r.profiles))
	for id, p := range r.profiles {
		out[id] = *p
	}
	return out
}

// Count reports how many entities are currently known.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

// FuzzyMatches returns up to limit distinct entity ids whose aliases
// fuzzily match text, ordered by descending match score. Used by the
// agent's search_entities tool, which needs candidate ids rather than a
// single best match (unlike LookupKnown).
func (r *Resolver) FuzzyMatches(text string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = DefaultTopK
	}
	matches, err := r.fuzzy.FuzzySearch(text, limit)
	if err != nil {
		return nil, fmt.Errorf("fuzzy matches: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })

	seen := make(map[int64]bool, len(matches))
	out := make([]int64, 0, limit)
	for _, m := range matches {
		if seen[m.EntityID] {
			continue
		}
		seen[m.EntityID] = true
		out = append(out, m.EntityID)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ValidateExisting confirms the canonical exists; adds any mentions not
// already aliased. Returns found=false if the canonical is unknown — the
// caller must then demote to NEW.
func (r *Resolver) ValidateExisting(canonical string, mentions []string) (id int64, aliasesAdded bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entityID, ok := r.nameToID[strings.ToLower(canonical)]
	if !ok {
		return 0, false, false
	}

	profile := r.profiles[entityID]
	for _, m := range mentions {
		if profile.HasAlias(m) {
			continue
		}
		profile.Aliases = append(profile.Aliases, m)
		key := strings.ToLower(m)
		r.nameToID[key] = entityID
		if err := r.fuzzy.Add(key, entityID); err != nil {
			r.logger.Warn("fuzzy index add failed", zap.String("alias", key), zap.Error(err))
		}
		aliasesAdded = true
	}
	return entityID, aliasesAdded, true
}

// UpdateProfileSummary recomputes the embedding for a new summary,
// replaces the vector in the index (remove-then-add, matching
// ownership-of-embeddings note), and updates the stored profile.
func (r *Resolver) UpdateProfileSummary(ctx context.Context, id int64, summary string, embedder Embedder) ([]float32, error) {
	embedding, err := embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("embed profile summary: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("entity %d not found", id)
	}

	r.vectors.Remove(id)
	if len(embedding) > 0 {
		r.vectors.Insert(id, float32to64(embedding))
	}
	profile.Summary = summary
	profile.Embedding = embedding
	return embedding, nil
}

// Resolve implements a two-stage lookup: an exact lowercase
// hit short-circuits to `resolved`; otherwise fuzzy and vector candidates
// are merged into one normalized ranking.
func (r *Resolver) Resolve(ctx context.Context, text, mentionContext string, embedder Embedder) (model.Resolution, error) {
	r.mu.Lock()
	if id, ok := r.nameToID[strings.ToLower(text)]; ok {
		profile := *r.profiles[id]
		r.mu.Unlock()
		return model.Resolution{
			Kind: model.ResolvedKind,
			Resolved: &model.Candidate{
				ID:      id,
				Profile: &profile,
				Match:   model.MatchDetail{Source: model.MatchExact, Score: 1, NormScore: 1},
			},
		}, nil
	}
	hasFuzzyChoices := len(r.nameToID) > 0
	hasVectors := r.vectors.Len() > 0
	r.mu.Unlock()

	candidates := make(map[int64]*model.Candidate)

	if hasFuzzyChoices {
		matches, err := r.fuzzy.FuzzySearch(text, DefaultTopK)
		if err != nil {
			r.logger.Warn("fuzzy search failed during resolve", zap.Error(err))
		}
		for _, m := range matches {
			norm := normalizeFuzzyScore(m.Score)
			if norm < FuzzyCutoff {
				continue
			}
			candidates[m.EntityID] = &model.Candidate{
				ID: m.EntityID,
				Match: model.MatchDetail{
					Source:         model.MatchFuzzy,
					Score:          m.Score,
					NormScore:      norm,
					MatchedAliases: m.Alias,
				},
			}
		}
	}

	if hasVectors {
		queryText := fmt.Sprintf("%s mentioned in context of: %s", text, mentionContext)
		queryEmbedding, err := embedder.Embed(ctx, queryText)
		if err != nil {
			return model.Resolution{}, fmt.Errorf("embed resolve query: %w", err)
		}
		hits := r.vectors.Search(float32to64(queryEmbedding), DefaultTopK)
		for _, hit := range hits {
			norm := (hit.Score + 1) / 2 // cosine in [-1,1] -> [0,1]
			if existing, ok := candidates[hit.ID]; ok {
				existing.Match.Source = model.MatchHybrid
				if norm > existing.Match.NormScore {
					existing.Match.NormScore = norm
				}
			} else {
				candidates[hit.ID] = &model.Candidate{
					ID: hit.ID,
					Match: model.MatchDetail{
						Source:    model.MatchVector,
						Score:     hit.Score,
						NormScore: norm,
					},
				}
			}
		}
	}

	r.mu.Lock()
	ranked := make([]model.Candidate, 0, len(candidates))
	for id, c := range candidates {
		if p, ok := r.profiles[id]; ok {
			profile := *p
			c.Profile = &profile
		}
		ranked = append(ranked, *c)
	}
	r.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Match.NormScore > ranked[j].Match.NormScore
	})

	if len(ranked) == 0 {
		return model.Resolution{Kind: model.NewKind}, nil
	}
	if ranked[0].Match.NormScore >= ResolvedCutoff {
		top := ranked[0]
		return model.Resolution{Kind: model.ResolvedKind, Resolved: &top}, nil
	}

	aboveAmbiguous := 0
	for _, c := range ranked {
		if c.Match.NormScore >= AmbiguousCutoff {
			aboveAmbiguous++
		}
	}
	if aboveAmbiguous >= 2 {
		return model.Resolution{Kind: model.AmbiguousKind, Ambiguous: ranked}, nil
	}
	return model.Resolution{Kind: model.NewKind}, nil
}

// DetectMergeCandidates returns entity pairs whose embeddings exceed a
// similarity threshold, whose types are compatible, and which share no
// direct relationship — ordered by descending similarity, ties broken by
// lower secondary id.
func (r *Resolver) DetectMergeCandidates(ctx context.Context, checker RelationshipChecker, similarityThreshold float64) ([]MergeCandidate, error) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	r.mu.Unlock()

	var out []MergeCandidate
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]

			r.mu.Lock()
			profA, okA := r.profiles[a]
			profB, okB := r.profiles[b]
			var sim float64
			va, hasA := r.vectorOf(a)
			vb, hasB := r.vectorOf(b)
			r.mu.Unlock()

			if !okA || !okB || !hasA || !hasB {
				continue
			}
			if profA.Type != profB.Type {
				continue
			}
			sim = cosine(va, vb)
			if sim < similarityThreshold {
				continue
			}

			related, err := checker.HasDirectRelationship(ctx, strconv.FormatInt(a, 10), strconv.FormatInt(b, 10))
			if err != nil {
				return nil, fmt.Errorf("check direct relationship (%d,%d): %w", a, b, err)
			}
			if related {
				continue
			}

			out = append(out, MergeCandidate{
				PrimaryID:   a,
				SecondaryID: b,
				ProfileA:    *profA,
				ProfileB:    *profB,
				Similarity:  sim,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].SecondaryID < out[j].SecondaryID
	})
	return out, nil
}

// vectorOf exposes the normalized embedding for an id by reading it off
// the stored profile (the vector index itself doesn't expose lookup-by-id,
// only nearest-neighbor search). Assumes r.mu is held by the caller.
func (r *Resolver) vectorOf(id int64) ([]float64, bool) {
	p, ok := r.profiles[id]
	if !ok || len(p.Embedding) == 0 {
		return nil, false
	}
	return float32to64(p.Embedding), true
}

// ApplyMerge updates in-memory resolver state after a successful
// GraphStore merge: remaps the secondary's aliases to the primary and
// drops the secondary from both the profile map and the vector index.
func (r *Resolver) ApplyMerge(primaryID, secondaryID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	secondary, ok := r.profiles[secondaryID]
	if ok {
		for _, alias := range append([]string{secondary.CanonicalName}, secondary.Aliases...) {
			key := strings.ToLower(alias)
			r.nameToID[key] = primaryID
			_ = r.fuzzy.Remove(key, secondaryID)
			_ = r.fuzzy.Add(key, primaryID)
		}
		delete(r.profiles, secondaryID)
	}
	r.vectors.Remove(secondaryID)
}

func normalizeFuzzyScore(bleveScore float64) float64 {
	if bleveScore > 1 {
		return 1
	}
	if bleveScore < 0 {
		return 0
	}
	return bleveScore
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func float32to64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
