package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/batch"
	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/model"
)

// GraphStore is the slice of graph.Store the agent's tools read from.
// Narrowed to a read-only interface — the agent loop never touches the
// write path (spec: "Agent reads Resolver + GraphStore, never touches
// the write path").
type GraphStore interface {
	GetEntityProfile(ctx context.Context, entityID int64) (*model.Entity, error)
	SearchEntity(ctx context.Context, alias string) (*model.Entity, error)
	GetRelatedEntities(ctx context.Context, entityID int64, limit int) ([]model.Entity, error)
	GetRecentActivity(ctx context.Context, sinceEpochMs int64, limit int) ([]model.Entity, error)
	FindPath(ctx context.Context, fromID, toID int64, maxHops int) ([]model.Entity, error)
	GetHotTopicContext(ctx context.Context, topicName string) ([]model.Entity, error)
}

// DefaultFindPathHops bounds how many hops find_path will traverse.
const DefaultFindPathHops = 4

// Tools is the bound-per-request collaborator the agent loop dispatches
// tool calls through: name resolution via the resolver, reads via the
// graph store, and a recent-message window for search_messages.
// Grounded on original_source/agent/tools.py's Tools class.
type Tools struct {
	user         string
	store        GraphStore
	resolver     *entity.Resolver
	recent       *batch.RecentMessages
	activeTopics []string
	logger       *zap.Logger
}

// NewTools constructs a per-query Tools instance. Cheap enough to build
// fresh for every agent run (spec: "the agent's tools are constructed per
// request from these interfaces").
func NewTools(user string, store GraphStore, resolver *entity.Resolver, recent *batch.RecentMessages, activeTopics []string, logger *zap.Logger) *Tools {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tools{user: user, store: store, resolver: resolver, recent: recent, activeTopics: activeTopics, logger: logger}
}

// ResolveEntityName resolves free-form user input to a canonical entity
// name via the resolver's exact-then-fuzzy-≥85 lookup (entity.Resolver's
// KnownEntityCutoff already encodes that threshold), returning "" if
// nothing clears the bar.
func (t *Tools) ResolveEntityName(name string) string {
	profile, ok := t.resolver.LookupKnown(name)
	if !ok {
		return ""
	}
	return profile.CanonicalName
}

func entitySummary(e model.Entity) EntitySummary {
	return EntitySummary{ID: e.ID, Name: e.CanonicalName, Summary: e.Summary, Type: e.Type, Aliases: e.Aliases, Topic: e.Topic}
}

// SearchMessages scans the recent-message window for text mentioning
// query, newest first, bounded by limit. This repo keeps only an
// in-memory ring buffer of recent turns rather than a separate indexed
// message store, so search_messages is a window scan rather than a
// vector search (see DESIGN.md).
func (t *Tools) SearchMessages(ctx context.Context, query string, limit int) ([]MessageResult, error) {
	if limit <= 0 {
		limit = 5
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	window := t.recent.Window(500)
	var out []MessageResult
	for i := 0; i < len(window) && len(out) < limit; i++ {
		m := window[i]
		if !strings.Contains(strings.ToLower(m.Text), needle) {
			continue
		}
		out = append(out, MessageResult{
			ID:        fmt.Sprintf("msg_%d", m.ID),
			Role:      "user",
			Message:   m.Text,
			Timestamp: m.Timestamp,
			Score:     1.0,
			Context:   t.surroundingContext(window, i),
		})
	}
	return out, nil
}

// surroundingContext returns up to two turns on either side of idx in
// window, the fixed-width equivalent of tools.py's _get_surrounding_context.
func (t *Tools) surroundingContext(window []model.Message, idx int) []ConversationTurn {
	const radius = 2
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + radius + 1
	if end > len(window) {
		end = len(window)
	}
	var ctxTurns []ConversationTurn
	for i := start; i < end; i++ {
		if i == idx {
			continue
		}
		ctxTurns = append(ctxTurns, ConversationTurn{Role: "user", Content: window[i].Text})
	}
	return ctxTurns
}

// SearchEntities finds entities whose name or alias fuzzily matches
// query, via the resolver's bleve-backed alias index, falling back to the
// graph store's exact-alias lookup whenever the resolver yields no
// profile for the query (e.g. immediately after a cold start).
func (t *Tools) SearchEntities(ctx context.Context, query string, limit int) ([]EntitySummary, error) {
	if limit <= 0 {
		limit = 5
	}

	matches, err := t.resolver.FuzzyMatches(query, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	if len(matches) > 0 {
		out := make([]EntitySummary, 0, len(matches))
		for _, id := range matches {
			if p, ok := t.resolver.Profile(id); ok {
				out = append(out, entitySummary(p))
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	e, err := t.store.SearchEntity(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search entities (store fallback): %w", err)
	}
	if e == nil {
		return nil, nil
	}
	return []EntitySummary{entitySummary(*e)}, nil
}

// GetProfile resolves entityName and returns its full profile, preferring
// the resolver's in-memory copy over a graph round trip.
func (t *Tools) GetProfile(ctx context.Context, entityName string) (*EntitySummary, error) {
	canonical := t.ResolveEntityName(entityName)
	if canonical == "" {
		return nil, nil
	}
	if id, ok := t.resolver.GetID(canonical); ok {
		if p, ok := t.resolver.Profile(id); ok {
			s := entitySummary(p)
			return &s, nil
		}
		e, err := t.store.GetEntityProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get profile: %w", err)
		}
		if e == nil {
			return nil, nil
		}
		s := entitySummary(*e)
		return &s, nil
	}
	return nil, nil
}

// GetConnections resolves entityName and returns its directly related
// entities, optionally excluding ones whose topic isn't active.
func (t *Tools) GetConnections(ctx context.Context, entityName string, activeOnly bool) ([]GraphResult, error) {
	canonical := t.ResolveEntityName(entityName)
	if canonical == "" {
		return nil, nil
	}
	id, ok := t.resolver.GetID(canonical)
	if !ok {
		return nil, nil
	}

	related, err := t.store.GetRelatedEntities(ctx, id, 20)
	if err != nil {
		return nil, fmt.Errorf("get connections: %w", err)
	}

	out := make([]GraphResult, 0, len(related))
	for _, r := range related {
		if activeOnly && !t.topicActive(r.Topic) {
			continue
		}
		out = append(out, GraphResult{
			Source:             canonical,
			Target:             r.CanonicalName,
			TargetSummary:      r.Summary,
			ConnectionStrength: r.Confidence,
			Confidence:         r.Confidence,
			LastSeen:           r.LastMentioned,
		})
	}
	return out, nil
}

// GetRecentActivity resolves entityName and returns that entity's own
// entry if it is among the 20 most recently mentioned entities within the
// trailing window of hours. Other entities touched in the window are not
// returned, and each result carries only name, summary and last-mentioned
// time, with no evidence message ids.
func (t *Tools) GetRecentActivity(ctx context.Context, entityName string, hours int) ([]GraphResult, error) {
	canonical := t.ResolveEntityName(entityName)
	if canonical == "" {
		return nil, nil
	}
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()

	activity, err := t.store.GetRecentActivity(ctx, since, 20)
	if err != nil {
		return nil, fmt.Errorf("get recent activity: %w", err)
	}

	out := make([]GraphResult, 0, len(activity))
	for _, e := range activity {
		if !strings.EqualFold(e.CanonicalName, canonical) && !e.HasAlias(canonical) {
			continue
		}
		out = append(out, GraphResult{Target: e.CanonicalName, TargetSummary: e.Summary, LastSeen: e.LastMentioned})
	}
	return out, nil
}

// FindPath resolves both entities and looks up the shortest connecting
// path. If every entity on it is under an active topic it returns the
// path; otherwise it returns a single hidden marker instead. Only that one
// shortest path is examined: no separate search for a path through active
// topics alone is made.
func (t *Tools) FindPath(ctx context.Context, entityA, entityB string) ([]GraphResult, error) {
	canonicalA := t.ResolveEntityName(entityA)
	canonicalB := t.ResolveEntityName(entityB)
	if canonicalA == "" || canonicalB == "" {
		return nil, nil
	}
	idA, okA := t.resolver.GetID(canonicalA)
	idB, okB := t.resolver.GetID(canonicalB)
	if !okA || !okB {
		return nil, nil
	}

	path, err := t.store.FindPath(ctx, idA, idB, DefaultFindPathHops)
	if err != nil {
		return nil, fmt.Errorf("find path: %w", err)
	}
	if len(path) == 0 {
		return nil, nil
	}

	allActive := true
	for _, e := range path {
		if !t.topicActive(e.Topic) {
			allActive = false
			break
		}
	}
	if !allActive {
		return []GraphResult{{Hidden: true, Message: "Connection exists through inactive topics"}}, nil
	}

	out := make([]GraphResult, 0, len(path))
	for _, e := range path {
		out = append(out, GraphResult{Target: e.CanonicalName, TargetSummary: e.Summary})
	}
	return out, nil
}

// GetHotTopicContext returns, for every hot topic name, the entities
// filed under it, pre-fetched once at run start rather than as a
// model-invoked tool.
func (t *Tools) GetHotTopicContext(ctx context.Context, hotTopics []string) (map[string][]EntitySummary, error) {
	if len(hotTopics) == 0 {
		return nil, nil
	}
	out := make(map[string][]EntitySummary, len(hotTopics))
	for _, topic := range hotTopics {
		entities, err := t.store.GetHotTopicContext(ctx, topic)
		if err != nil {
			t.logger.Warn("hot topic context fetch failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		summaries := make([]EntitySummary, 0, len(entities))
		for _, e := range entities {
			summaries = append(summaries, entitySummary(e))
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
		out[topic] = summaries
	}
	return out, nil
}

// topicActive reports whether topic is in the active-topics allowlist;
// an empty allowlist is treated as "everything active" so the filter is a
// no-op until the caller actually configures inactive topics.
func (t *Tools) topicActive(topic string) bool {
	if len(t.activeTopics) == 0 {
		return true
	}
	for _, a := range t.activeTopics {
		if strings.EqualFold(a, topic) {
			return true
		}
	}
	return false
}
