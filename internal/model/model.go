// Package model defines the core data types shared across Vestige's
// entity resolver, graph store, queue records, and agent tools.
package model

import "time"

// Message is an immutable, monotonically-id'd piece of raw user input.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TopicStatus controls whether entities under a topic participate in
// agent queries by default.
type TopicStatus string

const (
	TopicActive   TopicStatus = "active"
	TopicHot      TopicStatus = "hot"
	TopicInactive TopicStatus = "inactive"
)

// Topic groups entities under a named lifecycle bucket.
type Topic struct {
	Name   string      `json:"name"`
	Status TopicStatus `json:"status"`
}

// Entity is a node in the knowledge graph: a person, place, organization,
// or anything else the pipeline can name.
type Entity struct {
	ID                int64     `json:"id"`
	CanonicalName     string    `json:"canonical_name"`
	Type              string    `json:"type"`
	Aliases           []string  `json:"aliases"`
	Summary           string    `json:"summary,omitempty"`
	Topic             string    `json:"topic"`
	Embedding         []float32 `json:"embedding,omitempty"`
	Confidence        float64   `json:"confidence"`
	LastMentioned     int64     `json:"last_mentioned"`
	LastUpdated       time.Time `json:"last_updated"`
	LastProfiledMsgID int64     `json:"last_profiled_msg_id"`
}

// HasAlias reports whether name (case-insensitive) is already an alias.
func (e *Entity) HasAlias(name string) bool {
	for _, a := range e.Aliases {
		if equalFold(a, name) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Relationship is an undirected edge between two entities, canonicalized
// to a sorted (EntityA, EntityB) pair so (A,B) and (B,A) collapse to one
// edge.
type Relationship struct {
	EntityA    string  `json:"entity_a"`
	EntityB    string  `json:"entity_b"`
	Weight     int64   `json:"weight"`
	Confidence float64 `json:"confidence"`
	MessageIDs []int64 `json:"message_ids"`
	LastSeen   time.Time `json:"last_seen"`
}

// CanonicalPair returns (a, b) sorted lexicographically, matching the
// canonicalization rule relationships are stored under.
func CanonicalPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// DailyMood is an emotion checkpoint linked to the user entity.
type DailyMood struct {
	Date            string `json:"date"`
	Primary         string `json:"primary"`
	PrimaryCount    int    `json:"primary_count"`
	Secondary       string `json:"secondary"`
	SecondaryCount  int    `json:"secondary_count"`
	MessageCount    int    `json:"message_count"`
}

// MatchSource identifies which resolver subsystem produced a candidate.
type MatchSource string

const (
	MatchExact  MatchSource = "exact"
	MatchFuzzy  MatchSource = "fuzzy"
	MatchVector MatchSource = "vector"
	MatchHybrid MatchSource = "hybrid"
)

// MatchDetail is the resolver's working record for one resolution
// candidate; never persisted.
type MatchDetail struct {
	Source         MatchSource `json:"source"`
	Score          float64     `json:"score"`
	NormScore      float64     `json:"norm_score"`
	MatchedAliases string      `json:"matched_aliases,omitempty"`
}

// Candidate pairs an entity id with its match detail during resolution.
type Candidate struct {
	ID      int64       `json:"id"`
	Profile *Entity     `json:"profile,omitempty"`
	Match   MatchDetail `json:"match_detail"`
}

// ResolutionKind is the three-way outcome of EntityResolver.Resolve.
type ResolutionKind string

const (
	ResolvedKind  ResolutionKind = "resolved"
	AmbiguousKind ResolutionKind = "ambiguous"
	NewKind       ResolutionKind = "new"
)

// Resolution is the result of EntityResolver.Resolve.
type Resolution struct {
	Kind       ResolutionKind
	Resolved   *Candidate
	Ambiguous  []Candidate
}
