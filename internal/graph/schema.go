// Package graph provides the knowledge-graph schema and DGraph-backed
// GraphStore for Vestige's Entity/Relationship/Topic/DailyMood model.
package graph

import "time"

// NodeType is the DGraph dgraph.type value for a node.
type NodeType string

const (
	NodeTypeUser      NodeType = "User"
	NodeTypeEntity    NodeType = "Entity"
	NodeTypeTopic     NodeType = "Topic"
	NodeTypeDailyMood NodeType = "DailyMood"
)

// schemaText is the DGraph schema Alter applied at Store construction:
// exact/term/fulltext indexes on names, hour-granularity datetime
// indexes, float/int indexes on numeric ranking fields, and a narrow
// node/edge vocabulary scoped to entities, topics, and moods.
const schemaText = `
	type User {
		name
		created_at
	}

	type Entity {
		name
		entity_id
		entity_type
		aliases
		summary
		topic
		embedding_json
		confidence
		last_mentioned
		last_updated
		last_profiled_msg_id
	}

	type Topic {
		topic_name
		topic_status
	}

	type DailyMood {
		mood_date
		mood_primary
		mood_primary_count
		mood_secondary
		mood_secondary_count
		mood_message_count
	}

	name: string @index(exact, term, fulltext) .
	created_at: datetime @index(hour) .

	entity_id: int @index(int) .
	entity_type: string @index(exact) .
	aliases: [string] @index(exact, term) .
	summary: string @index(fulltext) .
	topic: string @index(exact) .
	embedding_json: string .
	confidence: float @index(float) .
	last_mentioned: int @index(int) .
	last_updated: datetime @index(hour) .
	last_profiled_msg_id: int .

	topic_name: string @index(exact) .
	topic_status: string @index(exact) .

	mood_date: string @index(exact) .
	mood_primary: string @index(exact) .
	mood_primary_count: int .
	mood_secondary: string @index(exact) .
	mood_secondary_count: int .
	mood_message_count: int .

	related_to: [uid] @reverse @count .
	belongs_to_topic: uid @reverse .
	has_mood: [uid] @reverse .
	knows: [uid] @reverse .
`

// EntityNode is the DGraph-shaped projection of model.Entity.
type EntityNode struct {
	UID               string    `json:"uid,omitempty"`
	DType             []string  `json:"dgraph.type,omitempty"`
	Name              string    `json:"name,omitempty"`
	EntityID          int64     `json:"entity_id,omitempty"`
	EntityType        string    `json:"entity_type,omitempty"`
	Aliases           []string  `json:"aliases,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Topic             string    `json:"topic,omitempty"`
	EmbeddingJSON     string    `json:"embedding_json,omitempty"`
	Confidence        float64   `json:"confidence,omitempty"`
	LastMentioned     int64     `json:"last_mentioned,omitempty"`
	LastUpdated       time.Time `json:"last_updated,omitempty"`
	LastProfiledMsgID int64     `json:"last_profiled_msg_id,omitempty"`
	RelatedTo         []EntityEdge `json:"related_to,omitempty"`
}

// EntityEdge is one related_to edge with its facets, the DGraph analog of
// model.Relationship (an entity-to-entity edge, not entity-to-topic).
type EntityEdge struct {
	UID        string  `json:"uid,omitempty"`
	Name       string  `json:"name,omitempty"`
	EntityID   int64   `json:"entity_id,omitempty"`
	Weight     int64   `json:"related_to|weight,omitempty"`
	Confidence float64 `json:"related_to|confidence,omitempty"`
	LastSeen   int64   `json:"related_to|last_seen,omitempty"`
	MessageIDs string  `json:"related_to|message_ids,omitempty"` // comma-joined
}

// TopicNode is the DGraph projection of a named topic bucket.
type TopicNode struct {
	UID    string `json:"uid,omitempty"`
	DType  []string `json:"dgraph.type,omitempty"`
	Name   string `json:"topic_name,omitempty"`
	Status string `json:"topic_status,omitempty"`
}

// MoodNode is the DGraph projection of model.DailyMood.
type MoodNode struct {
	UID            string `json:"uid,omitempty"`
	DType          []string `json:"dgraph.type,omitempty"`
	Date           string `json:"mood_date,omitempty"`
	Primary        string `json:"mood_primary,omitempty"`
	PrimaryCount   int    `json:"mood_primary_count,omitempty"`
	Secondary      string `json:"mood_secondary,omitempty"`
	SecondaryCount int    `json:"mood_secondary_count,omitempty"`
	MessageCount   int    `json:"mood_message_count,omitempty"`
}
