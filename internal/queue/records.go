package queue

// RecordKind distinguishes the three payload shapes GraphBuilder handles
// off the structure stream.
type RecordKind string

const (
	RecordUserMessage   RecordKind = "USER_MESSAGE"
	RecordProfileUpdate RecordKind = "PROFILE_UPDATE"
	RecordSystemEntity  RecordKind = "SYSTEM_ENTITY"
)

// EntityRecord is the wire shape of one entity inside a StructureRecord;
// newly-created entities carry a nil Embedding until the profile job fills
// it in.
type EntityRecord struct {
	ID            int64     `json:"id"`
	CanonicalName string    `json:"canonical_name"`
	Type          string    `json:"type"`
	Aliases       []string  `json:"aliases"`
	Topic         string    `json:"topic"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

// RelationshipRecord is the wire shape of one relationship edge inside a
// StructureRecord.
type RelationshipRecord struct {
	EntityA    string  `json:"entity_a"`
	EntityB    string  `json:"entity_b"`
	Weight     int64   `json:"weight"`
	Confidence float64 `json:"confidence"`
	MessageIDs []int64 `json:"message_ids"`
}

// StructureRecord is published to the structure stream by the batch
// processor (Kind USER_MESSAGE) or at bootstrap (Kind SYSTEM_ENTITY), and
// consumed by GraphBuilder.
type StructureRecord struct {
	Kind          RecordKind           `json:"kind"`
	MessageID     int64                `json:"message_id,omitempty"`
	Entities      []EntityRecord       `json:"entities"`
	Relationships []RelationshipRecord `json:"relationships,omitempty"`
}

// ProfileRecord is published to the profile stream once a background
// profile-update task computes a new summary and embedding for an entity.
type ProfileRecord struct {
	EntityID          int64     `json:"entity_id"`
	Summary           string    `json:"summary"`
	Embedding         []float32 `json:"embedding"`
	LastProfiledMsgID int64     `json:"last_profiled_msg_id"`
}
