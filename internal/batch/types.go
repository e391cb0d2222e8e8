package batch

// Mention is one (name, type, topic) tuple NLPPipeline.extract_mentions
// yields for a single message.
type Mention struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type mentionExtraction struct {
	Mentions []Mention `json:"mentions"`
}

// Verdict is the three-way disambiguation outcome a mention resolves to.
type Verdict string

const (
	VerdictExisting  Verdict = "EXISTING"
	VerdictNewGroup  Verdict = "NEW_GROUP"
	VerdictNewSingle Verdict = "NEW_SINGLE"
)

// ResolutionEntry is one parsed line of the disambiguation reasoning
// block: either a match against a known canonical, or a group/single of
// mentions that should become a new entity. For EXISTING, Mentions holds
// the one raw mention that resolved to Canonical; for NEW_GROUP/
// NEW_SINGLE it holds every mention folding into the new entity.
type ResolutionEntry struct {
	Verdict   Verdict  `json:"verdict"`
	Canonical string   `json:"canonical,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
}

type resolutionEntries struct {
	Entries []ResolutionEntry `json:"entries"`
}

// MessageConnection is one parsed relationship line: two entity names
// co-occurring in a message, with a confidence derived from the stated
// reason.
type MessageConnection struct {
	MessageID int64   `json:"message_id"`
	EntityA   string  `json:"entity_a"`
	EntityB   string  `json:"entity_b"`
	Reason    string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type messageConnections struct {
	Connections []MessageConnection `json:"connections"`
}
