// Package agentloop is the tool-calling orchestrator that answers a
// user's query against the resolver and graph store: a small state
// machine bounds which tools are reachable from where, a call budget and
// duplicate-call suppression keep a run bounded, and three accumulators
// (retrieved messages, entity profiles, graph results; there is no
// web-results accumulator) collect evidence across tool calls until the model finishes or asks
// for clarification. Grounded on original_source/agent/loop.py,
// orchestrate.py, and tools.py.
package agentloop

import "time"

// DefaultMaxCalls bounds how many tools one query may invoke.
const DefaultMaxCalls = 5

// DefaultMaxAttempts bounds how many times the loop asks the model for a
// tool choice, including rejected and duplicate attempts.
const DefaultMaxAttempts = 10

// MaxConsecutiveRejections is how many validation rejections in a row
// force an early exit (partial answer or clarification).
const MaxConsecutiveRejections = 3

// ContextState accumulates everything one query run has gathered:
// conversation framing, the three evidence accumulators, and bookkeeping
// for the call budget and duplicate-call suppression.
type ContextState struct {
	UserQuery    string
	TraceID      string
	CurrentState State
	CurrentStep  int

	CallCount             int
	MaxCalls              int
	AttemptCount          int
	MaxAttempts           int
	ConsecutiveRejections int

	History         []ConversationTurn
	HotTopics       []string
	ActiveTopics    []string
	HotTopicContext map[string][]EntitySummary

	RetrievedMessages []MessageResult
	EntityProfiles    []EntitySummary
	GraphResults      []GraphResult

	ToolsUsed []string
}

// NewContextState seeds a ContextState with the default budgets.
func NewContextState(traceID, userQuery string, history []ConversationTurn, hotTopics, activeTopics []string) *ContextState {
	return &ContextState{
		UserQuery:    userQuery,
		TraceID:      traceID,
		CurrentState: StateStart,
		MaxCalls:     DefaultMaxCalls,
		MaxAttempts:  DefaultMaxAttempts,
		History:      history,
		HotTopics:    hotTopics,
		ActiveTopics: activeTopics,
	}
}

// ConversationTurn is one prior turn fed back into the model's prompt.
type ConversationTurn struct {
	Role    string
	Content string
}

// EntitySummary is the shape returned by search_entities/get_profile:
// either a partial hit or a full profile, both fit the same fields.
type EntitySummary struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Type    string `json:"type"`
	Aliases []string `json:"aliases,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// MessageResult is one hit from search_messages.
type MessageResult struct {
	ID        string             `json:"id"`
	Role      string             `json:"role"`
	Message   string             `json:"message"`
	Timestamp time.Time          `json:"timestamp"`
	Score     float64            `json:"score"`
	Context   []ConversationTurn `json:"context,omitempty"`
}

// GraphResult is one hit from get_connections, get_activity, or
// find_path.
type GraphResult struct {
	Source             string    `json:"source,omitempty"`
	Target             string    `json:"target"`
	TargetSummary      string    `json:"target_summary,omitempty"`
	ConnectionStrength float64   `json:"connection_strength,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	LastSeen           int64     `json:"last_seen,omitempty"`
	Evidence           []string  `json:"evidence,omitempty"`
	Hidden             bool      `json:"hidden,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// TraceEntry records one tool-call attempt, validated or not, for
// observability. Traces never feed back into control flow.
type TraceEntry struct {
	Step          int
	State         State
	Tool          string
	Args          map[string]interface{}
	ResolvedArgs  map[string]interface{}
	ResultSummary string
	ResultCount   int
	DurationMS    float64
	Error         string
}

// QueryTrace is the full record of one run, keyed by a fresh id.
type QueryTrace struct {
	TraceID   string
	UserQuery string
	StartedAt time.Time
	Entries   []TraceEntry
}

// RunStatus distinguishes the two terminal outcomes a run can reach.
type RunStatus string

const (
	StatusComplete            RunStatus = "complete"
	StatusClarificationNeeded RunStatus = "clarification_needed"
)

// RunResult is what Run returns: either a (possibly partial) answer with
// accumulated evidence, or a clarifying question.
type RunResult struct {
	Status    RunStatus
	Response  string
	Question  string
	ToolsUsed []string
	State     State
	Messages  []MessageResult
	Profiles  []EntitySummary
	Graph     []GraphResult
}
