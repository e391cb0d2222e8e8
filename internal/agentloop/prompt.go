package agentloop

import (
	"fmt"
	"strings"
	"time"

	"github.com/vestige-memory/vestige/internal/llm"
)

// systemPromptTemplate frames the agent's persona and ground rules,
// mirroring original_source/main/system_prompt.py's get_stella_prompt.
const systemPromptTemplate = `You are Vestige, a personal memory assistant for %s.
Current time: %s.

Use the available tools to ground your answer in what you actually know about the user's
world before responding. Prefer search_entities/search_messages to orient yourself, then
get_profile/get_connections/get_activity/find_path to gather specifics. Call finish once you
have enough evidence to answer, or request_clarification if the query is too ambiguous to
proceed. Never fabricate facts not supported by tool results.`

// BuildSystemPrompt renders the persona prompt for one run.
func BuildSystemPrompt(userName string, now time.Time) string {
	return fmt.Sprintf(systemPromptTemplate, userName, now.UTC().Format("2006-01-02 15:04 MST"))
}

// ToolSchemas is the fixed tool table offered to the agent model on every
// turn, mirroring original_source/schema/tool_schema.py's TOOL_SCHEMAS.
var ToolSchemas = []llm.ToolSchema{
	{
		Name:        "search_messages",
		Description: "Search recent conversation turns for text matching a query.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        "search_entities",
		Description: "Search for a person, place, or thing by name or partial name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        "get_profile",
		Description: "Get the full profile for a known entity by exact or near-exact name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_name": map[string]interface{}{"type": "string"},
			},
			"required": []string{"entity_name"},
		},
	},
	{
		Name:        "get_connections",
		Description: "Find entities connected to a given entity.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_name": map[string]interface{}{"type": "string"},
				"active_only": map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"entity_name"},
		},
	},
	{
		Name:        "get_activity",
		Description: "Get recent interactions involving an entity within a time window.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_name": map[string]interface{}{"type": "string"},
				"hours":       map[string]interface{}{"type": "integer"},
			},
			"required": []string{"entity_name"},
		},
	},
	{
		Name:        "find_path",
		Description: "Find the shortest connection path between two entities.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"entity_a": map[string]interface{}{"type": "string"},
				"entity_b": map[string]interface{}{"type": "string"},
			},
			"required": []string{"entity_a", "entity_b"},
		},
	},
	{
		Name:        "finish",
		Description: "Finish the run and answer the user's query using the gathered evidence.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"response": map[string]interface{}{"type": "string"},
			},
			"required": []string{"response"},
		},
	},
	{
		Name:        "request_clarification",
		Description: "Ask the user a clarifying question instead of answering.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]interface{}{"type": "string"},
			},
			"required": []string{"question"},
		},
	},
}

// buildUserMessage renders the per-turn user message: recent history,
// the query, budget remaining, the last tool result, and the truncated
// accumulators. Mirrors original_source/agent/loop.py's build_user_message.
func buildUserMessage(ctx *ContextState, lastResults []toolOutcome) string {
	var sb strings.Builder

	if len(ctx.History) > 0 {
		recent := ctx.History
		if len(recent) > 4 {
			recent = recent[len(recent)-4:]
		}
		sb.WriteString("**Recent conversation:**\n")
		for _, turn := range recent {
			role := "User"
			if turn.Role != "user" {
				role = "Vestige"
			}
			fmt.Fprintf(&sb, "%s: %s\n", role, turn.Content)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "**Query:** %s\n", ctx.UserQuery)
	fmt.Fprintf(&sb, "**State:** %s\n", ctx.CurrentState)
	fmt.Fprintf(&sb, "**Calls remaining:** %d\n", ctx.MaxCalls-ctx.CallCount)

	if len(lastResults) > 0 {
		sb.WriteString("\n**Last tool result(s):**\n")
		for _, r := range lastResults {
			if r.err != "" {
				fmt.Fprintf(&sb, "- `%s`: Error - %s\n", r.tool, r.err)
				continue
			}
			if r.summary == "" {
				fmt.Fprintf(&sb, "- `%s`: No results found\n", r.tool)
				continue
			}
			fmt.Fprintf(&sb, "- `%s`: %s\n", r.tool, r.summary)
		}
	}

	if len(ctx.EntityProfiles) > 0 {
		fmt.Fprintf(&sb, "\n**Accumulated profiles (%d):** %s\n", len(ctx.EntityProfiles), summarizeProfiles(ctx.EntityProfiles))
	}
	if len(ctx.GraphResults) > 0 {
		fmt.Fprintf(&sb, "\n**Accumulated graph results (%d)**\n", len(ctx.GraphResults))
	}
	if len(ctx.RetrievedMessages) > 0 {
		fmt.Fprintf(&sb, "\n**Accumulated messages (%d)**\n", len(ctx.RetrievedMessages))
	}

	return sb.String()
}

func summarizeProfiles(profiles []EntitySummary) string {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}
