package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/llm"
)

// RunTimeout bounds one query end to end.
const RunTimeout = 60 * time.Second

// toolOutcome is the uniform shape one tool invocation's result takes
// while threading through the loop, mirroring loop.py's {"tool":
// ..., "result"|"error": ...} dicts.
type toolOutcome struct {
	tool    string
	summary string
	err     string
}

// Runner drives one query through the state machine, dispatching tool
// calls against Tools and asking llmSvc for the next move each turn.
// Grounded on original_source/agent/loop.py's run()/call_the_doctor().
type Runner struct {
	user     string
	llmSvc   llm.Service
	resolver *entity.Resolver
	tools    *Tools
	logger   *zap.Logger
}

// NewRunner constructs a Runner for one user; Tools should be built fresh
// per request via NewTools.
func NewRunner(user string, llmSvc llm.Service, resolver *entity.Resolver, tools *Tools, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{user: user, llmSvc: llmSvc, resolver: resolver, tools: tools, logger: logger}
}

// modelChoice is what one call_with_tools turn resolves to: either a
// single tool invocation name+args pair, finish, or clarification.
type modelChoice struct {
	finish        bool
	finishText    string
	clarify       bool
	clarifyText   string
	tool          string
	args          map[string]interface{}
	noToolChosen  bool
}

// Run executes one query from StateStart to a terminal state, returning
// either a complete (possibly partial) answer or a clarification request.
// maintenanceNotice, if non-empty, is prefixed onto the final response
// text (spec.md §7: "the agent's responses are prefixed with a short
// maintenance notice").
func (r *Runner) Run(ctx context.Context, userQuery string, history []ConversationTurn, hotTopics, activeTopics []string, maintenanceNotice string) (*RunResult, *QueryTrace) {
	ctx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()

	traceID := uuid.NewString()
	trace := &QueryTrace{TraceID: traceID, UserQuery: userQuery, StartedAt: time.Now()}

	if r.resolver.Count() <= 1 {
		response := "I don't know much about your world yet. Tell me about the people, places, and things in your life and I'll start remembering."
		if maintenanceNotice != "" {
			response = maintenanceNotice + "\n\n---\n\n" + response
		}
		return &RunResult{Status: StatusComplete, Response: response, State: StateStart}, trace
	}

	state := NewContextState(traceID, userQuery, history, hotTopics, activeTopics)
	machine := NewStateMachine(state)

	if len(hotTopics) > 0 {
		if hotCtx, err := r.tools.GetHotTopicContext(ctx, hotTopics); err == nil {
			state.HotTopicContext = hotCtx
		}
	}

	var lastResults []toolOutcome
	for !state.CurrentState.IsTerminal() {
		state.AttemptCount++
		if state.AttemptCount >= state.MaxAttempts {
			return r.clarification(state, "I'm having trouble processing this. Could you rephrase your question?", maintenanceNotice), trace
		}

		if state.CallCount >= state.MaxCalls {
			if machine.CanFinish() {
				return r.partialComplete(state, maintenanceNotice), trace
			}
			return r.clarification(state, "I couldn't find relevant information. Could you rephrase or be more specific?", maintenanceNotice), trace
		}

		state.CurrentStep++
		stepStart := time.Now()

		choice, err := r.askModel(ctx, state, lastResults)
		if err != nil {
			r.logger.Warn("agent model call failed", zap.Error(err))
			return r.clarification(state, "I'm having trouble reaching my reasoning service. Please try again.", maintenanceNotice), trace
		}

		if choice.noToolChosen {
			return r.complete(state, "I couldn't determine how to help.", maintenanceNotice), trace
		}

		if choice.clarify {
			valid, reason := machine.Validate("request_clarification", nil)
			if !valid {
				lastResults = []toolOutcome{{tool: "request_clarification", err: reason}}
				continue
			}
			machine.RequestClarification()
			return r.clarification(state, choice.clarifyText, maintenanceNotice), trace
		}

		if choice.finish {
			valid, reason := machine.Validate("finish", nil)
			if !valid {
				lastResults = []toolOutcome{{tool: "finish", err: reason}}
				continue
			}
			machine.RecordCall("finish", nil)
			machine.Finish()
			return r.complete(state, choice.finishText, maintenanceNotice), trace
		}

		valid, reason := machine.Validate(choice.tool, choice.args)
		if !valid {
			trace.Entries = append(trace.Entries, TraceEntry{
				Step: state.CurrentStep, State: state.CurrentState, Tool: choice.tool, Args: choice.args,
				ResultSummary: fmt.Sprintf("Validation failed: %s", reason), Error: reason,
				DurationMS: msSince(stepStart),
			})
			state.ConsecutiveRejections++
			lastResults = []toolOutcome{{tool: choice.tool, err: reason}}
			if state.ConsecutiveRejections >= MaxConsecutiveRejections {
				if machine.CanFinish() {
					return r.complete(state, "I found some information but had trouble completing the search.", maintenanceNotice), trace
				}
				return r.clarification(state, "I'm having trouble with that search. Could you rephrase or be more specific?", maintenanceNotice), trace
			}
			continue
		}

		result, execErr := r.execute(ctx, choice.tool, choice.args)
		summary, count := summarizeResult(choice.tool, result, execErr)

		entry := TraceEntry{
			Step: state.CurrentStep, State: state.CurrentState, Tool: choice.tool,
			Args: choice.args, ResolvedArgs: choice.args,
			ResultSummary: summary, ResultCount: count, DurationMS: msSince(stepStart),
		}
		if execErr != nil {
			entry.Error = execErr.Error()
		}
		trace.Entries = append(trace.Entries, entry)

		machine.RecordCall(choice.tool, choice.args)
		state.ConsecutiveRejections = 0

		if execErr == nil {
			updateAccumulators(state, choice.tool, result)
		}

		outcome := toolOutcome{tool: choice.tool, summary: summary}
		if execErr != nil {
			outcome.err = execErr.Error()
		}
		lastResults = []toolOutcome{outcome}

		machine.TryAdvance()
	}

	return r.complete(state, "I encountered a state error and could not finish.", maintenanceNotice), trace
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func (r *Runner) complete(state *ContextState, response, notice string) *RunResult {
	if notice != "" {
		response = notice + "\n\n---\n\n" + response
	}
	return &RunResult{
		Status: StatusComplete, Response: response, ToolsUsed: state.ToolsUsed, State: state.CurrentState,
		Messages: state.RetrievedMessages, Profiles: state.EntityProfiles, Graph: state.GraphResults,
	}
}

func (r *Runner) clarification(state *ContextState, question, notice string) *RunResult {
	if notice != "" {
		question = notice + "\n\n---\n\n" + question
	}
	return &RunResult{Status: StatusClarificationNeeded, Question: question, ToolsUsed: state.ToolsUsed, State: state.CurrentState}
}

func (r *Runner) partialComplete(state *ContextState, notice string) *RunResult {
	response := "Here's what I found, though I couldn't fully answer your question:\n"
	if len(state.EntityProfiles) > 0 {
		response += fmt.Sprintf("- Found profiles: %s\n", summarizeProfiles(state.EntityProfiles))
	}
	if len(state.RetrievedMessages) > 0 {
		response += fmt.Sprintf("- Found %d related messages\n", len(state.RetrievedMessages))
	}
	return r.complete(state, response, notice)
}

// askModel asks the LLM for the next move and classifies it into a
// modelChoice. Exactly one tool must be chosen (tool_choice "required");
// multi-call turns aren't modeled here since the teacher's tool schema
// only ever returns one invocation at a time in practice.
func (r *Runner) askModel(ctx context.Context, state *ContextState, lastResults []toolOutcome) (modelChoice, error) {
	system := BuildSystemPrompt(r.user, time.Now())
	user := buildUserMessage(state, lastResults)

	resp, err := r.llmSvc.CallWithTools(ctx, system, user, ToolSchemas)
	if err != nil {
		return modelChoice{}, fmt.Errorf("call with tools: %w", err)
	}
	if resp == nil || len(resp.ToolCalls) == 0 {
		return modelChoice{noToolChosen: true}, nil
	}

	tc := resp.ToolCalls[0]
	var args map[string]interface{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return modelChoice{}, fmt.Errorf("unmarshal tool arguments: %w", err)
		}
	}

	switch tc.Name {
	case "finish":
		text, _ := args["response"].(string)
		return modelChoice{finish: true, finishText: text}, nil
	case "request_clarification":
		text, _ := args["question"].(string)
		return modelChoice{clarify: true, clarifyText: text}, nil
	default:
		return modelChoice{tool: tc.Name, args: args}, nil
	}
}

// execute dispatches one validated tool call against Tools.
func (r *Runner) execute(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	switch tool {
	case "search_messages":
		query, _ := args["query"].(string)
		limit := intArg(args, "limit", 5)
		return r.tools.SearchMessages(ctx, query, limit)
	case "search_entities":
		query, _ := args["query"].(string)
		return r.tools.SearchEntities(ctx, query, 5)
	case "get_profile":
		name, _ := args["entity_name"].(string)
		return r.tools.GetProfile(ctx, name)
	case "get_connections":
		name, _ := args["entity_name"].(string)
		activeOnly := true
		if v, ok := args["active_only"].(bool); ok {
			activeOnly = v
		}
		return r.tools.GetConnections(ctx, name, activeOnly)
	case "get_activity":
		name, _ := args["entity_name"].(string)
		hours := intArg(args, "hours", 24)
		return r.tools.GetRecentActivity(ctx, name, hours)
	case "find_path":
		a, _ := args["entity_a"].(string)
		b, _ := args["entity_b"].(string)
		return r.tools.FindPath(ctx, a, b)
	default:
		return nil, fmt.Errorf("unknown tool: %s", tool)
	}
}

func intArg(args map[string]interface{}, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// summarizeResult renders a one-line trace summary and an evidence count
// for one tool's result, mirroring loop.py's summarize_result.
func summarizeResult(tool string, result interface{}, err error) (string, int) {
	if err != nil {
		return fmt.Sprintf("Error: %s", err), 0
	}
	switch tool {
	case "get_profile":
		p, ok := result.(*EntitySummary)
		if !ok || p == nil {
			return "Not found", 0
		}
		return fmt.Sprintf("Found: %s (%s)", p.Name, p.Type), 1
	case "get_connections", "get_activity":
		list, _ := result.([]GraphResult)
		return fmt.Sprintf("Found %d results", len(list)), len(list)
	case "search_messages":
		list, _ := result.([]MessageResult)
		return fmt.Sprintf("Found %d results", len(list)), len(list)
	case "search_entities":
		list, _ := result.([]EntitySummary)
		return fmt.Sprintf("Found %d results", len(list)), len(list)
	case "find_path":
		list, _ := result.([]GraphResult)
		if len(list) == 0 {
			return "No path", 0
		}
		return fmt.Sprintf("Path found: %d hops", len(list)), len(list)
	default:
		return "Completed", 1
	}
}

// updateAccumulators folds one tool's result into the matching
// accumulator, mirroring loop.py's update_accumulators.
func updateAccumulators(state *ContextState, tool string, result interface{}) {
	switch tool {
	case "search_messages":
		if list, ok := result.([]MessageResult); ok {
			state.RetrievedMessages = append(state.RetrievedMessages, list...)
		}
	case "search_entities":
		if list, ok := result.([]EntitySummary); ok {
			state.EntityProfiles = append(state.EntityProfiles, list...)
		}
	case "get_profile":
		if p, ok := result.(*EntitySummary); ok && p != nil {
			state.EntityProfiles = append(state.EntityProfiles, *p)
		}
	case "get_connections", "get_activity", "find_path":
		if list, ok := result.([]GraphResult); ok {
			state.GraphResults = append(state.GraphResults, list...)
		}
	}
}
