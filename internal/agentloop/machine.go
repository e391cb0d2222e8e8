package agentloop

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// State is one node of the agent's state machine.
type State string

const (
	StateStart    State = "start"
	StateExploring State = "exploring"
	StateGrounded State = "grounded"
	StateClarify  State = "clarify"
	StateComplete State = "complete"
)

// IsTerminal reports whether s ends a run.
func (s State) IsTerminal() bool {
	return s == StateClarify || s == StateComplete
}

// transitions maps a tool name to the set of states it may fire from and
// the state it lands in. A self-loop lists the same state on both sides.
// advance is internal-only: the loop never validates it as a tool name.
var transitions = map[string]map[State]State{
	"search_messages":        {StateStart: StateExploring, StateExploring: StateExploring, StateGrounded: StateGrounded},
	"search_entities":        {StateStart: StateExploring, StateExploring: StateExploring, StateGrounded: StateGrounded},
	"get_profile":            {StateExploring: StateExploring, StateGrounded: StateGrounded},
	"get_connections":        {StateExploring: StateExploring, StateGrounded: StateGrounded},
	"get_activity":           {StateExploring: StateExploring, StateGrounded: StateGrounded},
	"find_path":              {StateGrounded: StateGrounded},
	"finish":                 {StateExploring: StateComplete, StateGrounded: StateComplete},
	"request_clarification":  {StateStart: StateClarify, StateExploring: StateClarify, StateGrounded: StateClarify},
}

// StateMachine wraps a ContextState with the transition table, a
// duplicate-call suppression set, and the validate/advance logic
// original_source/agent/orchestrate.py implements as a statemachine.StateMachine
// subclass.
type StateMachine struct {
	ctx *ContextState

	mu    sync.Mutex
	calls map[string]bool
}

// NewStateMachine wraps ctx, which starts in StateStart.
func NewStateMachine(ctx *ContextState) *StateMachine {
	return &StateMachine{ctx: ctx, calls: make(map[string]bool)}
}

// callSignature renders (tool, sorted args) into a stable dedup key.
func callSignature(tool string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(tool)
	for _, k := range keys {
		fmt.Fprintf(&sb, "|%s=%v", k, args[k])
	}
	return sb.String()
}

// allowedFrom reports the destination state for tool from the current
// state, and whether that transition exists at all.
func (m *StateMachine) allowedFrom(tool string, from State) (State, bool) {
	table, ok := transitions[tool]
	if !ok {
		return "", false
	}
	to, ok := table[from]
	return to, ok
}

// Validate implements orchestrate.py's validate(): call-budget, duplicate
// suppression, finish-requires-evidence, and reachability, in that order.
// request_clarification only checks reachability (it must remain
// available even once the call budget is exhausted).
func (m *StateMachine) Validate(tool string, args map[string]interface{}) (bool, string) {
	if tool == "request_clarification" {
		if _, ok := m.allowedFrom(tool, m.ctx.CurrentState); !ok {
			return false, fmt.Sprintf("cannot clarify from %s", m.ctx.CurrentState)
		}
		return true, ""
	}

	if m.ctx.CallCount >= m.ctx.MaxCalls {
		return false, "call limit reached"
	}

	sig := callSignature(tool, args)
	m.mu.Lock()
	dup := m.calls[sig]
	m.mu.Unlock()
	if dup {
		return false, fmt.Sprintf("already called %s with these args; use the accumulated result or try a different tool", tool)
	}

	if tool == "finish" && !m.CanFinish() {
		return false, "no evidence gathered"
	}

	if _, ok := m.allowedFrom(tool, m.ctx.CurrentState); !ok {
		return false, fmt.Sprintf("cannot %s from %s", tool, m.ctx.CurrentState)
	}

	return true, ""
}

// RecordCall marks (tool, args) as issued, bumps the call count, appends
// to ToolsUsed, and applies the transition.
func (m *StateMachine) RecordCall(tool string, args map[string]interface{}) {
	sig := callSignature(tool, args)
	m.mu.Lock()
	m.calls[sig] = true
	m.mu.Unlock()

	m.ctx.CallCount++
	m.ctx.ToolsUsed = append(m.ctx.ToolsUsed, tool)

	if to, ok := m.allowedFrom(tool, m.ctx.CurrentState); ok {
		m.ctx.CurrentState = to
	}
}

// Finish transitions into StateComplete, bypassing the call-count bump
// RecordCall would otherwise apply (finish itself is still recorded by
// the caller via RecordCall before invoking Finish, matching
// orchestrate.py's machine.record_call("finish", {}); machine.finish()).
func (m *StateMachine) Finish() {
	if to, ok := m.allowedFrom("finish", m.ctx.CurrentState); ok {
		m.ctx.CurrentState = to
	}
}

// RequestClarification transitions into StateClarify.
func (m *StateMachine) RequestClarification() {
	if to, ok := m.allowedFrom("request_clarification", m.ctx.CurrentState); ok {
		m.ctx.CurrentState = to
	}
}

// CanFinish reports whether any accumulator holds evidence.
func (m *StateMachine) CanFinish() bool {
	return len(m.ctx.EntityProfiles) > 0 || len(m.ctx.RetrievedMessages) > 0 || len(m.ctx.GraphResults) > 0
}

// TryAdvance fires the internal exploring->grounded transition once the
// accumulators hold at least one entity profile and at least one of
// (graph results, retrieved messages).
func (m *StateMachine) TryAdvance() {
	if m.ctx.CurrentState != StateExploring {
		return
	}
	hasProfiles := len(m.ctx.EntityProfiles) > 0
	hasEvidence := len(m.ctx.GraphResults) > 0 || len(m.ctx.RetrievedMessages) > 0
	if hasProfiles && hasEvidence {
		m.ctx.CurrentState = StateGrounded
	}
}
