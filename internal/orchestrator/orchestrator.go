// Package orchestrator composes extraction, planning, policy,
// execution, reduction, and rendering into the single decide step the
// platform calls once per inbound message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nictes1/orquesta/internal/broker"
	"github.com/nictes1/orquesta/internal/extract"
	"github.com/nictes1/orquesta/internal/manifest"
	"github.com/nictes1/orquesta/internal/nlg"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/plan"
	"github.com/nictes1/orquesta/internal/policy"
	"github.com/nictes1/orquesta/internal/reduce"
	"github.com/nictes1/orquesta/internal/workspace"
)

// NextAction tells the platform what this turn amounted to.
type NextAction string

const (
	ActionGreet           NextAction = "GREET"
	ActionSlotFill        NextAction = "SLOT_FILL"
	ActionRetrieveContext NextAction = "RETRIEVE_CONTEXT"
	ActionExecute         NextAction = "EXECUTE_ACTION"
	ActionAnswer          NextAction = "ANSWER"
	ActionAskHuman        NextAction = "ASK_HUMAN"
)

// ErrInvalidSnapshot is returned when the snapshot lacks required ids.
var ErrInvalidSnapshot = errors.New("invalid conversation snapshot")

// Snapshot is the immutable per-turn input: one inbound message plus
// the conversation state accumulated so far.
type Snapshot struct {
	ConversationID string         `json:"conversation_id"`
	WorkspaceID    string         `json:"workspace_id"`
	Utterance      string         `json:"utterance"`
	Greeted        bool           `json:"greeted,omitempty"`
	Slots          map[string]any `json:"slots,omitempty"`

	// Objective is an optional free-text conversation goal, fed to the
	// extractor as business context.
	Objective string `json:"objective,omitempty"`

	// LastAction and AttemptsCount describe the previous turn, for
	// correlation in logs.
	LastAction    string `json:"last_action,omitempty"`
	AttemptsCount int    `json:"attempts_count,omitempty"`

	// Observations is the tool observation history carried over from
	// earlier turns, most recent last.
	Observations []broker.Observation `json:"observations,omitempty"`

	// CalledTools lists tools already executed earlier in this
	// conversation, for tools_first ordering.
	CalledTools []string `json:"called_tools,omitempty"`
}

func (s *Snapshot) validate() error {
	if s.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidSnapshot)
	}
	if s.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", ErrInvalidSnapshot)
	}
	return nil
}

// ToolCall records what happened to one planned action.
type ToolCall struct {
	Tool string `json:"tool"`

	// Args is the executed argument set, PII redacted. Empty for
	// actions that never reached the broker.
	Args map[string]any `json:"args,omitempty"`

	Decision policy.Decision `json:"decision"`
	Reason   string          `json:"reason,omitempty"`

	// Skipped marks actions not executed because an earlier action in
	// the same plan failed.
	Skipped bool `json:"skipped,omitempty"`

	// Observation is set only for executed actions.
	Observation *broker.Observation `json:"observation,omitempty"`
}

// DecideResponse is the full outcome of one turn.
type DecideResponse struct {
	RequestID  string         `json:"request_id"`
	Assistant  string         `json:"assistant"`
	NextAction NextAction     `json:"next_action"`
	Intent     extract.Intent `json:"intent"`
	Confidence float64        `json:"confidence"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Slots is the new conversation state to persist.
	Slots map[string]any `json:"slots"`

	// Observations is the trimmed tool observation history including
	// this turn, for the platform to hand back on the next snapshot.
	Observations []broker.Observation `json:"observations,omitempty"`

	// CalledTools is the updated cumulative tool list.
	CalledTools []string `json:"called_tools,omitempty"`

	// End marks the conversation goal as reached.
	End bool `json:"end"`
}

// Engine wires the subsystems together. Construct once, share freely.
type Engine struct {
	workspaces workspace.Resolver
	manifests  *manifest.Store
	extractor  *extract.Extractor
	planner    *plan.Planner
	policy     *policy.Engine
	broker     *broker.Broker
	logger     *observability.Logger
	metrics    *observability.Metrics

	newID func() string
	now   func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics attaches turn metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator overrides request id generation, for tests.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New creates the turn engine.
func New(
	workspaces workspace.Resolver,
	manifests *manifest.Store,
	extractor *extract.Extractor,
	planner *plan.Planner,
	policyEngine *policy.Engine,
	toolBroker *broker.Broker,
	logger *observability.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Engine{
		workspaces: workspaces,
		manifests:  manifests,
		extractor:  extractor,
		planner:    planner,
		policy:     policyEngine,
		broker:     toolBroker,
		logger:     logger,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs one full turn. It returns an error only for invalid
// input or an unresolvable workspace; everything downstream degrades
// into the response instead of failing the turn.
func (e *Engine) Decide(ctx context.Context, snap Snapshot) (*DecideResponse, error) {
	if err := snap.validate(); err != nil {
		return nil, err
	}

	requestID := e.newID()
	ctx = observability.WithTurn(ctx, snap.ConversationID, snap.WorkspaceID, requestID)
	ctx, span := observability.StartSpan(ctx, "orchestrator.decide")
	defer span.End()

	start := e.now()
	defer func() {
		if e.metrics != nil {
			e.metrics.TurnDuration.Observe(e.now().Sub(start).Seconds())
		}
	}()

	ws, err := e.workspaces.Workspace(ctx, snap.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", snap.WorkspaceID, err)
	}
	m, err := e.manifests.For(string(ws.Vertical), ws.ID)
	if err != nil {
		return nil, fmt.Errorf("load manifest for %s: %w", ws.Vertical, err)
	}

	// 1. Extract intent and slots from the utterance.
	extracted := e.extractor.Extract(ctx, snap.Utterance, extractorHints(snap), ws.Location())
	e.logger.Event(ctx, "intent_detected",
		"intent", string(extracted.Intent),
		"confidence", extracted.Confidence,
		"last_action", snap.LastAction,
		"attempts", snap.AttemptsCount,
	)

	// 2. Merge extracted slots over the prior state.
	merged := reduce.Apply(snap.Slots, reduce.Patch{Slots: extracted.Slots})

	// 3. Plan tool calls.
	planned := e.planner.Plan(ctx, plan.Input{
		Extractor:    extracted,
		AllowedTools: m.Names(),
		WorkspaceID:  ws.ID,
		Slots:        merged,
	})
	e.logger.Event(ctx, "plan_generated",
		"plan_version", planned.PlanVersion,
		"actions", len(planned.Actions),
	)

	// 4. Gate every action.
	results := e.policy.CheckPlan(ctx, planned.Actions, policy.Input{
		Workspace:   ws,
		Manifest:    m,
		Slots:       merged,
		CalledTools: snap.CalledTools,
		Confidence:  extracted.Confidence,
	})
	for i, res := range results {
		e.logger.Event(ctx, "policy_decision",
			"tool", planned.Actions[i].Tool,
			"decision", string(res.Decision),
			"reason", res.Reason,
		)
	}

	// 5. Execute allowed actions in plan order. Once any action fails,
	// remaining side-effecting actions are skipped.
	toolCalls, observations := e.executePlan(ctx, snap, ws, m, planned.Actions, results)

	// 6. Reduce observations into a patch and apply it.
	patch := reduce.Reduce(snap.Observations, observations)
	state := reduce.Apply(merged, patch)
	e.logger.Event(ctx, "state_patch_applied",
		"keys", len(patch.Slots),
		"reasons", len(patch.ChangeReasons),
		"confidence", patch.Confidence,
	)

	// 7. Render the reply.
	missing := missingSlots(planned, results)
	denied := firstDenial(results)
	assistant := nlg.Render(nlg.Input{
		Intent:           extracted.Intent,
		Slots:            state,
		Missing:          missing,
		Denied:           denied,
		ValidationErrors: patch.ValidationErrors,
	})

	resp := &DecideResponse{
		RequestID:    requestID,
		Assistant:    assistant,
		Intent:       extracted.Intent,
		Confidence:   extracted.Confidence,
		ToolCalls:    toolCalls,
		Slots:        state,
		Observations: patch.Observations,
		End:          stateFlag(state, "_booking_confirmed") || stateFlag(state, "_cancelled"),
	}
	resp.CalledTools = updateCalledTools(snap.CalledTools, toolCalls)
	resp.NextAction = e.nextAction(snap, extracted.Intent, resp, missing, denied, observations)

	e.logger.Event(ctx, "response_emitted",
		"next_action", string(resp.NextAction),
		"end", resp.End,
		"reply_len", len(assistant),
	)
	return resp, nil
}

func (e *Engine) executePlan(
	ctx context.Context,
	snap Snapshot,
	ws *workspace.Workspace,
	m *manifest.Manifest,
	actions []plan.Action,
	results []policy.Result,
) ([]ToolCall, []broker.Observation) {
	var toolCalls []ToolCall
	var observations []broker.Observation
	failed := false

	for i, action := range actions {
		res := results[i]
		call := ToolCall{
			Tool:     action.Tool,
			Decision: res.Decision,
			Reason:   res.Reason,
		}

		if !res.Allowed() {
			toolCalls = append(toolCalls, call)
			continue
		}

		spec, ok := m.Tool(action.Tool)
		if !ok {
			// Policy already checked existence; a miss here means the
			// manifest was hot-swapped mid-turn.
			call.Decision = policy.Deny
			call.Reason = "tool vanished from manifest"
			toolCalls = append(toolCalls, call)
			continue
		}

		if failed && spec.IsWrite() {
			call.Skipped = true
			call.Reason = "skipped after earlier failure"
			toolCalls = append(toolCalls, call)
			continue
		}

		args := res.NormalizedArgs
		if args == nil {
			args = action.Args
		}
		obs := e.broker.Execute(ctx, broker.Request{
			Workspace:      ws,
			ConversationID: snap.ConversationID,
			RequestID:      observability.RequestID(ctx),
			Spec:           spec,
			Args:           args,
		})
		if !obs.OK() {
			failed = true
		}
		call.Args = obs.Args
		call.Observation = &obs
		toolCalls = append(toolCalls, call)
		observations = append(observations, obs)
	}
	return toolCalls, observations
}

// nextAction classifies the turn for the platform.
func (e *Engine) nextAction(
	snap Snapshot,
	intent extract.Intent,
	resp *DecideResponse,
	missing []string,
	denied *policy.Result,
	observations []broker.Observation,
) NextAction {
	if denied != nil {
		switch denied.Reason {
		case "tier too low", "workspace not active":
			return ActionAskHuman
		}
		return ActionAnswer
	}
	if resp.End {
		return ActionAnswer
	}
	if len(missing) > 0 {
		return ActionSlotFill
	}
	if intent == extract.IntentGreeting && len(observations) == 0 {
		// An already-greeted conversation gets a plain reply instead of
		// a second welcome action.
		if snap.Greeted {
			return ActionAnswer
		}
		return ActionGreet
	}

	wroteSomething := false
	readSomething := false
	for _, obs := range observations {
		if !obs.OK() {
			continue
		}
		if isWriteTool(obs.Tool) {
			wroteSomething = true
		} else {
			readSomething = true
		}
	}
	if wroteSomething {
		return ActionExecute
	}
	if readSomething && (intent == extract.IntentBook || intent == extract.IntentReschedule) {
		// Mid-flow: context gathered, the write has not happened yet.
		return ActionRetrieveContext
	}
	return ActionAnswer
}

func isWriteTool(tool string) bool {
	switch tool {
	case plan.ToolBookAppointment, plan.ToolCancelAppointment, plan.ToolRescheduleAppointment:
		return true
	}
	return false
}

func missingSlots(planned *plan.Output, results []policy.Result) []string {
	seen := make(map[string]bool)
	var missing []string
	add := func(names []string) {
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
		}
	}
	add(planned.MissingSlots)
	for _, res := range results {
		if res.Decision == policy.AskClarification {
			add(res.MissingSlots)
		}
	}
	return missing
}

func firstDenial(results []policy.Result) *policy.Result {
	for i := range results {
		if results[i].Decision == policy.Deny {
			return &results[i]
		}
	}
	return nil
}

// extractorHints folds the snapshot context the extractor prompt may
// use: current slots plus the free-text objective when present.
func extractorHints(snap Snapshot) map[string]any {
	if snap.Objective == "" {
		return snap.Slots
	}
	hints := make(map[string]any, len(snap.Slots)+1)
	for k, v := range snap.Slots {
		hints[k] = v
	}
	hints["objective"] = snap.Objective
	return hints
}

func updateCalledTools(called []string, toolCalls []ToolCall) []string {
	seen := make(map[string]bool, len(called))
	out := append([]string{}, called...)
	for _, name := range called {
		seen[name] = true
	}
	for _, call := range toolCalls {
		if call.Observation != nil && call.Observation.OK() && !seen[call.Tool] {
			seen[call.Tool] = true
			out = append(out, call.Tool)
		}
	}
	return out
}

func stateFlag(state map[string]any, key string) bool {
	v, ok := state[key].(bool)
	return ok && v
}
