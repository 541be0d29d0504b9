// Package policy gates each planned action against tool metadata,
// workspace state, and runtime counters before the broker may run it.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nictes1/orquesta/internal/manifest"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/plan"
	"github.com/nictes1/orquesta/internal/ratelimit"
	"github.com/nictes1/orquesta/internal/slots"
	"github.com/nictes1/orquesta/internal/workspace"
)

// Decision is the per-action policy outcome.
type Decision string

const (
	Allow            Decision = "ALLOW"
	Deny             Decision = "DENY"
	AskClarification Decision = "ASK_CLARIFICATION"
)

// Result is the full outcome of one policy check.
type Result struct {
	Decision         Decision       `json:"decision"`
	Reason           string         `json:"reason"`
	Why              string         `json:"why"`
	Needs            []string       `json:"needs,omitempty"`
	MissingSlots     []string       `json:"missing_slots,omitempty"`
	ValidationErrors []string       `json:"validation_errors,omitempty"`
	NormalizedArgs   map[string]any `json:"normalized_args,omitempty"`
	ManifestVersion  string         `json:"manifest_version"`
}

// Allowed reports whether the action may execute.
func (r Result) Allowed() bool { return r.Decision == Allow }

// Engine evaluates actions. It is pure with respect to its inputs
// except for the rate-limit window, which depends on wall-clock time.
type Engine struct {
	limiter *ratelimit.Limiter
	norm    *slots.Normalizer
	logger  *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	forbidCache map[string]*regexp.Regexp
	now         func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the rate-limit clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches decision metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a policy engine with its own rate-limit window.
func New(norm *slots.Normalizer, logger *observability.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Engine{
		limiter:     ratelimit.NewLimiter(time.Minute),
		norm:        norm,
		logger:      logger,
		forbidCache: make(map[string]*regexp.Regexp),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input gathers the context for checking one action.
type Input struct {
	Action      plan.Action
	Workspace   *workspace.Workspace
	Manifest    *manifest.Manifest
	Slots       map[string]any
	CalledTools []string

	// Confidence is the extractor confidence for this turn; writes
	// below the workspace min_confidence are downgraded.
	Confidence float64
}

// CheckPlan evaluates a whole plan. When the plan exceeds the
// workspace max_tool_calls, every action shares a single denial;
// otherwise each action is evaluated independently, in order.
func (e *Engine) CheckPlan(ctx context.Context, actions []plan.Action, in Input) []Result {
	maxCalls := in.Workspace.Policy.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = workspace.DefaultPolicy().MaxToolCalls
	}

	results := make([]Result, 0, len(actions))
	if len(actions) > maxCalls {
		shared := Result{
			Decision:        Deny,
			Reason:          "plan exceeds max_tool_calls",
			Why:             fmt.Sprintf("the plan has %d actions but the workspace allows %d per turn", len(actions), maxCalls),
			ManifestVersion: in.Manifest.Version,
		}
		for range actions {
			results = append(results, shared)
		}
		e.count(results)
		return results
	}

	for _, action := range actions {
		actionIn := in
		actionIn.Action = action
		results = append(results, e.Check(ctx, actionIn))
	}
	e.count(results)
	return results
}

func (e *Engine) count(results []Result) {
	if e.metrics == nil {
		return
	}
	for _, r := range results {
		e.metrics.PolicyDecisionTotal.WithLabelValues(string(r.Decision)).Inc()
	}
}

// Check runs the per-action gate sequence, short-circuiting at the
// first failure.
func (e *Engine) Check(ctx context.Context, in Input) Result {
	tool, version := in.Action.Tool, in.Manifest.Version

	// 1. The tool must exist in the loaded manifest.
	spec, ok := in.Manifest.Tool(tool)
	if !ok {
		return Result{
			Decision:        Deny,
			Reason:          "unknown tool",
			Why:             fmt.Sprintf("%q is not part of the %s catalog", tool, in.Manifest.Vertical),
			ManifestVersion: version,
		}
	}

	// 2. Normalize args; coercion failures are denials.
	normalized, errs := e.norm.NormalizeArgs(in.Action.Args, in.Workspace.Location())
	if len(errs) > 0 {
		return Result{
			Decision:         Deny,
			Reason:           "argument normalization failed",
			Why:              "one or more argument values could not be coerced to their canonical type",
			ValidationErrors: errs,
			ManifestVersion:  version,
		}
	}

	// 3. Tier gate.
	if !in.Workspace.Tier.AtLeast(workspace.Tier(spec.TierRequired)) {
		return Result{
			Decision:        Deny,
			Reason:          "tier too low",
			Why:             fmt.Sprintf("%s requires the %s tier; this workspace is on %s and an upgrade unlocks it", tool, spec.TierRequired, in.Workspace.Tier),
			Needs:           []string{"upgrade_tier_" + spec.TierRequired},
			ManifestVersion: version,
		}
	}

	// 4. Forbid patterns.
	if pattern, matched := e.matchForbid(ctx, in.Workspace.Policy.ForbidPatterns, tool); matched {
		return Result{
			Decision:        Deny,
			Reason:          "tool forbidden by workspace policy",
			Why:             fmt.Sprintf("%s matches the forbidden pattern %q", tool, pattern),
			ManifestVersion: version,
		}
	}

	// 5. Scope gate: suspended workspaces cannot write.
	if spec.IsWrite() && !in.Workspace.Active() {
		return Result{
			Decision:        Deny,
			Reason:          "workspace not active",
			Why:             "write tools are disabled while the workspace is suspended",
			Needs:           []string{"reactivate_workspace"},
			ManifestVersion: version,
		}
	}

	// 6. Required slots must be present and non-null in state.
	if missing := missingSlots(spec.RequiresSlots, in.Slots); len(missing) > 0 {
		return Result{
			Decision:        AskClarification,
			Reason:          "missing required slots",
			Why:             fmt.Sprintf("%s needs %v before it can run", tool, missing),
			MissingSlots:    missing,
			Needs:           missing,
			ManifestVersion: version,
		}
	}

	// 7. Argument schema.
	if err := spec.ValidateArgs(normalized); err != nil {
		return Result{
			Decision:         Deny,
			Reason:           "argument schema validation failed",
			Why:              "the normalized arguments do not satisfy the tool's schema",
			ValidationErrors: []string{err.Error()},
			ManifestVersion:  version,
		}
	}

	// Confidence downgrade: uncertain writes become clarifications.
	if spec.IsWrite() && in.Workspace.Policy.MinConfidence > 0 && in.Confidence < in.Workspace.Policy.MinConfidence {
		return Result{
			Decision:        AskClarification,
			Reason:          "low extraction confidence",
			Why:             fmt.Sprintf("confidence %.2f is below the workspace threshold %.2f for side-effecting tools", in.Confidence, in.Workspace.Policy.MinConfidence),
			Needs:           []string{"confirm_intent"},
			ManifestVersion: version,
		}
	}

	// 8. Rate limit: sliding minute per (workspace, tool). An allowed
	// call records its timestamp.
	if spec.RateLimitPerMin > 0 {
		key := ratelimit.CompositeKey(in.Workspace.ID, tool)
		if !e.limiter.AllowAt(key, spec.RateLimitPerMin, e.now()) {
			return Result{
				Decision:        Deny,
				Reason:          "rate limit exceeded",
				Why:             fmt.Sprintf("%s already ran %d times in the last minute", tool, spec.RateLimitPerMin),
				Needs:           []string{"wait"},
				ManifestVersion: version,
			}
		}
	}

	// 9. tools_first ordering.
	if missing := e.toolsFirstMissing(in.Workspace.Policy.ToolsFirst, tool, in.CalledTools); len(missing) > 0 {
		return Result{
			Decision:        Deny,
			Reason:          "tools_first ordering not satisfied",
			Why:             fmt.Sprintf("%v must run earlier in the conversation before %s", missing, tool),
			Needs:           missing,
			ManifestVersion: version,
		}
	}

	return Result{
		Decision:        Allow,
		Reason:          "all checks passed",
		Why:             fmt.Sprintf("%s is allowed for this workspace", tool),
		NormalizedArgs:  normalized,
		ManifestVersion: version,
	}
}

func missingSlots(required []string, state map[string]any) []string {
	var missing []string
	for _, name := range required {
		v, ok := state[name]
		if !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// toolsFirstMissing returns the tools_first entries not yet called,
// unless the candidate tool is itself listed.
func (e *Engine) toolsFirstMissing(toolsFirst []string, tool string, called []string) []string {
	if len(toolsFirst) == 0 {
		return nil
	}
	for _, name := range toolsFirst {
		if name == tool {
			return nil
		}
	}
	calledSet := make(map[string]bool, len(called))
	for _, name := range called {
		calledSet[name] = true
	}
	var missing []string
	for _, name := range toolsFirst {
		if !calledSet[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// matchForbid tests the tool name against the workspace forbid
// patterns, caching compiled regexps. Invalid patterns are logged and
// skipped rather than blocking the whole catalog.
func (e *Engine) matchForbid(ctx context.Context, patterns []string, tool string) (string, bool) {
	for _, pattern := range patterns {
		re := e.compiled(pattern)
		if re == nil {
			e.logger.Warn(ctx, "skipping invalid forbid pattern", "pattern", pattern)
			continue
		}
		if re.MatchString(tool) {
			return pattern, true
		}
	}
	return "", false
}

func (e *Engine) compiled(pattern string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.forbidCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		e.forbidCache[pattern] = nil
		return nil
	}
	e.forbidCache[pattern] = re
	return re
}
