// Package plan decides which tools to run this turn. Output is
// structured only; the planner never produces user-facing text.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nictes1/orquesta/internal/extract"
	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/oracle"
	"github.com/nictes1/orquesta/internal/schemas"
)

// Well-known tool names the planner reasons about.
const (
	ToolGetAvailableServices     = "get_available_services"
	ToolGetBusinessHours         = "get_business_hours"
	ToolCheckServiceAvailability = "check_service_availability"
	ToolBookAppointment          = "book_appointment"
	ToolCancelAppointment        = "cancel_appointment"
	ToolRescheduleAppointment    = "reschedule_appointment"
	ToolFindAppointmentByPhone   = "find_appointment_by_phone"
)

// Action is one planned tool invocation.
type Action struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Output is the planner result.
type Output struct {
	PlanVersion       string   `json:"plan_version,omitempty"`
	Actions           []Action `json:"plan"`
	NeedsConfirmation bool     `json:"needs_confirmation"`
	MissingSlots      []string `json:"missing_slots,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
}

const (
	defaultTimeout    = 8 * time.Second
	defaultMaxActions = 3
	oracleTemperature = 0.2
	oracleMaxTokens   = 400

	fallbackVersion = "fallback_v1"
	oracleVersion   = "slm_v1"
)

// Planner selects tools via the oracle with a deterministic fallback.
type Planner struct {
	oracle  oracle.Oracle
	logger  *observability.Logger
	metrics *observability.Metrics

	timeout    time.Duration
	maxActions int
}

// Option customizes a Planner.
type Option func(*Planner)

// WithTimeout overrides the oracle call ceiling (default 8s).
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) { p.timeout = d }
}

// WithMaxActions overrides the per-plan action cap (default 3).
func WithMaxActions(n int) Option {
	return func(p *Planner) { p.maxActions = n }
}

// WithMetrics attaches oracle metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New creates a Planner over the given oracle.
func New(o oracle.Oracle, logger *observability.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	p := &Planner{
		oracle:     o,
		logger:     logger,
		timeout:    defaultTimeout,
		maxActions: defaultMaxActions,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Input gathers everything the planner needs for one turn.
type Input struct {
	Extractor *extract.Output

	// AllowedTools is the manifest tool set for this workspace.
	AllowedTools []string

	WorkspaceID string

	// Slots is the merged slot view (state slots overlaid with this
	// turn's extracted slots), used by the deterministic fallback.
	Slots map[string]any
}

// Plan produces a sanitized plan. Oracle and schema failures degrade
// to the deterministic intent-based fallback; Plan never fails.
func (p *Planner) Plan(ctx context.Context, in Input) *Output {
	out, err := p.fromOracle(ctx, in)
	if err != nil {
		p.logger.Warn(ctx, "planner degraded to deterministic fallback", "error", err.Error())
		if p.metrics != nil {
			p.metrics.OracleRequestTotal.WithLabelValues("planner", "fallback").Inc()
		}
		out = p.fallback(in)
	}
	return p.sanitize(out, in)
}

func (p *Planner) fromOracle(ctx context.Context, in Input) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"workspace_id": in.WorkspaceID,
		"intent":       in.Extractor.Intent,
		"slots":        in.Slots,
		"confidence":   in.Extractor.Confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	start := time.Now()
	raw, err := p.oracle.GenerateJSON(ctx, oracle.Request{
		System:      p.systemPrompt(in.AllowedTools),
		User:        string(payload),
		Schema:      schemas.PlannerSchema(),
		Temperature: oracleTemperature,
		MaxTokens:   oracleMaxTokens,
	})
	if p.metrics != nil {
		p.metrics.OracleRequestDuration.WithLabelValues("planner").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	if err := schemas.ValidatePlan(raw); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if p.metrics != nil {
		p.metrics.OracleRequestTotal.WithLabelValues("planner", "success").Inc()
	}
	if out.PlanVersion == "" {
		out.PlanVersion = oracleVersion
	}
	return &out, nil
}

func (p *Planner) systemPrompt(allowed []string) string {
	var sb strings.Builder
	sb.WriteString("Sos el planificador de herramientas de un asistente de reservas.\n")
	sb.WriteString("Respondé únicamente con JSON: {plan:[{tool,args}], needs_confirmation, missing_slots}.\n\n")
	sb.WriteString("Reglas fijas:\n")
	sb.WriteString(fmt.Sprintf("  - Máximo %d acciones por plan.\n", p.maxActions))
	sb.WriteString("  - Usá check_service_availability antes de book_appointment.\n")
	sb.WriteString("  - Solo herramientas permitidas: " + strings.Join(allowed, ", ") + ".\n")
	sb.WriteString("  - Nunca escribas texto para el usuario; eso lo hace otro componente.\n\n")
	sb.WriteString("Ejemplos por intención:\n")
	sb.WriteString(`  info_services -> {"plan":[{"tool":"get_available_services","args":{}}],"needs_confirmation":false}` + "\n")
	sb.WriteString(`  info_hours -> {"plan":[{"tool":"get_business_hours","args":{}}],"needs_confirmation":false}` + "\n")
	sb.WriteString(`  book (faltan datos) -> {"plan":[{"tool":"check_service_availability","args":{"service_type":"corte","preferred_date":"2025-10-16"}}],"needs_confirmation":true,"missing_slots":["preferred_time"]}` + "\n")
	sb.WriteString(`  book (completo) -> {"plan":[{"tool":"check_service_availability","args":{...}},{"tool":"book_appointment","args":{...}}],"needs_confirmation":false}` + "\n")
	return sb.String()
}

// bookingSlots are the slots a complete booking needs, in the order
// the conversation should fill them.
var bookingSlots = []string{"service_type", "preferred_date", "preferred_time", "client_name", "client_email"}

// fallback derives a plan from the intent alone, per the fixed
// deterministic rules.
func (p *Planner) fallback(in Input) *Output {
	out := &Output{PlanVersion: fallbackVersion}
	has := func(slot string) bool {
		v, ok := in.Slots[slot]
		return ok && v != nil && v != ""
	}
	str := func(slot string) any { return in.Slots[slot] }

	switch in.Extractor.Intent {
	case extract.IntentInfoServices:
		out.Actions = []Action{{Tool: ToolGetAvailableServices, Args: map[string]any{}}}

	case extract.IntentInfoPrices:
		args := map[string]any{}
		if has("service_type") {
			args["q"] = str("service_type")
		}
		out.Actions = []Action{{Tool: ToolGetAvailableServices, Args: args}}

	case extract.IntentInfoHours:
		out.Actions = []Action{{Tool: ToolGetBusinessHours, Args: map[string]any{}}}

	case extract.IntentBook:
		if has("service_type") && has("preferred_date") {
			out.Actions = append(out.Actions, Action{
				Tool: ToolCheckServiceAvailability,
				Args: map[string]any{
					"service_type":   str("service_type"),
					"preferred_date": str("preferred_date"),
				},
			})
			if has("preferred_time") && has("client_name") && has("client_email") {
				out.Actions = append(out.Actions, Action{
					Tool: ToolBookAppointment,
					Args: map[string]any{
						"service_type":   str("service_type"),
						"preferred_date": str("preferred_date"),
						"preferred_time": str("preferred_time"),
						"client_name":    str("client_name"),
						"client_email":   str("client_email"),
					},
				})
			}
		}
		missing := missingOf(in.Slots, bookingSlots)
		if len(missing) > 0 {
			out.NeedsConfirmation = true
			out.MissingSlots = missing
		}

	case extract.IntentCancel:
		if has("booking_id") {
			out.Actions = []Action{{Tool: ToolCancelAppointment, Args: map[string]any{"booking_id": str("booking_id")}}}
		} else {
			out.NeedsConfirmation = true
			out.MissingSlots = []string{"booking_id"}
		}

	case extract.IntentReschedule:
		if has("booking_id") {
			if has("service_type") && has("preferred_date") {
				out.Actions = append(out.Actions, Action{
					Tool: ToolCheckServiceAvailability,
					Args: map[string]any{
						"service_type":   str("service_type"),
						"preferred_date": str("preferred_date"),
					},
				})
			}
			args := map[string]any{"booking_id": str("booking_id")}
			if has("preferred_date") {
				args["preferred_date"] = str("preferred_date")
			}
			if has("preferred_time") {
				args["preferred_time"] = str("preferred_time")
			}
			out.Actions = append(out.Actions, Action{Tool: ToolRescheduleAppointment, Args: args})
			if !has("preferred_date") {
				out.NeedsConfirmation = true
				out.MissingSlots = []string{"preferred_date"}
			}
		} else {
			out.NeedsConfirmation = true
			out.MissingSlots = []string{"booking_id"}
		}

	default:
		// greeting, chitchat, other: nothing to execute.
		out.NeedsConfirmation = true
	}
	return out
}

func missingOf(slots map[string]any, wanted []string) []string {
	var missing []string
	for _, name := range wanted {
		v, ok := slots[name]
		if !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// readBeforeWrite maps each write tool to the read tool that must
// precede it in the same plan when available.
var readBeforeWrite = map[string]string{
	ToolBookAppointment:       ToolCheckServiceAvailability,
	ToolCancelAppointment:     ToolFindAppointmentByPhone,
	ToolRescheduleAppointment: ToolCheckServiceAvailability,
}

// sanitize enforces the planner's hard constraints on any plan,
// oracle-produced or fallback: allowed tools only, bounded length,
// workspace_id injection, duplicate collapse, read-before-write.
func (p *Planner) sanitize(out *Output, in Input) *Output {
	allowed := make(map[string]bool, len(in.AllowedTools))
	for _, name := range in.AllowedTools {
		allowed[name] = true
	}

	kept := make([]Action, 0, len(out.Actions))
	for _, action := range out.Actions {
		if !allowed[action.Tool] {
			continue
		}
		if action.Args == nil {
			action.Args = map[string]any{}
		}
		action.Args["workspace_id"] = in.WorkspaceID
		kept = append(kept, action)
	}

	kept = p.ensureReadBeforeWrite(kept, allowed, in)
	kept = collapseDuplicates(kept)

	if len(kept) > p.maxActions {
		kept = kept[:p.maxActions]
	}
	out.Actions = kept
	sort.Strings(out.MissingSlots)
	return out
}

// ensureReadBeforeWrite inserts the paired read tool ahead of a write
// when the plan lacks it. For cancel, the phone lookup only applies
// when no booking_id is at hand.
func (p *Planner) ensureReadBeforeWrite(actions []Action, allowed map[string]bool, in Input) []Action {
	result := make([]Action, 0, len(actions)+1)
	seen := make(map[string]bool)

	hasBookingID := func() bool {
		v, ok := in.Slots["booking_id"]
		return ok && v != nil && v != ""
	}

	for _, action := range actions {
		read, isWrite := readBeforeWrite[action.Tool]
		needsRead := isWrite && allowed[read] && !seen[read]
		if needsRead && action.Tool == ToolCancelAppointment && hasBookingID() {
			needsRead = false
		}
		if needsRead {
			args := map[string]any{"workspace_id": in.WorkspaceID}
			switch read {
			case ToolCheckServiceAvailability:
				if v := action.Args["service_type"]; v != nil {
					args["service_type"] = v
				}
				if v := action.Args["preferred_date"]; v != nil {
					args["preferred_date"] = v
				}
			case ToolFindAppointmentByPhone:
				if v, ok := in.Slots["client_phone"]; ok && v != nil {
					args["client_phone"] = v
				}
			}
			result = append(result, Action{Tool: read, Args: args})
			seen[read] = true
		}
		result = append(result, action)
		seen[action.Tool] = true
	}
	return result
}

// collapseDuplicates drops repeated invocations of the same tool with
// identical args.
func collapseDuplicates(actions []Action) []Action {
	seen := make(map[string]bool, len(actions))
	result := make([]Action, 0, len(actions))
	for _, action := range actions {
		raw, err := json.Marshal(action.Args)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", action.Args))
		}
		key := action.Tool + "|" + string(raw)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, action)
	}
	return result
}
