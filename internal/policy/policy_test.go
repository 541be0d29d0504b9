package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nictes1/orquesta/internal/manifest"
	"github.com/nictes1/orquesta/internal/plan"
	"github.com/nictes1/orquesta/internal/slots"
	"github.com/nictes1/orquesta/internal/workspace"
)

const testManifest = `
vertical: services
version: services_v1
tools:
  - name: get_available_services
    description: List the catalog.
    scopes: [read]
    tier_required: basic
    rate_limit_per_min: 60
    transport:
      kind: internal
  - name: book_appointment
    description: Create a booking.
    requires_slots: [service_type, preferred_date, preferred_time, client_name, client_email]
    scopes: [write]
    tier_required: basic
    rate_limit_per_min: 10
    args_schema:
      type: object
      required: [service_type, preferred_date]
      properties:
        workspace_id: {type: string}
        service_type: {type: string}
        preferred_date:
          type: string
          pattern: "^\\d{4}-\\d{2}-\\d{2}$"
        preferred_time: {type: string}
        client_name: {type: string}
        client_email: {type: string}
    transport:
      kind: internal
  - name: send_campaign
    description: Bulk outreach, pro tier and up.
    scopes: [write]
    tier_required: pro
    transport:
      kind: internal
`

func testEngine(t *testing.T, opts ...Option) (*Engine, *manifest.Manifest) {
	t.Helper()
	m, err := manifest.Parse([]byte(testManifest), "test")
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	norm := slots.NewNormalizer(slots.NewRegistry())
	return New(norm, nil, opts...), m
}

func activeWorkspace() *workspace.Workspace {
	return &workspace.Workspace{
		ID:       "ws-1",
		Vertical: workspace.VerticalServices,
		Tier:     workspace.TierBasic,
		Status:   workspace.StatusActive,
		Policy:   workspace.DefaultPolicy(),
	}
}

func checkInput(m *manifest.Manifest, action plan.Action) Input {
	return Input{
		Action:     action,
		Workspace:  activeWorkspace(),
		Manifest:   m,
		Slots:      map[string]any{},
		Confidence: 0.9,
	}
}

func bookingSlots() map[string]any {
	return map[string]any{
		"service_type":   "Corte",
		"preferred_date": "2025-10-16",
		"preferred_time": "15:00",
		"client_name":    "Juan Pérez",
		"client_email":   "juan@example.com",
	}
}

func TestCheck_UnknownToolDenied(t *testing.T) {
	e, m := testEngine(t)
	res := e.Check(context.Background(), checkInput(m, plan.Action{Tool: "drop_tables"}))
	if res.Decision != Deny {
		t.Fatalf("decision = %s, want DENY", res.Decision)
	}
	if res.Reason != "unknown tool" {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.ManifestVersion != "services_v1" {
		t.Errorf("manifest_version = %q", res.ManifestVersion)
	}
}

func TestCheck_TierGate(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "send_campaign", Args: map[string]any{}})

	res := e.Check(context.Background(), in)
	if res.Decision != Deny {
		t.Fatalf("decision = %s, want DENY for basic tier", res.Decision)
	}
	if len(res.Needs) != 1 || res.Needs[0] != "upgrade_tier_pro" {
		t.Errorf("needs = %v, want [upgrade_tier_pro]", res.Needs)
	}

	in.Workspace.Tier = workspace.TierPro
	res = e.Check(context.Background(), in)
	if res.Decision == Deny && res.Reason == "tier too low" {
		t.Error("pro workspace still tier-denied")
	}

	in.Workspace.Tier = workspace.TierMax
	res = e.Check(context.Background(), in)
	if res.Decision == Deny && res.Reason == "tier too low" {
		t.Error("max workspace still tier-denied")
	}
}

func TestCheck_ForbidPatterns(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	in.Workspace.Policy.ForbidPatterns = []string{"^get_.*"}

	res := e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "tool forbidden by workspace policy" {
		t.Errorf("decision = %s reason = %q", res.Decision, res.Reason)
	}
}

func TestCheck_InvalidForbidPatternSkipped(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	in.Workspace.Policy.ForbidPatterns = []string{"[invalid"}

	res := e.Check(context.Background(), in)
	if !res.Allowed() {
		t.Errorf("decision = %s, want ALLOW when only pattern is invalid", res.Decision)
	}
}

func TestCheck_SuspendedWorkspaceCannotWrite(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: bookingSlots()})
	in.Slots = bookingSlots()
	in.Workspace.Status = workspace.StatusSuspended

	res := e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "workspace not active" {
		t.Errorf("decision = %s reason = %q", res.Decision, res.Reason)
	}

	// Reads still work while suspended.
	readIn := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	readIn.Workspace.Status = workspace.StatusSuspended
	if res := e.Check(context.Background(), readIn); !res.Allowed() {
		t.Errorf("read on suspended workspace = %s, want ALLOW", res.Decision)
	}
}

func TestCheck_MissingSlotsAskClarification(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: map[string]any{
		"service_type":   "Corte",
		"preferred_date": "2025-10-16",
	}})
	in.Slots = map[string]any{
		"service_type":   "Corte",
		"preferred_date": "2025-10-16",
		"preferred_time": nil, // explicit null counts as missing
	}

	res := e.Check(context.Background(), in)
	if res.Decision != AskClarification {
		t.Fatalf("decision = %s, want ASK_CLARIFICATION", res.Decision)
	}
	want := []string{"preferred_time", "client_name", "client_email"}
	if len(res.MissingSlots) != len(want) {
		t.Fatalf("missing_slots = %v, want %v", res.MissingSlots, want)
	}
	for i, name := range want {
		if res.MissingSlots[i] != name {
			t.Errorf("missing_slots[%d] = %q, want %q", i, res.MissingSlots[i], name)
		}
	}
}

func TestCheck_SchemaValidation(t *testing.T) {
	e, m := testEngine(t)
	args := bookingSlots()
	args["preferred_date"] = "not a date at all ###"
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: args})
	in.Slots = bookingSlots()

	res := e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "argument normalization failed" {
		// Unparseable dates fail at normalization, before the schema.
		t.Errorf("decision = %s reason = %q", res.Decision, res.Reason)
	}

	// A value that normalizes but violates the schema fails at step 7.
	args = bookingSlots()
	delete(args, "service_type")
	in = checkInput(m, plan.Action{Tool: "book_appointment", Args: args})
	in.Slots = bookingSlots()
	res = e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "argument schema validation failed" {
		t.Errorf("decision = %s reason = %q", res.Decision, res.Reason)
	}
	if len(res.ValidationErrors) == 0 {
		t.Error("validation_errors empty")
	}
}

func TestCheck_NormalizesArgs(t *testing.T) {
	e, m := testEngine(t)
	args := bookingSlots()
	args["preferred_time"] = "3pm"
	args["client_email"] = " JUAN@Example.COM "
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: args})
	in.Slots = bookingSlots()

	res := e.Check(context.Background(), in)
	if !res.Allowed() {
		t.Fatalf("decision = %s (%s)", res.Decision, res.Reason)
	}
	if res.NormalizedArgs["preferred_time"] != "15:00" {
		t.Errorf("preferred_time = %v, want 15:00", res.NormalizedArgs["preferred_time"])
	}
	if res.NormalizedArgs["client_email"] != "juan@example.com" {
		t.Errorf("client_email = %v", res.NormalizedArgs["client_email"])
	}
}

func TestCheck_LowConfidenceDowngradesWrites(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: bookingSlots()})
	in.Slots = bookingSlots()
	in.Workspace.Policy.MinConfidence = 0.7
	in.Confidence = 0.4

	res := e.Check(context.Background(), in)
	if res.Decision != AskClarification || res.Reason != "low extraction confidence" {
		t.Errorf("decision = %s reason = %q", res.Decision, res.Reason)
	}

	// Reads are unaffected by confidence.
	readIn := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	readIn.Workspace.Policy.MinConfidence = 0.7
	readIn.Confidence = 0.4
	if res := e.Check(context.Background(), readIn); !res.Allowed() {
		t.Errorf("low-confidence read = %s, want ALLOW", res.Decision)
	}
}

func TestCheck_RateLimitBoundary(t *testing.T) {
	base := time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	now := base
	e, m := testEngine(t, WithClock(func() time.Time { return now }))

	in := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})

	for i := 0; i < 60; i++ {
		now = base.Add(time.Duration(i) * 500 * time.Millisecond)
		if res := e.Check(context.Background(), in); !res.Allowed() {
			t.Fatalf("call %d: decision = %s (%s)", i+1, res.Decision, res.Reason)
		}
	}

	now = base.Add(31 * time.Second)
	res := e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "rate limit exceeded" {
		t.Fatalf("61st call: decision = %s reason = %q", res.Decision, res.Reason)
	}

	// Another workspace's window is untouched.
	other := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	other.Workspace.ID = "ws-2"
	if res := e.Check(context.Background(), other); !res.Allowed() {
		t.Errorf("other workspace rate-limited by ws-1's window")
	}

	// The window slides.
	now = base.Add(62 * time.Second)
	if res := e.Check(context.Background(), in); !res.Allowed() {
		t.Errorf("call after window slide: %s (%s)", res.Decision, res.Reason)
	}
}

func TestCheck_ToolsFirstOrdering(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: bookingSlots()})
	in.Slots = bookingSlots()
	in.Workspace.Policy.ToolsFirst = []string{"get_available_services"}

	res := e.Check(context.Background(), in)
	if res.Decision != Deny || res.Reason != "tools_first ordering not satisfied" {
		t.Fatalf("decision = %s reason = %q", res.Decision, res.Reason)
	}

	in.CalledTools = []string{"get_available_services"}
	if res := e.Check(context.Background(), in); !res.Allowed() {
		t.Errorf("decision after prerequisite called = %s (%s)", res.Decision, res.Reason)
	}

	// A tool listed in tools_first is itself always eligible.
	listed := checkInput(m, plan.Action{Tool: "get_available_services", Args: map[string]any{}})
	listed.Workspace.Policy.ToolsFirst = []string{"get_available_services"}
	if res := e.Check(context.Background(), listed); !res.Allowed() {
		t.Errorf("tools_first member denied: %s (%s)", res.Decision, res.Reason)
	}
}

func TestCheckPlan_MaxToolCalls(t *testing.T) {
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{})
	in.Workspace.Policy.MaxToolCalls = 2

	actions := []plan.Action{
		{Tool: "get_available_services", Args: map[string]any{}},
		{Tool: "get_available_services", Args: map[string]any{}},
		{Tool: "get_available_services", Args: map[string]any{}},
	}
	results := e.CheckPlan(context.Background(), actions, in)
	if len(results) != 3 {
		t.Fatalf("len(results) = %d", len(results))
	}
	for i, res := range results {
		if res.Decision != Deny {
			t.Errorf("results[%d] = %s, want DENY", i, res.Decision)
		}
		if !strings.Contains(res.Why, "3 actions") {
			t.Errorf("results[%d].why = %q", i, res.Why)
		}
	}

	within := actions[:2]
	results = e.CheckPlan(context.Background(), within, in)
	for i, res := range results {
		if !res.Allowed() {
			t.Errorf("results[%d] = %s (%s), want ALLOW", i, res.Decision, res.Reason)
		}
	}
}

func TestCheck_Monotonicity(t *testing.T) {
	// Adding slots never turns an ALLOW into a denial.
	e, m := testEngine(t)
	in := checkInput(m, plan.Action{Tool: "book_appointment", Args: bookingSlots()})
	in.Slots = bookingSlots()

	before := e.Check(context.Background(), in)
	if !before.Allowed() {
		t.Fatalf("baseline = %s (%s)", before.Decision, before.Reason)
	}

	in.Slots["notes"] = "sin flequillo"
	in.Slots["party_size"] = 2
	after := e.Check(context.Background(), in)
	if !after.Allowed() {
		t.Errorf("superset of slots flipped decision to %s (%s)", after.Decision, after.Reason)
	}
}
