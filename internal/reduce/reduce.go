// Package reduce folds tool observations into a state patch. The
// reducer is pure: given the same observations it produces the same
// patch, and Apply never mutates the state it is given.
package reduce

import (
	"fmt"
	"math"
	"time"

	"github.com/nictes1/orquesta/internal/broker"
	"github.com/nictes1/orquesta/internal/plan"
)

// HistoryKeep is how many tool observations the conversation retains
// across turns.
const HistoryKeep = 5

// slowCallMS marks a tool call slow enough to dent confidence.
const slowCallMS = 10000

// Patch is the delta produced by one turn's observations.
type Patch struct {
	// Slots holds new or updated state keys. Keys starting with "_"
	// are derived flags rather than user-provided slots.
	Slots map[string]any `json:"slots_patch"`

	// SlotsToRemove lists state keys to drop on apply.
	SlotsToRemove []string `json:"slots_to_remove,omitempty"`

	// CacheInvalidationKeys names caches the platform should flush
	// because fresher data just arrived.
	CacheInvalidationKeys []string `json:"cache_invalidation_keys,omitempty"`

	// ChangeReasons records, per observation, why the patch changed.
	ChangeReasons []string `json:"change_reasons,omitempty"`

	// ValidationErrors collects user-facing problems from failed
	// side-effecting calls.
	ValidationErrors []string `json:"validation_errors,omitempty"`

	// Confidence scores how trustworthy this turn's tool data is,
	// in [0, 1]. Each failing call dents it.
	Confidence float64 `json:"confidence_score"`

	// Observations is the trimmed per-conversation observation deque,
	// most recent last: prior history plus this turn's batch.
	Observations []broker.Observation `json:"observations,omitempty"`
}

// Reduce folds the turn's observations, in order, into a patch. prior
// is the observation history carried over from earlier turns; the
// patch holds the new trimmed deque.
func Reduce(prior []broker.Observation, batch []broker.Observation) Patch {
	patch := Patch{
		Slots:      make(map[string]any),
		Confidence: 1.0,
	}

	slow := false
	for _, obs := range batch {
		if obs.LatencyMS > slowCallMS {
			slow = true
		}

		if obs.Status == broker.StatusDuplicate {
			patch.ChangeReasons = append(patch.ChangeReasons,
				fmt.Sprintf("%s answered from cache", obs.Tool))
			continue
		}

		patch.Slots["_tool_"+obs.Tool+"_success"] = obs.Status == broker.StatusSuccess
		patch.Slots["_tool_"+obs.Tool+"_last_run"] = obs.Timestamp.UTC().Format(time.RFC3339)

		switch obs.Status {
		case broker.StatusSuccess:
			liftToolData(&patch, obs)
			patch.ChangeReasons = append(patch.ChangeReasons,
				fmt.Sprintf("%s succeeded", obs.Tool))
		case broker.StatusFailure, broker.StatusTimeout:
			patch.Confidence *= 0.7
			patch.Slots["_tool_"+obs.Tool+"_error"] = obs.Error
			if isCriticalWrite(obs.Tool) {
				patch.ValidationErrors = append(patch.ValidationErrors,
					fmt.Sprintf("No se pudo completar la operación %s.", obs.Tool))
			}
			patch.ChangeReasons = append(patch.ChangeReasons,
				fmt.Sprintf("%s failed: %s", obs.Tool, obs.Error))
		case broker.StatusRateLimited:
			patch.Confidence *= 0.7
			patch.ChangeReasons = append(patch.ChangeReasons,
				fmt.Sprintf("%s rate limited", obs.Tool))
		case broker.StatusCircuitOpen:
			patch.Confidence *= 0.7
			patch.Slots["_tool_"+obs.Tool+"_circuit_open"] = true
			patch.ValidationErrors = append(patch.ValidationErrors,
				fmt.Sprintf("Servicio %s temporalmente no disponible.", obs.Tool))
			patch.ChangeReasons = append(patch.ChangeReasons,
				fmt.Sprintf("%s circuit open", obs.Tool))
		}
	}

	if slow {
		patch.Confidence *= 0.9
	}
	patch.Confidence = clamp01(patch.Confidence)
	patch.Observations = TrimObservations(append(append([]broker.Observation{}, prior...), batch...), HistoryKeep)
	return patch
}

// liftToolData lifts tool-specific fields out of the observation
// payload into state.
func liftToolData(patch *Patch, obs broker.Observation) {
	data := obs.Data

	switch obs.Tool {
	case plan.ToolGetAvailableServices:
		names, prices := serviceCatalog(data["services"])
		if names != nil {
			patch.Slots["_available_services"] = names
		}
		if len(prices) > 0 {
			patch.Slots["_service_prices"] = prices
		}
		patch.CacheInvalidationKeys = append(patch.CacheInvalidationKeys, "services_cache")
	case plan.ToolGetBusinessHours:
		if v, ok := data["hours"]; ok {
			patch.Slots["_business_hours"] = v
		}
	case plan.ToolCheckServiceAvailability:
		patch.Slots["_availability_checked"] = true
		if v, ok := data["available"].(bool); ok {
			patch.Slots["_slot_available"] = v
		}
		if times, ok := data["slots"].([]any); ok {
			patch.Slots["_available_times"] = times
			if len(times) > 0 {
				patch.Slots["_next_available"] = times[0]
			}
		}
		patch.CacheInvalidationKeys = append(patch.CacheInvalidationKeys, "availability_cache")
	case plan.ToolBookAppointment:
		patch.Slots["_booking_confirmed"] = true
		liftString(patch, data, "booking_id", "booking_id")
		liftString(patch, data, "confirmation_code", "confirmation_code")
		liftFirst(patch, data, []string{"confirmed_date", "date"}, "confirmed_date")
		liftFirst(patch, data, []string{"confirmed_time", "time"}, "confirmed_time")
	case plan.ToolCancelAppointment:
		patch.Slots["_cancelled"] = true
	case plan.ToolRescheduleAppointment:
		patch.Slots["_rescheduled"] = true
		liftFirst(patch, data, []string{"confirmed_date", "date"}, "confirmed_date")
		liftFirst(patch, data, []string{"confirmed_time", "time"}, "confirmed_time")
	case plan.ToolFindAppointmentByPhone:
		liftString(patch, data, "booking_id", "booking_id")
	default:
		// Unknown tools contribute their raw data under a namespaced key.
		if len(data) > 0 {
			patch.Slots["_tool_"+obs.Tool+"_data"] = data
		}
	}
}

// serviceCatalog splits a decoded services array into a names list and
// a name-to-price mapping. Items may be plain strings or objects with
// name and optionally price.
func serviceCatalog(v any) ([]any, map[string]any) {
	items, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	names := make([]any, 0, len(items))
	prices := make(map[string]any)
	for _, item := range items {
		switch it := item.(type) {
		case string:
			names = append(names, it)
		case map[string]any:
			name, _ := it["name"].(string)
			if name == "" {
				continue
			}
			names = append(names, name)
			if price, ok := it["price"]; ok {
				prices[name] = price
			}
		}
	}
	return names, prices
}

func liftString(patch *Patch, data map[string]any, from, to string) {
	if v, ok := data[from].(string); ok && v != "" {
		patch.Slots[to] = v
	}
}

// liftFirst lifts the first non-empty candidate key into state.
func liftFirst(patch *Patch, data map[string]any, from []string, to string) {
	for _, key := range from {
		if v, ok := data[key].(string); ok && v != "" {
			patch.Slots[to] = v
			return
		}
	}
}

// isCriticalWrite reports whether a failed call warrants a
// user-facing validation error.
func isCriticalWrite(tool string) bool {
	switch tool {
	case plan.ToolBookAppointment, plan.ToolCancelAppointment, plan.ToolRescheduleAppointment:
		return true
	}
	return false
}

// Apply merges a patch into state, returning a new map. Neither input
// is modified. Patch keys win on conflict; an explicit nil in the
// patch clears the key, as does listing it in SlotsToRemove.
func Apply(state map[string]any, patch Patch) map[string]any {
	merged := make(map[string]any, len(state)+len(patch.Slots))
	for k, v := range state {
		merged[k] = v
	}
	for k, v := range patch.Slots {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	for _, k := range patch.SlotsToRemove {
		delete(merged, k)
	}
	return merged
}

// TrimObservations returns the last keep observations, sharing no
// backing array growth with the input.
func TrimObservations(history []broker.Observation, keep int) []broker.Observation {
	if keep <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > keep {
		history = history[len(history)-keep:]
	}
	out := make([]broker.Observation, len(history))
	copy(out, history)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
