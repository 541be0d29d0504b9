package reduce

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/nictes1/orquesta/internal/broker"
	"github.com/nictes1/orquesta/internal/plan"
)

var obsTime = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

func TestReduce_ServicesAndHours(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{
			Tool:      plan.ToolGetAvailableServices,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data: map[string]any{"services": []any{
				map[string]any{"name": "Corte", "price": 5000},
				map[string]any{"name": "Color", "price": 12000},
			}},
		},
		{
			Tool:      plan.ToolGetBusinessHours,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data:      map[string]any{"hours": map[string]any{"lunes": "9-18"}},
		},
	})

	if patch.Slots["_tool_get_available_services_success"] != true {
		t.Errorf("success flag = %v", patch.Slots["_tool_get_available_services_success"])
	}
	if patch.Slots["_tool_get_available_services_last_run"] != "2025-10-15T12:00:00Z" {
		t.Errorf("last_run = %v", patch.Slots["_tool_get_available_services_last_run"])
	}
	services, ok := patch.Slots["_available_services"].([]any)
	if !ok || len(services) != 2 || services[0] != "Corte" {
		t.Errorf("_available_services = %v", patch.Slots["_available_services"])
	}
	prices, ok := patch.Slots["_service_prices"].(map[string]any)
	if !ok || prices["Corte"] != 5000 {
		t.Errorf("_service_prices = %v", patch.Slots["_service_prices"])
	}
	if _, ok := patch.Slots["_business_hours"]; !ok {
		t.Error("_business_hours missing")
	}
	if patch.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", patch.Confidence)
	}

	found := false
	for _, key := range patch.CacheInvalidationKeys {
		if key == "services_cache" {
			found = true
		}
	}
	if !found {
		t.Errorf("cache_invalidation_keys = %v, want services_cache", patch.CacheInvalidationKeys)
	}
	if len(patch.ChangeReasons) != 2 {
		t.Errorf("change_reasons = %v", patch.ChangeReasons)
	}
}

func TestReduce_PlainStringServices(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{
			Tool:      plan.ToolGetAvailableServices,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data:      map[string]any{"services": []any{"Corte", "Color"}},
		},
	})
	services, ok := patch.Slots["_available_services"].([]any)
	if !ok || len(services) != 2 {
		t.Errorf("_available_services = %v", patch.Slots["_available_services"])
	}
	if _, ok := patch.Slots["_service_prices"]; ok {
		t.Error("_service_prices set without price data")
	}
}

func TestReduce_AvailabilityTimes(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{
			Tool:      plan.ToolCheckServiceAvailability,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data: map[string]any{
				"available": true,
				"slots":     []any{"15:00", "16:00"},
			},
		},
	})
	times, ok := patch.Slots["_available_times"].([]any)
	if !ok || len(times) != 2 {
		t.Errorf("_available_times = %v", patch.Slots["_available_times"])
	}
	if patch.Slots["_next_available"] != "15:00" {
		t.Errorf("_next_available = %v", patch.Slots["_next_available"])
	}
	if patch.Slots["_slot_available"] != true {
		t.Errorf("_slot_available = %v", patch.Slots["_slot_available"])
	}
}

func TestReduce_BookingSuccess(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{
			Tool:      plan.ToolCheckServiceAvailability,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data:      map[string]any{"available": true},
		},
		{
			Tool:      plan.ToolBookAppointment,
			Status:    broker.StatusSuccess,
			Timestamp: obsTime,
			Data: map[string]any{
				"booking_id":        "BK-42",
				"confirmation_code": "CONF-9",
				"date":              "2025-10-16",
				"time":              "15:00",
			},
		},
	})

	if patch.Slots["_booking_confirmed"] != true {
		t.Error("_booking_confirmed not set")
	}
	if patch.Slots["booking_id"] != "BK-42" {
		t.Errorf("booking_id = %v", patch.Slots["booking_id"])
	}
	if patch.Slots["confirmation_code"] != "CONF-9" {
		t.Errorf("confirmation_code = %v", patch.Slots["confirmation_code"])
	}
	if patch.Slots["confirmed_date"] != "2025-10-16" || patch.Slots["confirmed_time"] != "15:00" {
		t.Errorf("confirmed date/time = %v / %v", patch.Slots["confirmed_date"], patch.Slots["confirmed_time"])
	}
}

func TestReduce_CancelSetsFlag(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{Tool: plan.ToolCancelAppointment, Status: broker.StatusSuccess, Timestamp: obsTime},
	})
	if patch.Slots["_cancelled"] != true {
		t.Errorf("_cancelled = %v", patch.Slots["_cancelled"])
	}
}

func TestReduce_FailuresDentConfidence(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{Tool: plan.ToolBookAppointment, Status: broker.StatusFailure, Error: "backend down", Timestamp: obsTime},
	})

	if math.Abs(patch.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %v, want 0.7", patch.Confidence)
	}
	if len(patch.ValidationErrors) != 1 {
		t.Fatalf("validation_errors = %v", patch.ValidationErrors)
	}
	if patch.Slots["_tool_book_appointment_success"] != false {
		t.Errorf("success flag = %v", patch.Slots["_tool_book_appointment_success"])
	}
	if patch.Slots["_tool_book_appointment_error"] != "backend down" {
		t.Errorf("error flag = %v", patch.Slots["_tool_book_appointment_error"])
	}
	if patch.Slots["_booking_confirmed"] != nil {
		t.Error("_booking_confirmed set on failure")
	}
}

func TestReduce_CircuitOpenMessage(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{Tool: plan.ToolGetAvailableServices, Status: broker.StatusCircuitOpen, Timestamp: obsTime},
	})

	if len(patch.ValidationErrors) != 1 {
		t.Fatalf("validation_errors = %v", patch.ValidationErrors)
	}
	want := "Servicio get_available_services temporalmente no disponible."
	if patch.ValidationErrors[0] != want {
		t.Errorf("message = %q, want %q", patch.ValidationErrors[0], want)
	}
	if patch.Slots["_tool_get_available_services_circuit_open"] != true {
		t.Error("circuit_open flag not set")
	}
}

func TestReduce_SlowCallDentsConfidenceOnce(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{Tool: plan.ToolGetAvailableServices, Status: broker.StatusSuccess, LatencyMS: 12000, Timestamp: obsTime},
		{Tool: plan.ToolGetBusinessHours, Status: broker.StatusSuccess, LatencyMS: 15000, Timestamp: obsTime},
	})
	if math.Abs(patch.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence = %v, want 0.9 (single dent for the batch)", patch.Confidence)
	}

	patch = Reduce(nil, []broker.Observation{
		{Tool: plan.ToolGetAvailableServices, Status: broker.StatusSuccess, LatencyMS: 9000, Timestamp: obsTime},
	})
	if patch.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0 below the slow threshold", patch.Confidence)
	}
}

func TestReduce_CompoundConfidence(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{Tool: plan.ToolGetAvailableServices, Status: broker.StatusFailure, Timestamp: obsTime},
		{Tool: plan.ToolGetBusinessHours, Status: broker.StatusTimeout, LatencyMS: 12000, Timestamp: obsTime},
	})
	want := 1.0 * 0.7 * 0.7 * 0.9
	if math.Abs(patch.Confidence-want) > 1e-9 {
		t.Errorf("confidence = %v, want %v", patch.Confidence, want)
	}
}

func TestReduce_DuplicateLeavesSlotsAlone(t *testing.T) {
	patch := Reduce(nil, []broker.Observation{
		{
			Tool:      plan.ToolFindAppointmentByPhone,
			Status:    broker.StatusDuplicate,
			FromCache: true,
			Timestamp: obsTime,
			Data:      map[string]any{"booking_id": "BK-7"},
		},
	})
	if len(patch.Slots) != 0 {
		t.Errorf("duplicate produced slot changes: %v", patch.Slots)
	}
	if len(patch.ChangeReasons) != 1 {
		t.Fatalf("change_reasons = %v", patch.ChangeReasons)
	}
	if patch.Confidence != 1.0 {
		t.Errorf("confidence = %v", patch.Confidence)
	}
}

func TestApply_Immutable(t *testing.T) {
	state := map[string]any{"service_type": "Corte", "stale": "x", "old": "y"}
	patch := Patch{
		Slots:         map[string]any{"booking_id": "BK-1", "stale": nil},
		SlotsToRemove: []string{"old"},
	}

	merged := Apply(state, patch)

	if state["stale"] != "x" || len(state) != 3 {
		t.Errorf("input state mutated: %v", state)
	}
	if merged["booking_id"] != "BK-1" || merged["service_type"] != "Corte" {
		t.Errorf("merged = %v", merged)
	}
	if _, ok := merged["stale"]; ok {
		t.Error("nil patch value did not clear the key")
	}
	if _, ok := merged["old"]; ok {
		t.Error("slots_to_remove entry survived the merge")
	}
}

func TestReduce_ObservationHistoryTrimmed(t *testing.T) {
	var prior []broker.Observation
	for i := 0; i < 4; i++ {
		prior = append(prior, broker.Observation{Tool: "t" + strconv.Itoa(i), Status: broker.StatusSuccess, Timestamp: obsTime})
	}
	batch := []broker.Observation{
		{Tool: "t4", Status: broker.StatusSuccess, Timestamp: obsTime},
		{Tool: "t5", Status: broker.StatusSuccess, Timestamp: obsTime},
	}

	patch := Reduce(prior, batch)
	if len(patch.Observations) != HistoryKeep {
		t.Fatalf("observations len = %d, want %d", len(patch.Observations), HistoryKeep)
	}
	if patch.Observations[0].Tool != "t1" || patch.Observations[4].Tool != "t5" {
		t.Errorf("observations = %v", patch.Observations)
	}
	if len(prior) != 4 {
		t.Errorf("prior history mutated: %v", prior)
	}
}

func TestTrimObservations(t *testing.T) {
	var history []broker.Observation
	for i := 0; i < 8; i++ {
		history = append(history, broker.Observation{Tool: "t" + strconv.Itoa(i)})
	}

	trimmed := TrimObservations(history, HistoryKeep)
	if len(trimmed) != HistoryKeep {
		t.Fatalf("len = %d, want %d", len(trimmed), HistoryKeep)
	}
	if trimmed[0].Tool != "t3" || trimmed[4].Tool != "t7" {
		t.Errorf("trimmed = %v", trimmed)
	}

	short := TrimObservations(history[:2], HistoryKeep)
	if len(short) != 2 {
		t.Errorf("short len = %d", len(short))
	}
	if TrimObservations(nil, HistoryKeep) != nil {
		t.Error("nil history should trim to nil")
	}
}
