package slots

import (
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	// Wednesday 2025-10-15 18:30 UTC
	return func() time.Time {
		return time.Date(2025, 10, 15, 18, 30, 0, 0, time.UTC)
	}
}

func TestNormalize_RelativeDates(t *testing.T) {
	n := NewNormalizer(NewRegistry()).WithClock(fixedClock())

	tests := []struct {
		input string
		want  string
	}{
		{"hoy", "2025-10-15"},
		{"today", "2025-10-15"},
		{"mañana", "2025-10-16"},
		{"Mañana", "2025-10-16"},
		{"manana", "2025-10-16"},
		{"tomorrow", "2025-10-16"},
		{"pasado mañana", "2025-10-17"},
		{"2025-10-20", "2025-10-20"},
		{"20/10/2025", "2025-10-20"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := n.Normalize("preferred_date", tt.input, time.UTC)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_RelativeDateUsesLocation(t *testing.T) {
	n := NewNormalizer(NewRegistry()).WithClock(fixedClock())

	// 18:30 UTC on the 15th is already the 16th in UTC+12.
	loc := time.FixedZone("UTC+12", 12*3600)
	got, err := n.Normalize("preferred_date", "hoy", loc)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got != "2025-10-16" {
		t.Errorf("Normalize(hoy, UTC+12) = %v, want 2025-10-16", got)
	}
}

func TestNormalize_Times(t *testing.T) {
	n := NewNormalizer(NewRegistry())

	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "3pm", want: "15:00"},
		{input: "3 PM", want: "15:00"},
		{input: "3:30pm", want: "15:30"},
		{input: "12pm", want: "12:00"},
		{input: "12am", want: "00:00"},
		{input: "9am", want: "09:00"},
		{input: "15:00", want: "15:00"},
		{input: "9:05", want: "09:05"},
		{input: "15", want: "15:00"},
		{input: "25:00", wantErr: true},
		{input: "más tarde", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := n.Normalize("preferred_time", tt.input, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize_EmailPhoneNameNumber(t *testing.T) {
	n := NewNormalizer(NewRegistry())

	got, err := n.Normalize("client_email", "  Juan@Example.COM ", nil)
	if err != nil || got != "juan@example.com" {
		t.Errorf("email = %v (err %v), want juan@example.com", got, err)
	}
	if _, err := n.Normalize("client_email", "not-an-email", nil); err == nil {
		t.Error("invalid email accepted")
	}

	got, err = n.Normalize("client_phone", "+54 (11) 5555-1234", nil)
	if err != nil || got != "+541155551234" {
		t.Errorf("phone = %v (err %v), want +541155551234", got, err)
	}
	if _, err := n.Normalize("client_phone", "abc", nil); err == nil {
		t.Error("invalid phone accepted")
	}

	got, err = n.Normalize("client_name", "juan pérez", nil)
	if err != nil || got != "Juan Pérez" {
		t.Errorf("name = %v (err %v), want Juan Pérez", got, err)
	}

	got, err = n.Normalize("party_size", "4", nil)
	if err != nil || got != 4.0 {
		t.Errorf("party_size = %v (err %v), want 4", got, err)
	}
	if _, err := n.Normalize("party_size", "-1", nil); err == nil {
		t.Error("negative number accepted")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := NewNormalizer(NewRegistry()).WithClock(fixedClock())

	cases := []struct {
		slot  string
		value any
	}{
		{"preferred_date", "mañana"},
		{"preferred_date", "2025-12-01"},
		{"preferred_time", "3pm"},
		{"preferred_time", "09:30"},
		{"client_email", "Foo@Bar.com"},
		{"client_name", "juan pérez"},
		{"client_phone", "+54 11 5555 1234"},
		{"party_size", "2"},
		{"service_type", " Corte "},
	}

	for _, tc := range cases {
		once, err := n.Normalize(tc.slot, tc.value, time.UTC)
		if err != nil {
			t.Fatalf("Normalize(%s, %v) error: %v", tc.slot, tc.value, err)
		}
		twice, err := n.Normalize(tc.slot, once, time.UTC)
		if err != nil {
			t.Fatalf("re-Normalize(%s, %v) error: %v", tc.slot, once, err)
		}
		if twice != once {
			t.Errorf("Normalize(%s) not idempotent: %v != %v", tc.slot, twice, once)
		}
	}
}

func TestNormalize_NilPassesThrough(t *testing.T) {
	n := NewNormalizer(NewRegistry())
	got, err := n.Normalize("preferred_date", nil, nil)
	if err != nil || got != nil {
		t.Errorf("Normalize(nil) = %v, %v, want nil, nil", got, err)
	}
}

func TestNormalizeArgs_KeepsNonSlotKeys(t *testing.T) {
	n := NewNormalizer(NewRegistry()).WithClock(fixedClock())

	args := map[string]any{
		"workspace_id":   "ws-1",
		"preferred_date": "mañana",
		"preferred_time": "bad value",
	}
	out, errs := n.NormalizeArgs(args, time.UTC)

	if out["workspace_id"] != "ws-1" {
		t.Errorf("workspace_id = %v, want ws-1", out["workspace_id"])
	}
	if out["preferred_date"] != "2025-10-16" {
		t.Errorf("preferred_date = %v, want 2025-10-16", out["preferred_date"])
	}
	if len(errs) != 1 {
		t.Errorf("errs = %v, want one entry", errs)
	}
	if args["preferred_date"] != "mañana" {
		t.Error("input map was mutated")
	}
}

func TestRedactArgs(t *testing.T) {
	reg := NewRegistry()
	args := map[string]any{
		"client_email": "juan@example.com",
		"client_name":  "Juan Pérez",
		"service_type": "Corte",
	}
	out := reg.RedactArgs(args)

	if out["client_email"] != Redacted || out["client_name"] != Redacted {
		t.Errorf("PII not redacted: %v", out)
	}
	if out["service_type"] != "Corte" {
		t.Errorf("non-PII redacted: %v", out["service_type"])
	}
	if args["client_email"] != "juan@example.com" {
		t.Error("input map was mutated")
	}
}
