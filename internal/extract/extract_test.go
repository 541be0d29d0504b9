package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nictes1/orquesta/internal/oracle"
	"github.com/nictes1/orquesta/internal/slots"
)

func newExtractor(o oracle.Oracle, opts ...Option) *Extractor {
	reg := slots.NewRegistry()
	norm := slots.NewNormalizer(reg).WithClock(func() time.Time {
		return time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	})
	return New(o, reg, norm, nil, opts...)
}

func TestExtract_EmptyInputSkipsOracle(t *testing.T) {
	scripted := oracle.NewScripted()
	e := newExtractor(scripted)

	for _, input := range []string{"", "   ", "\n\t"} {
		out := e.Extract(context.Background(), input, nil, time.UTC)
		if out.Intent != IntentOther {
			t.Errorf("Extract(%q).Intent = %s, want other", input, out.Intent)
		}
		if len(out.Slots) != 0 {
			t.Errorf("Extract(%q).Slots = %v, want empty", input, out.Slots)
		}
		if out.Confidence != 1.0 {
			t.Errorf("Extract(%q).Confidence = %v, want 1.0", input, out.Confidence)
		}
	}
	if scripted.Calls() != 0 {
		t.Errorf("oracle called %d times for empty input", scripted.Calls())
	}
}

func TestExtract_OracleOutputNormalized(t *testing.T) {
	scripted := oracle.NewScripted().Respond(
		`{"intent":"book","slots":{"service_type":"corte","preferred_date":"mañana","preferred_time":"3pm","client_email":"Juan@Example.COM"},"confidence":0.92}`)
	e := newExtractor(scripted)

	out := e.Extract(context.Background(), "quiero un corte mañana a las 3pm", nil, time.UTC)

	if out.Intent != IntentBook {
		t.Errorf("Intent = %s, want book", out.Intent)
	}
	if out.Slots["preferred_date"] != "2025-10-16" {
		t.Errorf("preferred_date = %v, want 2025-10-16", out.Slots["preferred_date"])
	}
	if out.Slots["preferred_time"] != "15:00" {
		t.Errorf("preferred_time = %v, want 15:00", out.Slots["preferred_time"])
	}
	if out.Slots["client_email"] != "juan@example.com" {
		t.Errorf("client_email = %v, want lowercased", out.Slots["client_email"])
	}
	if out.LowConfidence {
		t.Error("confidence 0.92 marked low")
	}
}

func TestExtract_DropsNonCanonicalAndBadSlots(t *testing.T) {
	scripted := oracle.NewScripted().Respond(
		`{"intent":"book","slots":{"favorite_color":"azul","preferred_time":"cuando puedas"},"confidence":0.8}`)
	e := newExtractor(scripted)

	out := e.Extract(context.Background(), "turno", nil, time.UTC)
	if _, ok := out.Slots["favorite_color"]; ok {
		t.Error("non-canonical slot kept")
	}
	if _, ok := out.Slots["preferred_time"]; ok {
		t.Error("unnormalizable slot kept")
	}
}

func TestExtract_OracleErrorFallsBackToHeuristic(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		want      Intent
	}{
		{"greeting", "Hola, buenas tardes", IntentGreeting},
		{"hours", "¿a qué hora abren?", IntentInfoHours},
		{"prices", "cuánto sale el corte?", IntentInfoPrices},
		{"services", "qué servicios ofrecen", IntentInfoServices},
		{"book", "quiero reservar", IntentBook},
		{"cancel", "necesito cancelar", IntentCancel},
		{"reschedule", "quiero reagendar", IntentReschedule},
		{"other", "asdfgh", IntentOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scripted := oracle.NewScripted().Fail(errors.New("oracle down"))
			e := newExtractor(scripted)

			out := e.Extract(context.Background(), tt.utterance, nil, time.UTC)
			if out.Intent != tt.want {
				t.Errorf("heuristic intent = %s, want %s", out.Intent, tt.want)
			}
			if out.Confidence != 0.5 {
				t.Errorf("heuristic confidence = %v, want 0.5", out.Confidence)
			}
			if len(out.Slots) != 0 {
				t.Errorf("heuristic slots = %v, want empty", out.Slots)
			}
			if !out.LowConfidence {
				t.Error("heuristic output not marked low confidence")
			}
		})
	}
}

func TestExtract_SchemaViolationFallsBack(t *testing.T) {
	scripted := oracle.NewScripted().Respond(`{"intent":"purchase","slots":{},"confidence":0.9}`)
	e := newExtractor(scripted)

	out := e.Extract(context.Background(), "quiero reservar un turno", nil, time.UTC)
	if out.Intent != IntentBook {
		t.Errorf("fallback intent = %s, want book", out.Intent)
	}
	if out.Confidence != 0.5 {
		t.Errorf("fallback confidence = %v", out.Confidence)
	}
}

func TestExtract_LowConfidenceThreshold(t *testing.T) {
	scripted := oracle.NewScripted().Respond(`{"intent":"book","slots":{},"confidence":0.6}`)
	e := newExtractor(scripted)

	out := e.Extract(context.Background(), "mmm turno quizás", nil, time.UTC)
	if !out.LowConfidence {
		t.Error("confidence 0.6 should be below default threshold 0.7")
	}

	scripted = oracle.NewScripted().Respond(`{"intent":"book","slots":{},"confidence":0.6}`)
	e = newExtractor(scripted, WithMinConfidence(0.5))
	out = e.Extract(context.Background(), "mmm turno quizás", nil, time.UTC)
	if out.LowConfidence {
		t.Error("confidence 0.6 should pass threshold 0.5")
	}
}

func TestExtract_HintsReachPrompt(t *testing.T) {
	scripted := oracle.NewScripted().Respond(`{"intent":"info_services","slots":{},"confidence":0.9}`)
	e := newExtractor(scripted)

	e.Extract(context.Background(), "qué tienen?", map[string]any{"services": []string{"Corte", "Color"}}, time.UTC)

	req := scripted.LastRequest()
	if req.Temperature != 0.1 {
		t.Errorf("temperature = %v, want 0.1", req.Temperature)
	}
	if req.MaxTokens != 300 {
		t.Errorf("max tokens = %d, want 300", req.MaxTokens)
	}
	if want := "Corte"; !strings.Contains(req.System, want) {
		t.Errorf("system prompt missing hint %q", want)
	}
}
