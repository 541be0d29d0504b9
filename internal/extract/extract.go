// Package extract turns a raw utterance into a validated intent plus
// canonical slots, degrading to a keyword heuristic when the LLM
// oracle fails.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nictes1/orquesta/internal/observability"
	"github.com/nictes1/orquesta/internal/oracle"
	"github.com/nictes1/orquesta/internal/schemas"
	"github.com/nictes1/orquesta/internal/slots"
)

// Intent is one label from the closed intent set.
type Intent string

const (
	IntentGreeting     Intent = "greeting"
	IntentInfoServices Intent = "info_services"
	IntentInfoPrices   Intent = "info_prices"
	IntentInfoHours    Intent = "info_hours"
	IntentBook         Intent = "book"
	IntentCancel       Intent = "cancel"
	IntentReschedule   Intent = "reschedule"
	IntentChitchat     Intent = "chitchat"
	IntentOther        Intent = "other"
)

// Output is the validated extractor result.
type Output struct {
	Intent     Intent         `json:"intent"`
	Slots      map[string]any `json:"slots"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`

	// LowConfidence marks the turn for downstream clarification when
	// confidence fell below the configured threshold.
	LowConfidence bool `json:"-"`
}

const (
	defaultTimeout       = 5 * time.Second
	defaultMinConfidence = 0.7
	oracleTemperature    = 0.1
	oracleMaxTokens      = 300
	heuristicConfidence  = 0.5
)

// Extractor classifies intent and extracts canonical slots.
type Extractor struct {
	oracle  oracle.Oracle
	reg     *slots.Registry
	norm    *slots.Normalizer
	logger  *observability.Logger
	metrics *observability.Metrics

	timeout       time.Duration
	minConfidence float64
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithTimeout overrides the oracle call ceiling (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// WithMinConfidence overrides the low-confidence threshold (default 0.7).
func WithMinConfidence(c float64) Option {
	return func(e *Extractor) { e.minConfidence = c }
}

// WithMetrics attaches oracle metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// New creates an Extractor over the given oracle.
func New(o oracle.Oracle, reg *slots.Registry, norm *slots.Normalizer, logger *observability.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Extractor{
		oracle:        o,
		reg:           reg,
		norm:          norm,
		logger:        logger,
		timeout:       defaultTimeout,
		minConfidence: defaultMinConfidence,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract maps an utterance plus tenant hints to a validated Output.
// Empty input short-circuits without an oracle call. Oracle and schema
// failures degrade to the keyword heuristic; Extract never fails.
func (e *Extractor) Extract(ctx context.Context, utterance string, hints map[string]any, loc *time.Location) *Output {
	if strings.TrimSpace(utterance) == "" {
		return &Output{Intent: IntentOther, Slots: map[string]any{}, Confidence: 1.0}
	}

	out, err := e.fromOracle(ctx, utterance, hints, loc)
	if err != nil {
		e.logger.Warn(ctx, "extractor degraded to heuristic", "error", err.Error())
		if e.metrics != nil {
			e.metrics.OracleRequestTotal.WithLabelValues("extractor", "fallback").Inc()
		}
		out = e.heuristic(utterance)
	}

	out.LowConfidence = out.Confidence < e.minConfidence
	return out
}

func (e *Extractor) fromOracle(ctx context.Context, utterance string, hints map[string]any, loc *time.Location) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	raw, err := e.oracle.GenerateJSON(ctx, oracle.Request{
		System:      e.systemPrompt(hints),
		User:        utterance,
		Schema:      schemas.ExtractorSchema(),
		Temperature: oracleTemperature,
		MaxTokens:   oracleMaxTokens,
	})
	if e.metrics != nil {
		e.metrics.OracleRequestDuration.WithLabelValues("extractor").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	if err := schemas.ValidateExtractor(raw); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if e.metrics != nil {
		e.metrics.OracleRequestTotal.WithLabelValues("extractor", "success").Inc()
	}

	out.Slots = e.normalizeSlots(ctx, out.Slots, loc)
	return &out, nil
}

// normalizeSlots filters to the canonical vocabulary and coerces each
// value; values that fail normalization are dropped with a warning so
// only canonical representations flow downstream.
func (e *Extractor) normalizeSlots(ctx context.Context, raw map[string]any, loc *time.Location) map[string]any {
	out := make(map[string]any, len(raw))
	for name, value := range raw {
		if !e.reg.Has(name) {
			e.logger.Debug(ctx, "dropping non-canonical slot", "slot", name)
			continue
		}
		normalized, err := e.norm.Normalize(name, value, loc)
		if err != nil {
			e.logger.Warn(ctx, "dropping unnormalizable slot", "slot", name, "error", err.Error())
			continue
		}
		out[name] = normalized
	}
	return out
}

func (e *Extractor) systemPrompt(hints map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Sos el extractor de intención y datos de un asistente de reservas por WhatsApp.\n")
	sb.WriteString("Respondé únicamente con un objeto JSON con las claves intent, slots y confidence.\n\n")

	sb.WriteString("Intenciones posibles: greeting, info_services, info_prices, info_hours, book, cancel, reschedule, chitchat, other.\n\n")

	sb.WriteString("Slots canónicos:\n")
	for _, name := range e.reg.Names() {
		sb.WriteString("  - " + e.reg.Describe(name) + "\n")
	}

	sb.WriteString("\nReglas de normalización:\n")
	sb.WriteString("  - Fechas relativas (hoy, mañana, pasado mañana) quedan como texto; el sistema las resuelve.\n")
	sb.WriteString("  - Horas en formato 12h (3pm) quedan como texto; el sistema las convierte a 24h.\n")
	sb.WriteString("  - No inventes slots que el usuario no mencionó; usá null solo si el usuario lo negó.\n\n")

	sb.WriteString("Ejemplos:\n")
	sb.WriteString(`  Usuario: "hola!" -> {"intent":"greeting","slots":{},"confidence":0.98}` + "\n")
	sb.WriteString(`  Usuario: "¿qué servicios tienen?" -> {"intent":"info_services","slots":{},"confidence":0.95}` + "\n")
	sb.WriteString(`  Usuario: "quiero un corte mañana a las 3pm" -> {"intent":"book","slots":{"service_type":"corte","preferred_date":"mañana","preferred_time":"3pm"},"confidence":0.92}` + "\n")
	sb.WriteString(`  Usuario: "cancelá mi turno ABC123" -> {"intent":"cancel","slots":{"booking_id":"ABC123"},"confidence":0.95}` + "\n")

	if len(hints) > 0 {
		keys := make([]string, 0, len(hints))
		for k := range hints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContexto del negocio:\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, hints[k]))
		}
	}
	return sb.String()
}

// keyword lexicon for the heuristic fallback. Checked in order;
// cancel/reschedule before book so "cambiar el turno" does not read
// as a new booking.
var heuristicLexicon = []struct {
	intent   Intent
	keywords []string
}{
	{IntentReschedule, []string{"reprogramar", "reagendar", "cambiar el turno", "cambiar mi turno", "mover el turno"}},
	{IntentCancel, []string{"cancelar", "cancela", "anular", "dar de baja"}},
	{IntentBook, []string{"reservar", "reserva", "turno", "cita", "agendar", "quiero un", "book"}},
	{IntentInfoHours, []string{"horario", "horarios", "a qué hora", "abren", "cierran", "hours"}},
	{IntentInfoPrices, []string{"precio", "precios", "cuánto sale", "cuanto sale", "cuánto cuesta", "cuanto cuesta", "tarifa"}},
	{IntentInfoServices, []string{"servicios", "qué hacen", "que hacen", "ofrecen", "menú", "menu", "carta", "propiedades"}},
	{IntentGreeting, []string{"hola", "buenas", "buen día", "buen dia", "buenos días", "buenos dias", "hello", "hi "}},
}

// heuristic classifies intent from the keyword lexicon, with empty
// slots and fixed 0.5 confidence.
func (e *Extractor) heuristic(utterance string) *Output {
	lower := strings.ToLower(utterance)
	for _, entry := range heuristicLexicon {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return &Output{Intent: entry.intent, Slots: map[string]any{}, Confidence: heuristicConfidence}
			}
		}
	}
	return &Output{Intent: IntentOther, Slots: map[string]any{}, Confidence: heuristicConfidence}
}
