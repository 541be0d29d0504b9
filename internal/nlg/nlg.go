// Package nlg renders the assistant reply for a turn from templates.
// Rendering is deterministic: the same state always produces the same
// text, in Spanish, capped at MaxReplyLen characters.
package nlg

import (
	"fmt"
	"strings"

	"github.com/nictes1/orquesta/internal/extract"
	"github.com/nictes1/orquesta/internal/policy"
)

// MaxReplyLen is the hard cap on reply length, in runes. WhatsApp
// messages past this read poorly on a phone screen.
const MaxReplyLen = 300

// Input is everything the renderer may draw on for one turn.
type Input struct {
	Intent extract.Intent

	// Slots is the merged conversation state after this turn's patch,
	// including derived "_" flags.
	Slots map[string]any

	// Missing lists slots still needed, in ask order.
	Missing []string

	// Denied is the first policy denial of the turn, if any.
	Denied *policy.Result

	// ValidationErrors come from the reducer (failed writes, open
	// circuits).
	ValidationErrors []string
}

// Render produces the assistant reply. It never returns an empty
// string and never exceeds MaxReplyLen runes.
func Render(in Input) string {
	return truncate(render(in), MaxReplyLen)
}

func render(in Input) string {
	if in.Denied != nil {
		return renderDenial(in.Denied)
	}
	if len(in.ValidationErrors) > 0 && !flag(in.Slots, "_booking_confirmed") && !flag(in.Slots, "_cancelled") && !flag(in.Slots, "_rescheduled") {
		return renderFailure(in)
	}

	switch in.Intent {
	case extract.IntentGreeting:
		return "¡Hola! ¿En qué puedo ayudarte? Puedo contarte sobre nuestros servicios, precios y horarios, o ayudarte a reservar un turno."
	case extract.IntentInfoServices, extract.IntentInfoPrices:
		return renderServices(in)
	case extract.IntentInfoHours:
		return renderHours(in)
	case extract.IntentBook:
		return renderBooking(in)
	case extract.IntentCancel:
		return renderCancel(in)
	case extract.IntentReschedule:
		return renderReschedule(in)
	case extract.IntentChitchat:
		return "¡Gracias por escribirnos! Si querés, puedo contarte sobre nuestros servicios o ayudarte a reservar un turno."
	default:
		return "No estoy seguro de haber entendido. ¿Querés consultar servicios, precios u horarios, o reservar un turno?"
	}
}

func renderDenial(res *policy.Result) string {
	switch res.Reason {
	case "tier too low":
		return "Esa función está disponible en un plan superior. Escribinos si querés conocer las opciones de upgrade."
	case "rate limit exceeded":
		return "Recibimos muchas solicitudes seguidas. Esperá un minuto y volvé a intentarlo, por favor."
	case "workspace not active":
		return "En este momento no podemos tomar reservas por este canal. Disculpá las molestias."
	case "plan exceeds max_tool_calls":
		return "Tu pedido tiene varias partes. ¿Por cuál querés que empecemos?"
	default:
		return "No puedo hacer eso por este canal. ¿Te ayudo con otra cosa?"
	}
}

func renderFailure(in Input) string {
	switch in.Intent {
	case extract.IntentInfoServices:
		return "Consulté los servicios pero no pude leerlo. ¿Probamos de nuevo?"
	case extract.IntentInfoPrices:
		return "Consulté los precios pero no pude leerlo. ¿Probamos de nuevo?"
	case extract.IntentInfoHours:
		return "Consulté los horarios pero no pude leerlo. ¿Probamos de nuevo?"
	default:
		return "Perdón, no pude completar la operación en este momento. Volvé a intentarlo en unos minutos, por favor."
	}
}

// renderServices lists up to three catalog entries with prices.
func renderServices(in Input) string {
	names := serviceNames(in.Slots["_available_services"], 3)
	if len(names) == 0 {
		return "Ofrecemos varios servicios. ¿Hay alguno en particular que te interese?"
	}
	prices, _ := in.Slots["_service_prices"].(map[string]any)

	header := "Servicios disponibles:"
	if in.Intent == extract.IntentInfoPrices {
		if s := str(in.Slots, "service_type"); s != "" {
			header = fmt.Sprintf("Precios de %s:", s)
		}
	}

	var b strings.Builder
	b.WriteString(header)
	for _, name := range names {
		if price, ok := prices[name]; ok {
			fmt.Fprintf(&b, "\n• %s: $%v", name, price)
		} else {
			fmt.Fprintf(&b, "\n• %s", name)
		}
	}
	return b.String()
}

// renderHours shows at most four schedule lines, with an ellipsis when
// more days exist.
func renderHours(in Input) string {
	hours, ok := in.Slots["_business_hours"].(map[string]any)
	if !ok || len(hours) == 0 {
		return "¿Qué día querés consultar? Te paso los horarios."
	}
	var b strings.Builder
	b.WriteString("Horarios:")
	lines := 0
	skipped := false
	for _, day := range []string{"lunes", "martes", "miércoles", "jueves", "viernes", "sábado", "domingo"} {
		v, ok := hours[day]
		if !ok {
			continue
		}
		if lines == 4 {
			skipped = true
			break
		}
		fmt.Fprintf(&b, "\n• %s: %v", day, v)
		lines++
	}
	if lines == 0 {
		return "¿Qué día querés consultar? Te paso los horarios."
	}
	if skipped {
		b.WriteString("\n…")
	}
	return b.String()
}

// slotQuestions, in ask priority: service, date, time, contact.
var slotQuestions = []struct {
	slot     string
	question string
}{
	{"service_type", "¿Qué servicio querés reservar?"},
	{"preferred_date", "¿Para qué fecha te gustaría el turno?"},
	{"preferred_time", "¿A qué hora te viene bien?"},
	{"client_name", "Para confirmar, ¿me decís tu nombre y tu email?"},
	{"client_email", "Para confirmar, ¿me decís tu nombre y tu email?"},
}

func renderBooking(in Input) string {
	if flag(in.Slots, "_booking_confirmed") {
		service := orElse(str(in.Slots, "service_type"), "Tu turno")
		date := orElse(str(in.Slots, "confirmed_date"), str(in.Slots, "preferred_date"))
		hour := orElse(str(in.Slots, "confirmed_time"), str(in.Slots, "preferred_time"))
		msg := "¡Listo! " + service + " reservado"
		if date != "" {
			msg += " para " + date
		}
		if hour != "" {
			msg += " a las " + hour
		}
		msg += "."
		if code := orElse(str(in.Slots, "confirmation_code"), str(in.Slots, "booking_id")); code != "" {
			msg += " Tu código es " + code + "."
		}
		return msg
	}

	if question := nextQuestion(in); question != "" {
		return question
	}

	if available, ok := in.Slots["_slot_available"].(bool); ok {
		if !available {
			return "Ese horario no está disponible. ¿Querés que busquemos otro día u otra hora?"
		}
		return "Hay disponibilidad. ¿Confirmás nombre y email para reservar?"
	}

	return "Perfecto, avanzo con tu reserva. Dame un segundo para confirmar la disponibilidad."
}

// nextQuestion asks for the highest-priority missing slot. Name and
// email share a single question so the user is not asked twice.
func nextQuestion(in Input) string {
	missing := make(map[string]bool, len(in.Missing))
	for _, name := range in.Missing {
		missing[name] = true
	}
	for _, q := range slotQuestions {
		if missing[q.slot] {
			return q.question
		}
	}
	return ""
}

func renderCancel(in Input) string {
	if flag(in.Slots, "_cancelled") {
		return "Turno cancelado. ¿Querés reagendar?"
	}
	if str(in.Slots, "booking_id") == "" {
		return "Para cancelar necesito el ID de tu turno o tu teléfono."
	}
	return "Encontré tu reserva. ¿Confirmás que querés cancelarla?"
}

func renderReschedule(in Input) string {
	if flag(in.Slots, "_rescheduled") {
		msg := "¡Listo! Reprogramé tu turno"
		if d := str(in.Slots, "confirmed_date"); d != "" {
			msg += " para el " + d
		}
		if h := str(in.Slots, "confirmed_time"); h != "" {
			msg += " a las " + h
		}
		return msg + "."
	}
	if str(in.Slots, "booking_id") == "" {
		return "Para reprogramar necesito el código de tu reserva. ¿Lo tenés a mano?"
	}
	if question := nextQuestion(in); question != "" {
		return question
	}
	return "Encontré tu reserva. ¿Para qué fecha y hora querés pasarla?"
}

func flag(slots map[string]any, key string) bool {
	v, ok := slots[key].(bool)
	return ok && v
}

func str(slots map[string]any, key string) string {
	v, _ := slots[key].(string)
	return v
}

func orElse(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// serviceNames coerces a decoded name list into at most max display
// strings.
func serviceNames(v any, max int) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		name, ok := item.(string)
		if !ok || name == "" {
			continue
		}
		out = append(out, name)
		if len(out) == max {
			break
		}
	}
	return out
}

// truncate caps s at max runes, ending with an ellipsis when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
