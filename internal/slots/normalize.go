package slots

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Normalizer coerces free-form slot values into their canonical
// representation. Normalization is idempotent: normalizing an already
// normalized value returns it unchanged.
type Normalizer struct {
	reg   *Registry
	now   func() time.Time
	title cases.Caser
}

// NewNormalizer creates a normalizer over the given registry using the
// wall clock. Relative dates resolve against the location passed to
// each call (tenant timezone), not a hardcoded zone.
func NewNormalizer(reg *Registry) *Normalizer {
	return &Normalizer{
		reg:   reg,
		now:   time.Now,
		title: cases.Title(language.Spanish),
	}
}

// WithClock overrides the clock, for deterministic tests.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

var (
	isoDateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dmyDateRe  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	hhmmRe     = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	ampmRe     = regexp.MustCompile(`^(\d{1,2})(?::([0-5]\d))?\s*(am|pm|AM|PM|a\.m\.|p\.m\.)$`)
	hourOnlyRe = regexp.MustCompile(`^([01]?\d|2[0-3])$`)
	phoneRe    = regexp.MustCompile(`^\+?\d{6,15}$`)
	emailRe    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// relativeDays maps relative-date words to day offsets.
var relativeDays = map[string]int{
	"hoy":           0,
	"today":         0,
	"mañana":        1,
	"manana":        1,
	"tomorrow":      1,
	"pasado mañana": 2,
	"pasado manana": 2,
}

// Normalize coerces value into the canonical form of slot name. The
// location resolves relative dates; a nil loc falls back to UTC. Nil
// values pass through as nil. Unknown slot names are an error.
func (n *Normalizer) Normalize(name string, value any, loc *time.Location) (any, error) {
	slot, ok := n.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown slot %q", name)
	}
	if value == nil {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	switch slot.Kind {
	case KindDate:
		return n.normalizeDate(value, loc)
	case KindTime:
		return normalizeTime(value)
	case KindEmail:
		return normalizeEmail(value)
	case KindPhone:
		return normalizePhone(value)
	case KindNumber:
		return normalizeNumber(value)
	default:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("slot %s: expected string, got %T", name, value)
		}
		s = strings.TrimSpace(s)
		if slot.TitleCase {
			s = n.title.String(strings.ToLower(s))
		}
		return s, nil
	}
}

// NormalizeArgs returns a normalized copy of args. Keys outside the
// canonical vocabulary pass through untouched (tool args may carry
// non-slot keys such as workspace_id). The input map is not modified.
// The second return value lists per-key normalization errors.
func (n *Normalizer) NormalizeArgs(args map[string]any, loc *time.Location) (map[string]any, []string) {
	out := make(map[string]any, len(args))
	var errs []string
	for k, v := range args {
		if !n.reg.Has(k) {
			out[k] = v
			continue
		}
		nv, err := n.Normalize(k, v, loc)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out[k] = nv
	}
	return out, errs
}

func (n *Normalizer) normalizeDate(value any, loc *time.Location) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("date: expected string, got %T", value)
	}
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil, nil
	}

	if offset, ok := relativeDays[s]; ok {
		return n.now().In(loc).AddDate(0, 0, offset).Format("2006-01-02"), nil
	}
	if isoDateRe.MatchString(s) {
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("date: invalid value %q", s)
		}
		return s, nil
	}
	if m := dmyDateRe.FindStringSubmatch(s); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if t.Day() != day || int(t.Month()) != month {
			return nil, fmt.Errorf("date: invalid value %q", s)
		}
		return t.Format("2006-01-02"), nil
	}
	return nil, fmt.Errorf("date: cannot parse %q", s)
}

func normalizeTime(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("time: expected string, got %T", value)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if m := hhmmRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%02d:%s", hour, m[2]), nil
	}
	if m := ampmRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour < 1 || hour > 12 {
			return nil, fmt.Errorf("time: invalid hour in %q", s)
		}
		minute := "00"
		if m[2] != "" {
			minute = m[2]
		}
		meridiem := strings.ToLower(strings.ReplaceAll(m[3], ".", ""))
		if meridiem == "pm" && hour != 12 {
			hour += 12
		}
		if meridiem == "am" && hour == 12 {
			hour = 0
		}
		return fmt.Sprintf("%02d:%s", hour, minute), nil
	}
	if m := hourOnlyRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%02d:00", hour), nil
	}
	return nil, fmt.Errorf("time: cannot parse %q", s)
}

func normalizeEmail(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("email: expected string, got %T", value)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	if !emailRe.MatchString(s) {
		return nil, fmt.Errorf("email: invalid value")
	}
	return s, nil
}

func normalizePhone(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("phone: expected string, got %T", value)
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if cleaned == "" {
		return nil, nil
	}
	if !phoneRe.MatchString(cleaned) {
		return nil, fmt.Errorf("phone: invalid value")
	}
	return cleaned, nil
}

func normalizeNumber(value any) (any, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("number: cannot parse %q", v)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("number: expected number, got %T", value)
	}
	if f <= 0 {
		return nil, fmt.Errorf("number: must be positive")
	}
	return f, nil
}
