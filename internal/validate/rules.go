package validate

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

type kind int

const (
	kindText kind = iota
	kindEmail
	kindUUID
	kindURL
	kindDate
	kindTimestamp
	kindEnum
	kindCurrency
	kindPositive
	kindBool
)

const (
	shortText = 200
	longText  = 10000
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

var errPositive = validation.NewError("validation_positive", "must be greater than zero")

type field struct {
	name     string
	kind     kind
	required bool
	limit    int
	values   []string
}

func text(name string, limit int) field { return field{name: name, kind: kindText, limit: limit} }
func email(name string) field { return field{name: name, kind: kindEmail, limit: shortText} }
func reference(name string) field { return field{name: name, kind: kindUUID} }
func link(name string) field { return field{name: name, kind: kindURL, limit: 2048} }
func date(name string) field { return field{name: name, kind: kindDate} }
func timestamp(name string) field { return field{name: name, kind: kindTimestamp} }
func currency(name string) field { return field{name: name, kind: kindCurrency} }
func positive(name string) field { return field{name: name, kind: kindPositive} }
func boolean(name string) field { return field{name: name, kind: kindBool} }
func oneOf(name string, v ...string) field { return field{name: name, kind: kindEnum, values: v} }

func (f field) require() field {
	f.required = true
	return f
}

// normalize coerces a raw JSON-ish value into the field's canonical Go
// type. Blank optional strings become nil.
func (f field) normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.kind {
	case kindPositive:
		return toNumber(value, f.required)
	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, errors.New("must be a boolean")
		}
		return b, nil
	}

	s, ok := value.(string)
	if !ok {
		return nil, errors.New("must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" && !f.required {
		return nil, nil
	}
	switch f.kind {
	case kindEmail:
		s = strings.ToLower(s)
	case kindCurrency:
		s = strings.ToUpper(s)
	}
	return s, nil
}

func toNumber(value any, required bool) (any, error) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int32:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, errors.New("must be a number")
		}
		n = parsed
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" && !required {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, errors.New("must be a number")
		}
		n = parsed
	default:
		return nil, errors.New("must be a number")
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, errors.New("must be a number")
	}
	return n, nil
}

func (f field) rules() []validation.Rule {
	var rules []validation.Rule
	if f.required {
		rules = append(rules, validation.Required)
	}
	if f.limit > 0 {
		rules = append(rules, validation.RuneLength(0, f.limit))
	}
	switch f.kind {
	case kindEmail:
		rules = append(rules, is.EmailFormat)
	case kindUUID:
		rules = append(rules, is.UUID)
	case kindURL:
		rules = append(rules, is.URL)
	case kindDate:
		rules = append(rules, validation.Date("2006-01-02").Error("must be a date in YYYY-MM-DD format"))
	case kindTimestamp:
		rules = append(rules, validation.Date(time.RFC3339).Error("must be an RFC 3339 timestamp"))
	case kindEnum:
		allowed := make([]any, len(f.values))
		for i, v := range f.values {
			allowed[i] = v
		}
		rules = append(rules, validation.In(allowed...).Error("must be one of: "+strings.Join(f.values, ", ")))
	case kindCurrency:
		rules = append(rules, validation.Match(currencyCode).Error("must be a three-letter currency code"))
	case kindPositive:
		rules = append(rules, validation.By(mustBePositive))
	}
	return rules
}

// mustBePositive is strict: validation.Min treats zero as empty and would
// let it through.
func mustBePositive(value any) error {
	n, ok := value.(float64)
	if !ok {
		return nil
	}
	if n <= 0 {
		return errPositive
	}
	return nil
}
