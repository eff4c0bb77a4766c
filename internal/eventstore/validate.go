package eventstore

import (
	"regexp"
	"strings"
	"unicode"
)

// injectionPatterns is the fixed denylist applied to every string field.
// Events must not smuggle executable content into downstream consumers.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bFunction\s*\(`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){8,}`),
	regexp.MustCompile(`(\\u[0-9a-fA-F]{4}){8,}`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
}

// validateString applies the shared string rules: bounded length, no NUL,
// at most 10% control characters, no injection pattern match.
func validateString(field, s string, maxLen int) error {
	if len(s) > maxLen {
		return newError(KindSecurity, "%s exceeds %d bytes", field, maxLen)
	}
	if strings.ContainsRune(s, 0) {
		return newError(KindSecurity, "%s contains NUL", field)
	}
	if len(s) > 0 {
		control := 0
		for _, r := range s {
			if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
				control++
			}
		}
		if control*10 > len(s) {
			return newError(KindSecurity, "%s has excessive control characters", field)
		}
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(s) {
			return newError(KindSecurity, "%s matches forbidden pattern", field)
		}
	}
	return nil
}

// validatePayload checks a structured payload: key count, nesting depth, list
// lengths, and value types (primitives, mappings, lists only).
func validatePayload(field string, m map[string]interface{}) error {
	return validateMapping(field, m, 1)
}

func validateMapping(field string, m map[string]interface{}, depth int) error {
	if depth > MaxNesting {
		return newError(KindSecurity, "%s exceeds nesting depth %d", field, MaxNesting)
	}
	if len(m) > MaxMapKeys {
		return newError(KindSecurity, "%s has more than %d keys", field, MaxMapKeys)
	}
	for k, v := range m {
		if err := validateString(field+" key", k, MaxIDBytes); err != nil {
			return err
		}
		if err := validateValue(field, v, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, v interface{}, depth int) error {
	switch val := v.(type) {
	case nil, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return nil
	case string:
		return validateString(field+" value", val, MaxStringBytes)
	case []byte:
		if len(val) > MaxStringBytes {
			return newError(KindSecurity, "%s binary value exceeds %d bytes", field, MaxStringBytes)
		}
		return nil
	case map[string]interface{}:
		return validateMapping(field, val, depth+1)
	case []interface{}:
		if len(val) > MaxListItems {
			return newError(KindSecurity, "%s list exceeds %d items", field, MaxListItems)
		}
		for _, item := range val {
			if err := validateValue(field, item, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return newError(KindSecurity, "%s has unsupported value type %T", field, v)
	}
}

// ValidateEvent applies every input rule to an event before append.
func ValidateEvent(e *Event) error {
	if e == nil {
		return newError(KindInvalidInput, "nil event")
	}
	if e.EventType == "" {
		return newError(KindInvalidInput, "event_type is required")
	}
	idFields := map[string]string{
		"event_type":       string(e.EventType),
		"aggregate_id":     e.AggregateID,
		"aggregate_type":   e.AggregateType,
		"correlation_id":   e.CorrelationID,
		"causation_id":     e.CausationID,
		"source_agent":     e.SourceAgent,
		"source_component": e.SourceComponent,
	}
	for field, value := range idFields {
		if err := validateString(field, value, MaxIDBytes); err != nil {
			return err
		}
	}
	if e.Data != nil {
		if err := validatePayload("data", e.Data); err != nil {
			return err
		}
	}
	if e.Metadata != nil {
		if err := validatePayload("metadata", e.Metadata); err != nil {
			return err
		}
	}
	return nil
}
