package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Field is a static descriptor for one configuration key: a default, a
// caster to the canonical type, an optional validator, and an optional
// normalizer. The store consults the table generically; there is no
// per-field branching anywhere else.
type Field struct {
	Key       string
	Default   any
	Cast      func(v any) (any, error)
	Validate  func(v any) error
	Normalize func(v any) any
}

// coerce applies the full descriptor pipeline to a raw value.
func (f Field) coerce(v any) (any, error) {
	casted, err := f.Cast(v)
	if err != nil {
		return nil, err
	}
	if f.Validate != nil {
		if err := f.Validate(casted); err != nil {
			return nil, err
		}
	}
	if f.Normalize != nil {
		casted = f.Normalize(casted)
	}
	return casted, nil
}

var rebootTimePattern = regexp.MustCompile(`^(1[0-2]|[1-9]):[0-5][0-9] (AM|PM)$`)

// Schema is the full field table for the kiosk configuration document.
var Schema = []Field{
	{Key: "api_key", Default: "", Cast: asString, Normalize: trimString},
	{Key: "selected_line", Default: "", Cast: asString, Normalize: trimString},
	{Key: "selected_station", Default: "", Cast: asString, Normalize: trimString},
	{Key: "selected_destination", Default: "", Cast: asString, Normalize: trimString},
	{Key: "title_text", Default: "Next trains", Cast: asString, Normalize: trimString},
	{Key: "show_countdown", Default: true, Cast: asBool},
	{Key: "show_clock", Default: true, Cast: asBool},
	{Key: "filter_by_direction", Default: false, Cast: asBool},
	{Key: "filter_by_destination_direction", Default: false, Cast: asBool},
	{Key: "refresh_rate_seconds", Default: 30, Cast: asInt, Validate: intRange(5, 120)},
	{Key: "update_check_interval_seconds", Default: 300, Cast: asInt, Validate: intRange(5, 3600)},
	{Key: "reboot_enabled", Default: false, Cast: asBool},
	{Key: "reboot_time", Default: "12:00 AM", Cast: asString, Validate: matchPattern(rebootTimePattern, "time must look like 3:05 PM"), Normalize: upperString},
	{Key: "screen_sleep_enabled", Default: false, Cast: asBool},
	{Key: "screen_sleep_minutes", Default: 10, Cast: asInt, Validate: intRange(1, 24*60)},
	{Key: "update_branch", Default: "", Cast: asString, Normalize: trimString},
}

func schemaIndex() map[string]Field {
	index := make(map[string]Field, len(Schema))
	for _, f := range Schema {
		index[f.Key] = f
	}
	return index
}

func asString(v any) (any, error) {
	switch value := v.(type) {
	case string:
		return value, nil
	case nil:
		return "", nil
	default:
		return nil, fmt.Errorf("expected string, got %T", v)
	}
}

func asBool(v any) (any, error) {
	switch value := v.(type) {
	case bool:
		return value, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "on", "yes":
			return true, nil
		case "false", "0", "off", "no", "":
			return false, nil
		}
		return nil, fmt.Errorf("cannot interpret %q as bool", value)
	default:
		return nil, fmt.Errorf("expected bool, got %T", v)
	}
}

func asInt(v any) (any, error) {
	switch value := v.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		// JSON numbers arrive as float64.
		if value != float64(int(value)) {
			return nil, fmt.Errorf("expected integer, got %v", value)
		}
		return int(value), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("cannot interpret %q as integer", value)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

func intRange(min, max int) func(any) error {
	return func(v any) error {
		n, ok := v.(int)
		if !ok {
			return fmt.Errorf("expected integer, got %T", v)
		}
		if n < min || n > max {
			return fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
		}
		return nil
	}
}

func matchPattern(pattern *regexp.Regexp, message string) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if !pattern.MatchString(strings.ToUpper(strings.TrimSpace(s))) {
			return fmt.Errorf("%s", message)
		}
		return nil
	}
}

func trimString(v any) any {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}

func upperString(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return v
}
