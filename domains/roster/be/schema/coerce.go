package schema

import (
	"fmt"
	"strings"
	"time"
)

// Row is a coerced CSV row: field name to nil, bool, time.Time or string.
type Row map[string]any

// FieldIssue records one cell that failed coercion. The row keeps the raw
// value as a fallback; the caller decides whether the issue rejects the row.
type FieldIssue struct {
	Field string
	Raw   string
	Err   error
}

func (i FieldIssue) String() string {
	return fmt.Sprintf("field %s: %v (value %q)", i.Field, i.Err, i.Raw)
}

// booleanTruths are the raw cell spellings coerced to true; anything else
// non-empty coerces to false.
var booleanTruths = map[string]struct{}{
	"true": {}, "1": {}, "yes": {}, "on": {},
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// Coerce converts a raw CSV row into typed values following the
// descriptor. Empty or absent cells become nil regardless of type.
// Unparseable date/datetime cells never abort the row: the raw string is
// kept in the row and a FieldIssue is returned for the caller to surface.
// Columns not declared in the descriptor are dropped.
func Coerce(desc Descriptor, raw map[string]string) (Row, []FieldIssue) {
	row := make(Row, len(desc.Fields))
	var issues []FieldIssue

	for _, field := range desc.Fields {
		value, ok := raw[field.Name]
		if !ok || strings.TrimSpace(value) == "" {
			row[field.Name] = nil
			continue
		}

		switch field.Type {
		case TypeBoolean:
			row[field.Name] = coerceBool(value)
		case TypeDate:
			t, err := ParseDate(value)
			if err != nil {
				row[field.Name] = value
				issues = append(issues, FieldIssue{Field: field.Name, Raw: value, Err: err})
				continue
			}
			row[field.Name] = t
		case TypeDateTime:
			t, err := ParseDateTime(value)
			if err != nil {
				row[field.Name] = value
				issues = append(issues, FieldIssue{Field: field.Name, Raw: value, Err: err})
				continue
			}
			row[field.Name] = t
		default:
			row[field.Name] = value
		}
	}

	return row, issues
}

func coerceBool(value string) bool {
	_, ok := booleanTruths[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

// ParseDate parses a calendar date with no time component.
func ParseDate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as date", value)
}

// ParseDateTime parses an ISO-8601-like timestamp. Values without a zone
// are taken as UTC.
func ParseDateTime(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as datetime", value)
}
