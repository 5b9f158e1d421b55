package codec

import (
	"sort"
	"strings"
)

const (
	InvalidPolygonMessage = "Not a valid polygon."
	InvalidStringMessage  = "Not a valid string."
	InvalidIntegerMessage = "Not a valid integer."
)

// FieldErrors collects validation messages per request field. It renders as
// the "errors" object of a 400 response.
type FieldErrors map[string][]string

// Add appends msg to field.
func (e FieldErrors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

func (e FieldErrors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString("validation failed:")
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(strings.Join(e[f], ", "))
		b.WriteString(";")
	}
	return b.String()
}

func invalidPolygon() *FieldErrors {
	e := FieldErrors{}
	e.Add("geom", InvalidPolygonMessage)
	return &e
}
