package services

import (
	"strings"

	"github.com/mohae/deepcopy"
)

const redactedValue = "[REDACTED]"

// DefaultRedactFields are the argument names masked in logs when no list is configured.
var DefaultRedactFields = []string{
	"email", "to", "cc", "bcc", "phone", "password", "token",
	"api_key", "apikey", "authorization", "secret", "ssn",
}

// Redactor masks configured fields at any depth of a tool argument map.
type Redactor struct {
	fields map[string]struct{}
}

func NewRedactor(fields []string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultRedactFields
	}
	r := &Redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}
	return r
}

// Redact returns a masked deep copy of args. args itself is never modified.
func (r *Redactor) Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cp, _ := deepcopy.Copy(args).(map[string]any)
	r.walk(cp)
	return cp
}

func (r *Redactor) walk(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, ok := r.fields[strings.ToLower(k)]; ok {
				t[k] = redactedValue
				continue
			}
			r.walk(child)
		}
	case []any:
		for _, child := range t {
			r.walk(child)
		}
	case []map[string]any:
		for _, child := range t {
			r.walk(child)
		}
	}
}
