// Package filter provides a minimal compiled-predicate stand-in for the
// relational query compiler and filter DSL parser, which are out of scope
// for the core (see the subscription bus's external interfaces). The bus
// only needs compile(expr) -> evaluate(object) -> bool; the real DSL is an
// external collaborator.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Filter evaluates whether an object matches a compiled predicate.
type Filter interface {
	// Evaluate reports whether object (a JSON-decodable record) matches.
	Evaluate(object map[string]any) bool
	// Source returns the original expression the filter was compiled from.
	Source() string
}

// matchAll accepts every object; it is what an empty or "*" filter compiles to.
type matchAll struct{ source string }

func (m matchAll) Evaluate(map[string]any) bool { return true }
func (m matchAll) Source() string               { return m.source }

// equality matches a single "field:value" clause.
type equality struct {
	source string
	field  string
	value  any
}

func (e equality) Evaluate(object map[string]any) bool {
	v, ok := lookup(object, e.field)
	if !ok {
		return false
	}
	return compareEqual(v, e.value)
}

func (e equality) Source() string { return e.source }

// conjunction matches only if every clause matches (AND composition).
type conjunction struct {
	source  string
	clauses []Filter
}

func (c conjunction) Evaluate(object map[string]any) bool {
	for _, clause := range c.clauses {
		if !clause.Evaluate(object) {
			return false
		}
	}
	return true
}

func (c conjunction) Source() string { return c.source }

// disjunction matches if any clause matches (OR composition).
type disjunction struct {
	source  string
	clauses []Filter
}

func (d disjunction) Evaluate(object map[string]any) bool {
	for _, clause := range d.clauses {
		if clause.Evaluate(object) {
			return true
		}
	}
	return false
}

func (d disjunction) Source() string { return d.source }

// Compile parses a small filter expression: "*" or empty matches everything;
// clauses of the form "field:value" are ANDed when joined with "&&" and ORed
// when joined with "||" (no mixed precedence, no parentheses — this is a
// stand-in for the real DSL compiler, not a replacement for it).
func Compile(expr string) (Filter, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" || trimmed == "*" {
		return matchAll{source: expr}, nil
	}

	if strings.Contains(trimmed, "||") {
		parts := strings.Split(trimmed, "||")
		clauses, err := compileClauses(expr, parts)
		if err != nil {
			return nil, err
		}
		return disjunction{source: expr, clauses: clauses}, nil
	}

	parts := strings.Split(trimmed, "&&")
	clauses, err := compileClauses(expr, parts)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return conjunction{source: expr, clauses: clauses}, nil
}

func compileClauses(source string, parts []string) ([]Filter, error) {
	clauses := make([]Filter, 0, len(parts))
	for _, part := range parts {
		clause, err := compileClause(source, part)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func compileClause(source, clause string) (Filter, error) {
	clause = strings.TrimSpace(clause)
	field, value, ok := strings.Cut(clause, ":")
	if !ok {
		return nil, fmt.Errorf("filter: invalid clause %q (expected field:value)", clause)
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, fmt.Errorf("filter: empty field in clause %q", clause)
	}
	return equality{source: source, field: field, value: parseValue(strings.TrimSpace(value))}, nil
}

func parseValue(raw string) any {
	if raw == "true" || raw == "false" {
		return raw == "true"
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return strings.Trim(raw, `"`)
}

func lookup(object map[string]any, field string) (any, bool) {
	segments := strings.Split(field, ".")
	var current any = object
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
