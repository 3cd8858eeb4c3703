// Package expr compiles the small field-comparison expression language used
// by hunts, cron queries, and per-user forced expressions into Elasticsearch
// query DSL fragments. The full session query-expression grammar (as used by
// the UI) is treated as an external black box; this package implements the
// conjunctive subset (`field == value`, `field != value`, `field in [a,b]`,
// and `a && b`) that the engines themselves need to compose with a
// lastPacket time range and a user's forced expression.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Compiler turns expression strings into Elasticsearch bool-query clauses.
type Compiler interface {
	Compile(expression string) (map[string]any, error)
}

// compileError marks an expression that will never compile, latching a
// hunt or cron query into its unrunnable/paused terminal state.
type compileError struct {
	expression string
	reason     string
}

func (e *compileError) Error() string {
	return fmt.Sprintf("compiling expression %q: %s", e.expression, e.reason)
}

// NewCompiler returns the default conjunctive-clause compiler.
func NewCompiler() Compiler {
	return conjunctiveCompiler{}
}

type conjunctiveCompiler struct{}

// Compile splits on "&&", then each clause on "==", "!=", or "in", producing
// a bool query with a must clause per conjunct. An empty expression compiles
// to match_all.
func (conjunctiveCompiler) Compile(expression string) (map[string]any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return map[string]any{"match_all": map[string]any{}}, nil
	}

	clauses := strings.Split(expression, "&&")
	must := make([]map[string]any, 0, len(clauses))
	for _, clause := range clauses {
		c, err := compileClause(strings.TrimSpace(clause))
		if err != nil {
			return nil, err
		}
		must = append(must, c)
	}

	if len(must) == 1 {
		return must[0], nil
	}
	return map[string]any{"bool": map[string]any{"must": must}}, nil
}

func compileClause(clause string) (map[string]any, error) {
	switch {
	case strings.Contains(clause, "!="):
		parts := strings.SplitN(clause, "!=", 2)
		field, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		return map[string]any{
			"bool": map[string]any{
				"must_not": []map[string]any{{"term": map[string]any{field: typedValue(val)}}},
			},
		}, nil
	case strings.Contains(clause, "=="):
		parts := strings.SplitN(clause, "==", 2)
		field, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		return map[string]any{"term": map[string]any{field: typedValue(val)}}, nil
	case strings.Contains(clause, " in "):
		parts := strings.SplitN(clause, " in ", 2)
		field := strings.TrimSpace(parts[0])
		list := strings.Trim(strings.TrimSpace(parts[1]), "[]")
		values := make([]any, 0)
		for _, v := range strings.Split(list, ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				values = append(values, typedValue(v))
			}
		}
		return map[string]any{"terms": map[string]any{field: values}}, nil
	default:
		return nil, &compileError{expression: clause, reason: "unrecognized clause syntax"}
	}
}

func typedValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.Trim(s, `"'`)
}

// LastPacketRange builds the `lastPacket` range clause every scroll query in
// the hunt and cron engines injects, in milliseconds since epoch.
func LastPacketRange(gteMillis, ltMillis int64) map[string]any {
	r := map[string]any{"gte": gteMillis}
	if ltMillis > 0 {
		r["lt"] = ltMillis
	}
	return map[string]any{"range": map[string]any{"lastPacket": r}}
}

// And combines any number of compiled clauses into a single bool/must query,
// dropping match_all clauses since they contribute nothing.
func And(clauses ...map[string]any) map[string]any {
	must := make([]map[string]any, 0, len(clauses))
	for _, c := range clauses {
		if c == nil {
			continue
		}
		if _, isMatchAll := c["match_all"]; isMatchAll {
			continue
		}
		must = append(must, c)
	}
	if len(must) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	if len(must) == 1 {
		return must[0]
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}
