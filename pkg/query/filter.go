package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentmem/core/pkg/types"
)

// Op is one of the comparison operators the query builder's Where clauses
// support, spec.md §4.2.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpIn      Op = "in"
	OpBetween Op = "between"
	OpLike    Op = "like"
)

// Filter is one metadata predicate. For OpIn, Value must be a slice; for
// OpBetween, Value must be a two-element slice [low, high].
type Filter struct {
	Path  string
	Op    Op
	Value any
}

// Matches reports whether md satisfies every filter in filters (a
// conjunction — the query builder has no OR). A missing path evaluates to
// undefined; any comparison against undefined is false except != against a
// defined target, per spec.md §4.2.
func Matches(filters []Filter, md types.Metadata) bool {
	for _, f := range filters {
		if !evaluate(f, md) {
			return false
		}
	}
	return true
}

func evaluate(f Filter, md types.Metadata) bool {
	actual, ok := md.Path(f.Path)
	if !ok {
		return f.Op == OpNe
	}
	switch f.Op {
	case OpEq:
		return valuesEqual(actual, f.Value)
	case OpNe:
		return !valuesEqual(actual, f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		return compareNumeric(f.Op, actual, f.Value)
	case OpIn:
		return evaluateIn(actual, f.Value)
	case OpBetween:
		return evaluateBetween(actual, f.Value)
	case OpLike:
		return evaluateLike(actual, f.Value)
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(op Op, a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpLt:
		return af < bf
	case OpLte:
		return af <= bf
	case OpGt:
		return af > bf
	case OpGte:
		return af >= bf
	}
	return false
}

func evaluateIn(actual, target any) bool {
	items, ok := asSlice(target)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func evaluateBetween(actual, target any) bool {
	items, ok := asSlice(target)
	if !ok || len(items) != 2 {
		return false
	}
	af, aok := toFloat64(actual)
	lo, lok := toFloat64(items[0])
	hi, hok := toFloat64(items[1])
	if !aok || !lok || !hok {
		return false
	}
	return af >= lo && af <= hi
}

func evaluateLike(actual, target any) bool {
	as, aok := actual.(string)
	ts, tok := target.(string)
	if !aok || !tok {
		return false
	}
	pattern := likeToRegexp(ts)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(as)
}

// likeToRegexp converts SQL-wildcard LIKE syntax (%, _) into a
// case-insensitive, fully-anchored regular expression.
func likeToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
