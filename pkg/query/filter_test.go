package query

import (
	"testing"

	"github.com/agentmem/core/pkg/types"
)

func TestFilterEqAndNe(t *testing.T) {
	md := types.Metadata{"category": "tech"}
	if !Matches([]Filter{{Path: "category", Op: OpEq, Value: "tech"}}, md) {
		t.Fatal("expected eq match")
	}
	if Matches([]Filter{{Path: "category", Op: OpNe, Value: "tech"}}, md) {
		t.Fatal("expected ne mismatch")
	}
}

func TestFilterUndefinedPath(t *testing.T) {
	md := types.Metadata{"category": "tech"}
	if Matches([]Filter{{Path: "missing", Op: OpEq, Value: "x"}}, md) {
		t.Fatal("comparison against undefined should be false except !=")
	}
	if !Matches([]Filter{{Path: "missing", Op: OpNe, Value: "x"}}, md) {
		t.Fatal("!= against undefined should be true")
	}
}

func TestFilterNumericComparisons(t *testing.T) {
	md := types.Metadata{"score": 7.0}
	cases := []struct {
		op   Op
		val  any
		want bool
	}{
		{OpLt, 10.0, true},
		{OpLte, 7.0, true},
		{OpGt, 7.0, false},
		{OpGte, 7.0, true},
		{OpLt, "not a number", false},
	}
	for _, c := range cases {
		if got := Matches([]Filter{{Path: "score", Op: c.op, Value: c.val}}, md); got != c.want {
			t.Fatalf("op %s val %v: got %v want %v", c.op, c.val, got, c.want)
		}
	}
}

func TestFilterIn(t *testing.T) {
	md := types.Metadata{"category": "tech"}
	if !Matches([]Filter{{Path: "category", Op: OpIn, Value: []any{"tech", "science"}}}, md) {
		t.Fatal("expected IN match")
	}
	if Matches([]Filter{{Path: "category", Op: OpIn, Value: []any{"sports"}}}, md) {
		t.Fatal("expected IN mismatch")
	}
}

func TestFilterBetween(t *testing.T) {
	md := types.Metadata{"score": 5.0}
	if !Matches([]Filter{{Path: "score", Op: OpBetween, Value: []any{0.0, 10.0}}}, md) {
		t.Fatal("expected BETWEEN match")
	}
	if Matches([]Filter{{Path: "score", Op: OpBetween, Value: []any{6.0, 10.0}}}, md) {
		t.Fatal("expected BETWEEN mismatch")
	}
}

func TestFilterLikeWildcardsCaseInsensitive(t *testing.T) {
	md := types.Metadata{"name": "Agent Memory"}
	if !Matches([]Filter{{Path: "name", Op: OpLike, Value: "agent%"}}, md) {
		t.Fatal("expected LIKE prefix match")
	}
	if !Matches([]Filter{{Path: "name", Op: OpLike, Value: "agent_memory"}}, md) {
		t.Fatal("expected LIKE single-char wildcard match")
	}
	if Matches([]Filter{{Path: "name", Op: OpLike, Value: "zzz%"}}, md) {
		t.Fatal("expected LIKE mismatch")
	}
}

func TestFilterNestedPath(t *testing.T) {
	md := types.Metadata{"user": types.Metadata{"age": 30.0}}
	if !Matches([]Filter{{Path: "user.age", Op: OpGte, Value: 18.0}}, md) {
		t.Fatal("expected nested path match")
	}
}

func TestFilterConjunction(t *testing.T) {
	md := types.Metadata{"category": "tech", "score": 9.0}
	filters := []Filter{
		{Path: "category", Op: OpEq, Value: "tech"},
		{Path: "score", Op: OpGte, Value: 5.0},
	}
	if !Matches(filters, md) {
		t.Fatal("expected both filters to match")
	}
	filters[1].Value = 10.0
	if Matches(filters, md) {
		t.Fatal("expected conjunction to fail when one filter fails")
	}
}
