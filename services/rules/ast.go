package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/upb/oap-policy-engine/services/limits"
)

// Op is a predicate node kind
type Op string

const (
	OpEq     Op = "eq"
	OpIn     Op = "in"
	OpLte    Op = "lte"
	OpLt     Op = "lt"
	OpAnd    Op = "and"
	OpOr     Op = "or"
	OpNot    Op = "not"
	OpExists Op = "exists"
	OpField  Op = "field"
	OpConst  Op = "const"
)

// Wildcard in an allowlist matches any value
const Wildcard = "*"

// Expr is a node of the typed predicate tree. Conditions are parsed once
// when a policy is compiled and evaluated by a tree walk.
type Expr struct {
	Op    Op
	Args  []*Expr
	Field *FieldPath
	Value interface{}
}

type rawExpr struct {
	Op    Op                `json:"op"`
	Args  []json.RawMessage `json:"args"`
	Field *string           `json:"field"`
	Const json.RawMessage   `json:"const"`
	Value json.RawMessage   `json:"value"`
}

// ParseExpr decodes and checks a JSON condition
func ParseExpr(data []byte) (*Expr, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	var raw rawExpr
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}

	if raw.Op == "" {
		switch {
		case raw.Field != nil:
			raw.Op = OpField
		case raw.Const != nil:
			raw.Op = OpConst
		default:
			return nil, fmt.Errorf("condition %s: missing op", data)
		}
	}

	e := &Expr{Op: raw.Op}
	switch raw.Op {
	case OpField:
		if raw.Field == nil {
			return nil, fmt.Errorf("field node without path")
		}
		p, err := ParseFieldPath(*raw.Field)
		if err != nil {
			return nil, err
		}
		e.Field = p
		return e, nil
	case OpConst:
		v := raw.Const
		if v == nil {
			v = raw.Value
		}
		if v == nil {
			return nil, fmt.Errorf("const node without value")
		}
		if err := json.Unmarshal(v, &e.Value); err != nil {
			return nil, fmt.Errorf("const: %w", err)
		}
		return e, nil
	}

	for _, a := range raw.Args {
		child, err := ParseExpr(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", raw.Op, err)
		}
		e.Args = append(e.Args, child)
	}

	switch raw.Op {
	case OpEq, OpIn, OpLte, OpLt:
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("%s takes 2 arguments, got %d", raw.Op, len(e.Args))
		}
	case OpNot:
		if len(e.Args) != 1 {
			return nil, fmt.Errorf("not takes 1 argument, got %d", len(e.Args))
		}
	case OpExists:
		if len(e.Args) != 1 || e.Args[0].Op != OpField {
			return nil, fmt.Errorf("exists takes a single field argument")
		}
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return nil, fmt.Errorf("%s needs at least 1 argument", raw.Op)
		}
	default:
		return nil, fmt.Errorf("unknown op %q", raw.Op)
	}
	return e, nil
}

// Holds evaluates the node as a predicate. Only a boolean true holds.
func (e *Expr) Holds(env *Env) bool {
	b, ok := e.Eval(env).(bool)
	return ok && b
}

// Eval evaluates the node. Missing fields yield nil.
func (e *Expr) Eval(env *Env) interface{} {
	switch e.Op {
	case OpField:
		return e.Field.resolve(env)
	case OpConst:
		return e.Value
	case OpEq:
		return equal(e.Args[0].Eval(env), e.Args[1].Eval(env))
	case OpIn:
		return member(e.Args[0].Eval(env), e.Args[1].Eval(env))
	case OpLte:
		c, ok := compare(e.Args[0].Eval(env), e.Args[1].Eval(env))
		return ok && c <= 0
	case OpLt:
		c, ok := compare(e.Args[0].Eval(env), e.Args[1].Eval(env))
		return ok && c < 0
	case OpAnd:
		for _, a := range e.Args {
			if !a.Holds(env) {
				return false
			}
		}
		return true
	case OpOr:
		for _, a := range e.Args {
			if a.Holds(env) {
				return true
			}
		}
		return false
	case OpNot:
		return !e.Args[0].Holds(env)
	case OpExists:
		return present(e.Args[0].Eval(env))
	}
	return nil
}

// present reports whether v carries a value. Empty strings, lists and
// objects count as absent, so an empty allowlist leaves a rule unrestricted.
func present(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case []string:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	return true
}

// Fields returns every field path referenced by the tree
func (e *Expr) Fields() []*FieldPath {
	var out []*FieldPath
	var walk func(*Expr)
	walk = func(n *Expr) {
		if n.Field != nil {
			out = append(out, n.Field)
		}
		for _, a := range n.Args {
			walk(a)
		}
	}
	walk(e)
	return out
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// member implements in. A list on the left is a subset check.
func member(x, list interface{}) bool {
	if x == nil {
		return false
	}
	items, ok := asList(list)
	if !ok {
		return false
	}
	if xs, isList := asList(x); isList {
		if len(xs) == 0 {
			return false
		}
		for _, v := range xs {
			if !member(v, items) {
				return false
			}
		}
		return true
	}
	for _, item := range items {
		if s, ok := item.(string); ok && s == Wildcard {
			return true
		}
		if equal(x, item) {
			return true
		}
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// compare orders two numbers, exactly when both are integers
func compare(a, b interface{}) (int, bool) {
	ai, aInt := limits.ToInt64(a)
	bi, bInt := limits.ToInt64(b)
	if aInt && bInt && isNumber(a) && isNumber(b) {
		switch {
		case ai < bi:
			return -1, true
		case ai > bi:
			return 1, true
		}
		return 0, true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok || math.IsNaN(af) || math.IsNaN(bf) {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func isNumber(v interface{}) bool {
	_, ok := toFloat(v)
	return ok
}

func toFloat(v interface{}) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
