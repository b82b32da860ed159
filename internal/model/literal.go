package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// LiteralKind tags the parsed type of a dutmeas payload.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralInt
	LiteralFloat
	LiteralBool
	LiteralList
	LiteralMap
)

// Literal is a DUT-reported value coerced to the most specific type its
// textual form matches: integer, float, boolean, list, mapping, falling
// back to the plain string.
type Literal struct {
	Kind LiteralKind

	i int64
	f float64
	b bool
	l []any
	m map[string]any
	s string
}

// CoerceLiteral runs the ordered parse attempts over expr. It never fails;
// the last resort is the input string itself.
func CoerceLiteral(expr string) Literal {
	if i, err := strconv.ParseInt(expr, 0, 64); err == nil {
		return Literal{Kind: LiteralInt, i: i}
	}
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return Literal{Kind: LiteralFloat, f: f}
	}
	switch expr {
	case "true", "True":
		return Literal{Kind: LiteralBool, b: true}
	case "false", "False":
		return Literal{Kind: LiteralBool, b: false}
	}
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "[") {
		var l []any
		if err := json.Unmarshal([]byte(trimmed), &l); err == nil {
			return Literal{Kind: LiteralList, l: l}
		}
	}
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return Literal{Kind: LiteralMap, m: m}
		}
	}
	return Literal{Kind: LiteralString, s: expr}
}

// Value returns the parsed value as its native Go type.
func (l Literal) Value() any {
	switch l.Kind {
	case LiteralInt:
		return l.i
	case LiteralFloat:
		return l.f
	case LiteralBool:
		return l.b
	case LiteralList:
		return l.l
	case LiteralMap:
		return l.m
	default:
		return l.s
	}
}

func (l Literal) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Value())
}

func (l Literal) String() string {
	b, err := json.Marshal(l.Value())
	if err != nil {
		return "<unprintable>"
	}
	return string(b)
}
