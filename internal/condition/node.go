package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the variant of a condition node.
type Kind string

const (
	KindAll     Kind = "all"
	KindAny     Kind = "any"
	KindNot     Kind = "not"
	KindCompare Kind = "compare"
	KindExpr    Kind = "expr"
)

// Operator is the comparison applied by a compare leaf.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "nin"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
)

// ErrInvalidNode is returned by Validate and Parse for structurally broken trees.
var ErrInvalidNode = errors.New("condition: invalid node")

// Node is an immutable boolean expression tree. The zero value matches
// everything so rules without conditions apply unconditionally.
type Node struct {
	Kind     Kind            `json:"kind,omitempty"`
	Children []Node          `json:"children,omitempty"`
	Field    string          `json:"field,omitempty"`
	Op       Operator        `json:"op,omitempty"`
	Value    any             `json:"value,omitempty"`
	Expr     json.RawMessage `json:"expr,omitempty"`
}

// All builds a conjunction.
func All(children ...Node) Node { return Node{Kind: KindAll, Children: children} }

// Any builds a disjunction.
func Any(children ...Node) Node { return Node{Kind: KindAny, Children: children} }

// Not negates child.
func Not(child Node) Node { return Node{Kind: KindNot, Children: []Node{child}} }

// Compare builds a field comparison leaf.
func Compare(field string, op Operator, value any) Node {
	return Node{Kind: KindCompare, Field: field, Op: op, Value: value}
}

// Expr builds a JSON-logic leaf from its JSON encoding.
func Expr(raw string) Node {
	return Node{Kind: KindExpr, Expr: json.RawMessage(raw)}
}

// IsTrue evaluates the tree against fields. It never fails: unknown kinds,
// missing fields and broken expressions evaluate to false.
func (n Node) IsTrue(fields Fields) bool {
	switch n.Kind {
	case "":
		return len(n.Children) == 0 || All(n.Children...).IsTrue(fields)
	case KindAll:
		for _, child := range n.Children {
			if !child.IsTrue(fields) {
				return false
			}
		}
		return true
	case KindAny:
		for _, child := range n.Children {
			if child.IsTrue(fields) {
				return true
			}
		}
		return false
	case KindNot:
		if len(n.Children) != 1 {
			return false
		}
		return !n.Children[0].IsTrue(fields)
	case KindCompare:
		actual, ok := fields.Lookup(n.Field)
		if !ok {
			return false
		}
		return compare(n.Op, actual, n.Value)
	case KindExpr:
		return evalExpr(n.Expr, fields)
	default:
		return false
	}
}

// Validate reports the first structural defect found in the tree.
func (n Node) Validate() error {
	return n.validate("$")
}

func (n Node) validate(path string) error {
	switch n.Kind {
	case "", KindAll, KindAny:
	case KindNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("%w: %s: not requires exactly one child", ErrInvalidNode, path)
		}
	case KindCompare:
		if strings.TrimSpace(n.Field) == "" {
			return fmt.Errorf("%w: %s: compare requires a field", ErrInvalidNode, path)
		}
		if !knownOperator(n.Op) {
			return fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidNode, path, n.Op)
		}
		if len(n.Children) > 0 {
			return fmt.Errorf("%w: %s: compare cannot have children", ErrInvalidNode, path)
		}
		return nil
	case KindExpr:
		if len(n.Expr) == 0 || !json.Valid(n.Expr) {
			return fmt.Errorf("%w: %s: expr is not valid json", ErrInvalidNode, path)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidNode, path, n.Kind)
	}
	for i, child := range n.Children {
		if err := child.validate(fmt.Sprintf("%s.children[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes a JSON encoded tree and validates it.
func Parse(data []byte) (Node, error) {
	var n Node
	if len(data) == 0 || string(data) == "null" {
		return n, nil
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	return n, nil
}

func knownOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpPrefix:
		return true
	}
	return false
}
