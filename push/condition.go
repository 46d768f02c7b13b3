package push

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"rcmon/erc"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// ParseOperator converts a string to an Operator.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator: %s", s)
}

// ValidOperators returns the accepted operator strings.
func ValidOperators() []string {
	return []string{"==", "!=", ">", "<", ">=", "<="}
}

// Condition compares a value against a target. Numeric-looking values on
// both sides compare as numbers, so "4001" > 0 holds and bools count as 0/1.
type Condition struct {
	Operator Operator
	Value    interface{}
}

// Evaluate checks if value satisfies the condition.
func (c *Condition) Evaluate(value interface{}) (bool, error) {
	target, targetIsNum := toFloat64(c.Value)
	v, valueIsNum := toFloat64(value)
	if targetIsNum && valueIsNum {
		switch c.Operator {
		case OpEqual:
			return v == target, nil
		case OpNotEqual:
			return v != target, nil
		case OpGreater:
			return v > target, nil
		case OpLess:
			return v < target, nil
		case OpGreaterEqual:
			return v >= target, nil
		case OpLessEqual:
			return v <= target, nil
		}
		return false, fmt.Errorf("unknown operator: %s", c.Operator)
	}

	switch c.Operator {
	case OpEqual:
		return reflect.DeepEqual(value, c.Value), nil
	case OpNotEqual:
		return !reflect.DeepEqual(value, c.Value), nil
	}
	return false, fmt.Errorf("operator %s not supported for non-numeric types", c.Operator)
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// SnapshotReader returns a controller's latest snapshot.
type SnapshotReader interface {
	Snapshot(name string) (erc.Snapshot, bool)
}

// FieldReader resolves state fields by JSON path, decoding each
// controller's snapshot at most once per evaluation pass.
type FieldReader struct {
	reader SnapshotReader
	trees  map[string]interface{}
}

func NewFieldReader(r SnapshotReader) *FieldReader {
	return &FieldReader{reader: r, trees: make(map[string]interface{})}
}

// Read returns the value at a dotted path such as
// controller.status.signal.emergencyStop or robots.0.status.powerHigh.
// Objects come back as their JSON text.
func (f *FieldReader) Read(controller, path string) (interface{}, error) {
	tree, ok := f.trees[controller]
	if !ok {
		snap, found := f.reader.Snapshot(controller)
		if !found || snap.Payload == nil {
			return nil, fmt.Errorf("no snapshot for %s", controller)
		}
		data, err := json.Marshal(snap.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
		f.trees[controller] = tree
	}

	node := tree
	for _, seg := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]interface{}:
			v, ok := n[seg]
			if !ok {
				return nil, fmt.Errorf("%s: no field %q", controller, path)
			}
			node = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, fmt.Errorf("%s: index %q out of range in %q", controller, seg, path)
			}
			node = n[i]
		default:
			return nil, fmt.Errorf("%s: %q is not a container in %q", controller, seg, path)
		}
	}

	switch node.(type) {
	case map[string]interface{}, []interface{}:
		data, _ := json.Marshal(node)
		return string(data), nil
	}
	return node, nil
}
