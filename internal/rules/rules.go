// Package rules implements the condition engine: registration-time
// validation of condition lists and runtime evaluation of a rule against a
// caller-supplied action record. Validation is strict and fails fast;
// evaluation never fails, it reports mismatches as unmet conditions.
package rules

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/types"
)

// DecodeConditions maps a raw JSON-decoded array onto typed conditions.
// Shape problems (non-object entries, non-string fields, unknown keys) are
// reported as validation errors with the 1-based position of the offender.
func DecodeConditions(raw []any) ([]types.Condition, error) {
	conds := make([]types.Condition, 0, len(raw))
	for i, entry := range raw {
		var c types.Condition
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:      &c,
			ErrorUnused: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, "build condition decoder")
		}
		if err := dec.Decode(entry); err != nil {
			return nil, types.WrapError(types.CodeValidation, err, "condition %d is malformed", i+1)
		}
		conds = append(conds, c)
	}
	return conds, nil
}

// Validate checks a proposed condition list against the registration rules.
// The first violation wins; input order is authoritative, so the reported
// violation is deterministic for a given list.
func Validate(conds []types.Condition) error {
	if len(conds) == 0 {
		return types.NewError(types.CodeValidation, "rule requires at least one condition")
	}
	if len(conds) > types.MaxConditions {
		return types.NewError(types.CodeValidation,
			"rule has %d conditions, the maximum is %d", len(conds), types.MaxConditions)
	}
	for i, c := range conds {
		if err := validateCondition(i+1, c); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(pos int, c types.Condition) error {
	if c.Field == "" {
		return types.NewError(types.CodeValidation, "condition %d: field is required", pos)
	}
	if !lo.Contains(types.KnownOperators, c.Operator) {
		return types.NewError(types.CodeValidation,
			"condition %d: unknown operator %q", pos, string(c.Operator))
	}
	if c.Value == nil {
		return types.NewError(types.CodeValidation, "condition %d: value is required", pos)
	}
	switch c.Operator {
	case types.OpIn, types.OpNotIn:
		if _, ok := asList(c.Value); !ok {
			return types.NewError(types.CodeValidation,
				"condition %d: operator %s requires a list value", pos, c.Operator)
		}
	case types.OpLt, types.OpLte, types.OpGt, types.OpGte:
		if _, ok := asReal(c.Value); !ok {
			return types.NewError(types.CodeValidation,
				"condition %d: operator %s requires a numeric value", pos, c.Operator)
		}
	}
	return nil
}

// ValidateAction checks the shape bounds of an action record: entry count,
// field name length, and value kinds. Values may be scalars, null, or
// homogeneous lists of scalars. An empty record is legal; rules evaluated
// against it fail through the missing-field policy instead.
func ValidateAction(record types.ActionRecord) error {
	if len(record) > types.MaxActionEntries {
		return types.NewError(types.CodeValidation,
			"action record has %d entries, the maximum is %d", len(record), types.MaxActionEntries)
	}
	for field, value := range record {
		if field == "" {
			return types.NewError(types.CodeValidation, "action field names cannot be empty")
		}
		if len(field) > types.MaxFieldNameLength {
			return types.NewError(types.CodeValidation,
				"action field names cannot exceed %d characters", types.MaxFieldNameLength)
		}
		if err := validateActionValue(field, value); err != nil {
			return err
		}
	}
	return nil
}

func validateActionValue(field string, v any) error {
	if v == nil || isScalar(v) {
		return nil
	}
	list, ok := asList(v)
	if !ok {
		return types.NewError(types.CodeValidation,
			"action field %q must be a scalar or a list of scalars", field)
	}
	var kind string
	for _, item := range list {
		k, ok := scalarKind(item)
		if !ok {
			return types.NewError(types.CodeValidation,
				"action field %q has a non-scalar list element", field)
		}
		if kind == "" {
			kind = k
		} else if k != kind {
			return types.NewError(types.CodeValidation,
				"action field %q mixes %s and %s elements", field, kind, k)
		}
	}
	return nil
}

func isScalar(v any) bool {
	_, ok := scalarKind(v)
	return ok
}

func scalarKind(v any) (string, bool) {
	if _, ok := asReal(v); ok {
		return "number", true
	}
	switch v.(type) {
	case string:
		return "string", true
	case bool:
		return "boolean", true
	}
	return "", false
}

// Evaluate runs every condition against the action record and aggregates the
// outcome. Missing fields, type mismatches, and corrupt operators all surface
// as pass=false on the affected condition; evaluation always completes. A
// zero-condition list is never met.
func Evaluate(conds []types.Condition, record types.ActionRecord) types.Evaluation {
	results := lo.Map(conds, func(c types.Condition, _ int) types.ConditionResult {
		return evaluateCondition(c, record)
	})
	met := len(results) > 0 && lo.EveryBy(results, func(r types.ConditionResult) bool {
		return r.Pass
	})
	return types.Evaluation{
		Results: results,
		Met:     met,
		Summary: summarize(met, results),
	}
}

func evaluateCondition(c types.Condition, record types.ActionRecord) types.ConditionResult {
	result := types.ConditionResult{
		Field:    c.Field,
		Operator: c.Operator,
		Expected: c.Value,
	}
	actual, present := record[c.Field]
	if !present || actual == nil {
		// Absent and null are the same failure: actual stays null.
		return result
	}
	result.Actual = actual
	result.Pass = holds(c.Operator, actual, c.Value)
	return result
}

func summarize(met bool, results []types.ConditionResult) string {
	n := len(results)
	noun := "conditions"
	if n == 1 {
		noun = "condition"
	}
	if met {
		return "All " + strconv.Itoa(n) + " " + noun + " passed"
	}
	failed := lo.CountBy(results, func(r types.ConditionResult) bool { return !r.Pass })
	return strconv.Itoa(failed) + " of " + strconv.Itoa(n) + " " + noun + " failed"
}

func holds(op types.Operator, actual, expected any) bool {
	switch op {
	case types.OpEq:
		return strictEqual(actual, expected)
	case types.OpNeq:
		return !strictEqual(actual, expected)
	case types.OpLt, types.OpLte, types.OpGt, types.OpGte:
		a, okActual := asReal(actual)
		e, okExpected := asReal(expected)
		if !okActual || !okExpected {
			return false
		}
		switch op {
		case types.OpLt:
			return a < e
		case types.OpLte:
			return a <= e
		case types.OpGt:
			return a > e
		default:
			return a >= e
		}
	case types.OpIn, types.OpNotIn:
		list, ok := asList(expected)
		if !ok {
			return false
		}
		found := lo.SomeBy(list, func(item any) bool { return strictEqual(item, actual) })
		return found == (op == types.OpIn)
	case types.OpContains, types.OpNotContains:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		found := strings.Contains(s, stringForm(expected))
		return found == (op == types.OpContains)
	default:
		// Unknown operator in a stored rule; the coordinator reports the
		// rule as corrupt before evaluation, this is the backstop.
		return false
	}
}

// strictEqual compares two JSON values without cross-type coercion: numbers
// to numbers, strings to strings, booleans to booleans, lists element-wise.
// JSON has a single number type, so 50000 and 50000.0 are equal.
func strictEqual(a, b any) bool {
	if na, ok := asReal(a); ok {
		nb, ok := asReal(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	la, okA := asList(a)
	lb, okB := asList(b)
	if okA && okB {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !strictEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// asReal accepts JSON numbers and the Go numeric kinds that appear after
// decoding. Strings and booleans never coerce.
func asReal(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// stringForm renders the expected value as text for substring matching.
func stringForm(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
