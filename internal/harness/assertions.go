package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/tether/internal/replica"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %-3s %s\n", event.Seq, event.Dir, event.Kind)
		}
	}
	return buf.String()
}

// AssertionContext provides the final state for assertions.
type AssertionContext struct {
	Ctx              context.Context
	Origin           replica.Store
	Authority        replica.Store // nil when the authority is silent
	Ready            bool
	State            string
	Pending          int
	ValidationErrors int
}

// assertFrameCount checks that frames of a kind appear exactly Count times.
func assertFrameCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Kind == a.Kind && (a.Dir == "" || event.Dir == a.Dir) {
			count++
		}
	}
	if count != a.Count {
		what := a.Kind
		if a.Dir != "" {
			what = a.Dir + " " + a.Kind
		}
		return &AssertionError{
			Type:     AssertFrameCount,
			Expected: fmt.Sprintf("%d %s frames", a.Count, what),
			Actual:   fmt.Sprintf("%d frames", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFrameOrder checks that kinds appear in order. Frames need not be
// adjacent; each expected kind matches the first later frame of that kind.
func assertFrameOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Kinds) && event.Kind == a.Kinds[next] {
			next++
		}
	}
	if next < len(a.Kinds) {
		return &AssertionError{
			Type:     AssertFrameOrder,
			Expected: fmt.Sprintf("frames in order: %v", a.Kinds),
			Actual:   fmt.Sprintf("missing %s after %v", a.Kinds[next], a.Kinds[:next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertReplica checks that the store holds exactly the expected ids and
// that each record contains the expected fields (subset match).
func assertReplica(ctx context.Context, store replica.Store, a Assertion) error {
	recs, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("replica assertion: %w", err)
	}

	actual := make(map[string]any, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		actual[r.ID] = r.Data
		ids = append(ids, r.ID)
	}
	want := make([]string, 0, len(a.Records))
	for id := range a.Records {
		want = append(want, id)
	}
	sort.Strings(want)

	if !reflect.DeepEqual(ids, want) {
		return &AssertionError{
			Type:     AssertReplica,
			Expected: fmt.Sprintf("records %v", want),
			Actual:   fmt.Sprintf("records %v", ids),
		}
	}

	for _, id := range want {
		if !matchFields(actual[id], a.Records[id]) {
			return &AssertionError{
				Type:     AssertReplica,
				Expected: fmt.Sprintf("record %s with fields %v", id, a.Records[id]),
				Actual:   fmt.Sprintf("%v", actual[id]),
			}
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, expectedVal := range expected {
		actualVal, exists := actualMap[key]
		if !exists || !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares a decoded wire value with a YAML-parsed expectation.
// Numbers compare by value whatever their Go type; maps and slices compare
// element-wise.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	if af, ok := toFloat(actual); ok {
		ef, ok := toFloat(expected)
		return ok && af == ef
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for k, v := range exp {
			if !valuesEqual(act[k], v) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !valuesEqual(act[i], exp[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertFrameCount:
			err = assertFrameCount(result.Trace, a)
		case AssertFrameOrder:
			err = assertFrameOrder(result.Trace, a)
		case AssertReplica:
			store := actx.Origin
			if a.Peer == "authority" {
				store = actx.Authority
			}
			if store == nil {
				err = fmt.Errorf("assertion[%d]: no %s replica", i, a.Peer)
			} else {
				err = assertReplica(actx.Ctx, store, a)
			}
		case AssertReady:
			if *a.Ready != actx.Ready {
				err = &AssertionError{Type: AssertReady, Expected: fmt.Sprint(*a.Ready), Actual: fmt.Sprint(actx.Ready)}
			}
		case AssertState:
			if a.State != actx.State {
				err = &AssertionError{Type: AssertState, Expected: a.State, Actual: actx.State}
			}
		case AssertValidationErrors:
			if a.Count != actx.ValidationErrors {
				err = &AssertionError{Type: AssertValidationErrors, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(actx.ValidationErrors)}
			}
		case AssertPending:
			if a.Count != actx.Pending {
				err = &AssertionError{Type: AssertPending, Expected: fmt.Sprint(a.Count), Actual: fmt.Sprint(actx.Pending)}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
