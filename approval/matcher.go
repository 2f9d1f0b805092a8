// Package approval decides which tool calls may run without asking the
// operator. Decisions come from an ordered list of patterns over the tool
// name and the structure of the call's input.
package approval

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/m4xw311/tandem/errors"
)

// Matcher is a structural pattern over a decoded JSON value.
type Matcher interface {
	Match(v any) bool
}

// Literal requires a string equal to it.
type Literal string

func (l Literal) Match(v any) bool {
	s, ok := v.(string)
	return ok && s == string(l)
}

// Regex requires a string value matching the expression.
type Regex struct {
	*regexp.Regexp
}

func MustRegex(expr string) Regex {
	return Regex{regexp.MustCompile(expr)}
}

func (r Regex) Match(v any) bool {
	s, ok := v.(string)
	return ok && r.MatchString(s)
}

// Predicate is an arbitrary test over the raw value.
type Predicate func(v any) bool

func (p Predicate) Match(v any) bool { return p(v) }

// Sequence matches an array position by position. Positions past the end of
// the value are matched against nil; extra value elements are unconstrained.
type Sequence []Matcher

func (s Sequence) Match(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i, m := range s {
		var elem any
		if i < rv.Len() {
			elem = rv.Index(i).Interface()
		}
		if !m.Match(elem) {
			return false
		}
	}
	return true
}

// Fields matches an object: every key must be present with a matching
// value. Keys absent from the pattern are unconstrained.
type Fields map[string]Matcher

func (f Fields) Match(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for k, m := range f {
		val, present := obj[k]
		if !present || !m.Match(val) {
			return false
		}
	}
	return true
}

// Equal requires a deep-equal value. Numbers compare by value regardless of
// their Go type.
type Equal struct {
	Value any
}

func (e Equal) Match(v any) bool {
	return equalValues(e.Value, v)
}

// Exact builds the matcher remembered by Governor.AllowToolUse: the value
// itself and nothing else.
func Exact(v any) Matcher {
	return Equal{Value: v}
}

func equalValues(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, present := bv[k]
			if !present || !equalValues(x, y) {
				return false
			}
		}
		return true
	case []any:
		return equalSlices(reflect.ValueOf(av), reflect.ValueOf(b))
	}
	ra := reflect.ValueOf(a)
	if ra.IsValid() && ra.Kind() == reflect.Slice {
		return equalSlices(ra, reflect.ValueOf(b))
	}
	return reflect.DeepEqual(a, b)
}

func equalSlices(a, b reflect.Value) bool {
	if !b.IsValid() || (b.Kind() != reflect.Slice && b.Kind() != reflect.Array) || a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !equalValues(a.Index(i).Interface(), b.Index(i).Interface()) {
			return false
		}
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ParseMatcher builds a matcher from a decoded YAML value. Strings wrapped
// in slashes are regular expressions, other strings are literals, lists are
// sequences and maps are field patterns. Any other scalar must be equal.
func ParseMatcher(v any) (Matcher, error) {
	switch val := v.(type) {
	case string:
		if len(val) >= 2 && strings.HasPrefix(val, "/") && strings.HasSuffix(val, "/") {
			re, err := regexp.Compile(val[1 : len(val)-1])
			if err != nil {
				return nil, errors.Wrapf(err, "invalid regular expression %s", val)
			}
			return Regex{re}, nil
		}
		return Literal(val), nil
	case []any:
		seq := make(Sequence, 0, len(val))
		for i, item := range val {
			m, err := ParseMatcher(item)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			seq = append(seq, m)
		}
		return seq, nil
	case map[string]any:
		fields := make(Fields, len(val))
		for k, item := range val {
			m, err := ParseMatcher(item)
			if err != nil {
				return nil, errors.Wrapf(err, "field %q", k)
			}
			fields[k] = m
		}
		return fields, nil
	}
	return Equal{Value: v}, nil
}

// String renders a matcher for logs and prompts.
func String(m Matcher) string {
	switch v := m.(type) {
	case nil:
		return "*"
	case Literal:
		return fmt.Sprintf("%q", string(v))
	case Regex:
		return "/" + v.String() + "/"
	case Predicate:
		return "<predicate>"
	case Sequence:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = String(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Fields:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + String(v[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case Equal:
		return fmt.Sprintf("%v", v.Value)
	}
	return fmt.Sprintf("%v", m)
}
