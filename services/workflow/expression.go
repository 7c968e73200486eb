package workflow

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/ohler55/ojg/jp"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve interpolates {{root.path}} placeholders in template against scope.
// A template made of a single placeholder yields the referenced value as is;
// anything else is rendered to a string. Unknown paths resolve to nil.
func Resolve(template string, scope map[string]any) any {
	trimmed := strings.TrimSpace(template)
	if loc := placeholderPattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return Lookup(scope, trimmed[loc[2]:loc[3]])
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		return Stringify(Lookup(scope, sub[1]))
	})
}

// ResolveString is Resolve followed by Stringify.
func ResolveString(template string, scope map[string]any) string {
	return Stringify(Resolve(template, scope))
}

// Lookup reads a dotted path such as "node-1.result.atoms.0.type" from data.
// Numeric segments index lists; everything else is a map key.
func Lookup(data any, path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return data
	}
	x := jp.R()
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if i, err := strconv.Atoi(seg); err == nil {
			x = x.N(i)
			continue
		}
		x = x.C(seg)
	}
	results := x.Get(data)
	if len(results) == 0 {
		return nil
	}
	return results[0]
}

// Stringify renders a resolved value for string interpolation.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// toFloat64 converts numeric values and numeric strings to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toList converts any slice value to []any.
func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
