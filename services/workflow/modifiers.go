package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ModifierFunc is a named transformation run by Modifier nodes.
type ModifierFunc func(ctx context.Context, input any, args map[string]any) (any, error)

// ModifierSet maps modifier names to implementations.
type ModifierSet map[string]ModifierFunc

// BuiltinModifiers returns the transformations available to every plugin.
func BuiltinModifiers() ModifierSet {
	return ModifierSet{
		"select":      selectModifier,
		"filter":      filterModifier,
		"count":       countModifier,
		"statistics":  statisticsModifier,
		"group-count": groupCountModifier,
	}
}

// selectModifier returns the value at args["path"] inside input.
func selectModifier(_ context.Context, input any, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, errors.New("path argument is required")
	}
	return Lookup(input, path), nil
}

// filterModifier keeps the list items whose args["field"] satisfies
// args["operator"] against args["value"].
func filterModifier(_ context.Context, input any, args map[string]any) (any, error) {
	items, err := listArg(input, args)
	if err != nil {
		return nil, err
	}
	field, _ := args["field"].(string)
	operator, _ := args["operator"].(string)
	if operator == "" {
		operator = OpEqual
	}
	if !validOperators[operator] {
		return nil, fmt.Errorf("unknown operator %q", operator)
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		ok, err := compare(Lookup(item, field), operator, args["value"])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func countModifier(_ context.Context, input any, args map[string]any) (any, error) {
	if m, ok := input.(map[string]any); ok && args["source"] == nil {
		return len(m), nil
	}
	items, err := listArg(input, args)
	if err != nil {
		return nil, err
	}
	return len(items), nil
}

// statisticsModifier summarises the numeric args["field"] of every item.
// Items without a numeric value are skipped.
func statisticsModifier(_ context.Context, input any, args map[string]any) (any, error) {
	items, err := listArg(input, args)
	if err != nil {
		return nil, err
	}
	field, _ := args["field"].(string)

	count := 0
	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, item := range items {
		v, ok := toFloat64(Lookup(item, field))
		if !ok {
			continue
		}
		count++
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	stats := map[string]any{"count": count, "sum": sum}
	if count > 0 {
		stats["min"] = lo
		stats["max"] = hi
		stats["mean"] = sum / float64(count)
	}
	return stats, nil
}

// groupCountModifier counts list items per distinct args["field"] value.
func groupCountModifier(_ context.Context, input any, args map[string]any) (any, error) {
	items, err := listArg(input, args)
	if err != nil {
		return nil, err
	}
	field, _ := args["field"].(string)
	if field == "" {
		return nil, errors.New("field argument is required")
	}
	groups := make(map[string]any)
	for _, item := range items {
		key := Stringify(Lookup(item, field))
		n, _ := groups[key].(int)
		groups[key] = n + 1
	}
	return groups, nil
}

// listArg returns the list to operate on: input itself, or the value at
// args["source"] inside input.
func listArg(input any, args map[string]any) ([]any, error) {
	if source, _ := args["source"].(string); source != "" {
		input = Lookup(input, source)
	}
	items, ok := toList(input)
	if !ok {
		return nil, fmt.Errorf("input is %T, want a list", input)
	}
	return items, nil
}
