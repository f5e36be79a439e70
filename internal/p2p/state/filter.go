package state

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// matchFilter is a compiled boolean expression over match fields, e.g.
// `status == "STARTED" && stake >= 100`. Nil matches everything.
type matchFilter struct {
	expr *govaluate.EvaluableExpression
}

func compileFilter(filter string) (*matchFilter, error) {
	cond := strings.TrimSpace(filter)
	switch strings.ToLower(cond) {
	case "", "true":
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return nil, err
	}
	return &matchFilter{expr: expr}, nil
}

func (f *matchFilter) Matches(m match.Match) (bool, error) {
	if f == nil {
		return true, nil
	}
	result, err := f.expr.Evaluate(matchParams(m))
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("filter did not evaluate to boolean")
	}
	return v, nil
}

// matchParams exposes the JSON view of m plus the derived pot. Every
// field is present, so expressions never hit an undefined parameter.
func matchParams(m match.Match) map[string]interface{} {
	params := map[string]interface{}{}
	raw, err := json.Marshal(m)
	if err != nil {
		return params
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return params
	}
	for _, key := range []string{"opponent", "resolver", "winner", "creatorVote", "opponentVote", "resolveDeadline"} {
		if _, ok := fields[key]; !ok {
			fields[key] = ""
		}
	}
	flattenFields("", fields, params)
	params["pot"] = float64(m.Pot())
	params["open"] = m.IsOpenChallenge()
	return params
}

func flattenFields(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			flattenFields(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
