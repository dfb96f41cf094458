package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// executeCondition evaluates a branch decision and emits a
// {result: bool} envelope on the taken port (condtrue or condfalse).
//
// Two condition types exist:
//   - "expression" (default): a comparison over interpolated
//     variables, e.g. "{count} < 3" or a bare "{flag}" truthiness
//     check;
//   - "max_iterations": true once every person_job node in the diagram
//     has reached its iteration cap, used to exit refinement loops.
func executeCondition(_ context.Context, req *runtime.Request) (runtime.Outputs, error) {
	var result bool
	switch req.Node.Config.String("condition_type") {
	case "max_iterations":
		result = allPersonJobsCapped(req)
	default:
		expr := req.Node.Config.String("expression")
		if expr == "" {
			return nil, errdefs.New(errdefs.KindValidation, "condition node has no expression")
		}
		value, err := evalExpression(req.Variables.Interpolate(expr))
		if err != nil {
			return nil, err
		}
		result = value
	}

	port := diagram.PortCondFalse
	if result {
		port = diagram.PortCondTrue
	}
	out := envelope.Object(req.Node.ID, map[string]any{"result": result})
	return runtime.Outputs{port: out}, nil
}

func allPersonJobsCapped(req *runtime.Request) bool {
	seen := false
	for i := range req.Diagram.Nodes {
		n := &req.Diagram.Nodes[i]
		if n.Type != diagram.NodePersonJob {
			continue
		}
		seen = true
		if req.Counts(n.ID) < n.MaxIterations() {
			return false
		}
	}
	return seen
}

// evalExpression evaluates a fully-interpolated comparison of the form
// "lhs <op> rhs" with op ∈ {==, !=, <, <=, >, >=}, or a bare value
// judged by truthiness. Operands compare numerically when both parse
// as numbers, as strings otherwise.
func evalExpression(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		lhs := strings.TrimSpace(expr[:idx])
		rhs := strings.TrimSpace(expr[idx+len(op):])
		return compare(lhs, op, rhs)
	}
	return truthy(expr), nil
}

func compare(lhs, op, rhs string) (bool, error) {
	ln, lerr := strconv.ParseFloat(lhs, 64)
	rn, rerr := strconv.ParseFloat(rhs, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}

	lhs = strings.Trim(lhs, `"'`)
	rhs = strings.Trim(rhs, `"'`)
	switch op {
	case "==":
		return lhs == rhs, nil
	case "!=":
		return lhs != rhs, nil
	case "<":
		return lhs < rhs, nil
	case "<=":
		return lhs <= rhs, nil
	case ">":
		return lhs > rhs, nil
	case ">=":
		return lhs >= rhs, nil
	}
	return false, errdefs.Newf(errdefs.KindValidation, "unsupported operator %q", op)
}

func truthy(value string) bool {
	switch strings.ToLower(strings.Trim(value, `"'`)) {
	case "", "false", "0", "no", "null", "none":
		return false
	default:
		return true
	}
}
