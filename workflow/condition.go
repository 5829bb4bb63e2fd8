package workflow

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// evalCondition evaluates a CONDITION node's expression against the results
// of its dependencies. Each dependency's results are bound under its node id,
// so expressions read like `opt.final_energy < -100.0 && opt.converged`.
//
// CEL gives the sandbox the contract demands: side-effect-free evaluation
// with no access to process globals, filesystem, network, or process control.
func evalCondition(expr string, context map[string]map[string]any) (bool, error) {
	if expr == "" {
		return false, errors.New("condition expression is empty")
	}

	opts := make([]cel.EnvOption, 0, len(context))
	activation := make(map[string]any, len(context))
	for depID, results := range context {
		opts = append(opts, cel.Variable(depID, cel.DynType))
		activation[depID] = results
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return false, errors.Wrap(err, "failed to build condition environment")
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return false, errors.Wrapf(issues.Err(), "invalid condition expression %q", expr)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return false, errors.Wrap(err, "failed to build condition program")
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, errors.Wrapf(err, "condition evaluation failed for %q", expr)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("condition %q did not evaluate to a boolean", expr)
	}
	return result, nil
}
