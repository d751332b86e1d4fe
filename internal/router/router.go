// Package router maps admitted commands to capability handlers and assigns
// an execution risk. Routing is deterministic: the action kind selects the
// handler, the base risk table plus configured gate rules select the risk.
// Caller-supplied advisories are recorded but never influence the decision.
package router

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/isc-ryoung/remedyd/internal/handler"
	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

// baseRisk is the floor risk per action kind. Gate rules can raise it but
// never lower it.
var baseRisk = map[model.ActionKind]model.Risk{
	model.ActionConfigChange: model.RiskMedium,
	model.ActionOSReconfig:   model.RiskHigh,
	model.ActionRestart:      model.RiskHigh,
}

// Registry holds the capability handlers keyed by the action kind they serve.
type Registry struct {
	handlers map[model.ActionKind]handler.Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.ActionKind]handler.Handler)}
}

func (r *Registry) Register(h handler.Handler) error {
	kind := h.Kind()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("handler for kind %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) Lookup(kind model.ActionKind) (handler.Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// gateEnv is the expression environment a gate rule evaluates against.
type gateEnv struct {
	Kind     string `expr:"kind"`
	Resource string `expr:"resource"`
	Priority string `expr:"priority"`
}

type gateRule struct {
	when    string
	program *vm.Program
	risk    model.Risk
}

// Decision is the routing outcome for one command.
type Decision struct {
	Handler          handler.Handler
	Risk             model.Risk
	RequiresApproval bool
	MatchedRule      string
}

type Router struct {
	registry *Registry
	rules    []gateRule
	log      *logging.Component
}

// New compiles the configured gate rules. A rule that fails to compile, or
// names an unknown risk, is a configuration error.
func New(registry *Registry, rules []model.GateRule, log *logging.Component) (*Router, error) {
	r := &Router{registry: registry, log: log}
	for i, rule := range rules {
		risk, ok := parseRisk(rule.Risk)
		if !ok {
			return nil, fmt.Errorf("gate rule %d: unknown risk %q", i, rule.Risk)
		}
		program, err := expr.Compile(rule.When, expr.Env(gateEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("gate rule %d: compile %q: %w", i, rule.When, err)
		}
		r.rules = append(r.rules, gateRule{when: rule.When, program: program, risk: risk})
	}
	return r, nil
}

// Route resolves the handler and risk for a command. High risk commands
// without prior approval require operator approval before dispatch.
func (r *Router) Route(cmd model.Command) (Decision, error) {
	h, ok := r.registry.Lookup(cmd.Kind)
	if !ok {
		return Decision{}, fmt.Errorf("no handler registered for kind %q", cmd.Kind)
	}

	risk := baseRisk[cmd.Kind]
	matched := ""
	env := gateEnv{
		Kind:     string(cmd.Kind),
		Resource: cmd.TargetResource,
		Priority: string(cmd.Priority),
	}
	for _, rule := range r.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return Decision{}, fmt.Errorf("gate rule %q: %w", rule.when, err)
		}
		if out.(bool) && riskRank(rule.risk) > riskRank(risk) {
			risk = rule.risk
			matched = rule.when
		}
	}

	if adv := cmd.Advisory; adv != nil {
		r.log.Infof("advisory id=%s suggested=%s estimated_risk=%s rationale=%q chosen=%s",
			cmd.ID, adv.SuggestedHandler, adv.EstimatedRisk, adv.Rationale, cmd.Kind)
	}

	d := Decision{
		Handler:          h,
		Risk:             risk,
		RequiresApproval: risk == model.RiskHigh && !cmd.Approved,
		MatchedRule:      matched,
	}
	r.log.Debugf("routed id=%s kind=%s risk=%s approval_required=%t rule=%q",
		cmd.ID, cmd.Kind, d.Risk, d.RequiresApproval, matched)
	return d, nil
}

func parseRisk(s string) (model.Risk, bool) {
	switch model.Risk(s) {
	case model.RiskLow, model.RiskMedium, model.RiskHigh:
		return model.Risk(s), true
	}
	return "", false
}

func riskRank(r model.Risk) int {
	switch r {
	case model.RiskHigh:
		return 2
	case model.RiskMedium:
		return 1
	default:
		return 0
	}
}
