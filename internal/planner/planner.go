// Package planner turns a logical plan into a physical one. Strategies are
// tried in order; the first that returns a plan for a node wins, and
// subtrees it defers with PlanLater are planned recursively.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/gpu-offload/internal/exec"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
)

var log = slog.Default()

var (
	// ErrNoPlan is returned when no strategy handles a node.
	ErrNoPlan = errors.New("no strategy can plan node")
	// ErrFrozen is returned when strategies are registered after first use.
	ErrFrozen = errors.New("strategies cannot change after planning started")
)

// Strategy proposes physical plans for one logical node. An empty result
// means the strategy does not apply.
type Strategy interface {
	Name() string
	Apply(node logical.Node, p *Planner) ([]exec.Plan, error)
}

// Planner holds the ordered strategy list.
type Planner struct {
	mu         sync.Mutex
	strategies []Strategy
	frozen     bool
}

// New returns a planner trying strategies in the given order.
func New(strategies ...Strategy) *Planner {
	return &Planner{strategies: append([]Strategy(nil), strategies...)}
}

// Prepend places s ahead of every registered strategy. It must run before
// the first Plan call.
func (p *Planner) Prepend(s Strategy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return ErrFrozen
	}
	p.strategies = append([]Strategy{s}, p.strategies...)
	return nil
}

// Append places s after every registered strategy.
func (p *Planner) Append(s Strategy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return ErrFrozen
	}
	p.strategies = append(p.strategies, s)
	return nil
}

// Strategies returns the strategy names in order.
func (p *Planner) Strategies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		names[i] = s.Name()
	}
	return names
}

// Plan optimizes root and plans it.
func (p *Planner) Plan(root logical.Node) (exec.Plan, error) {
	p.mu.Lock()
	p.frozen = true
	strategies := p.strategies
	p.mu.Unlock()

	return p.plan(logical.EliminateSerialization(root), strategies)
}

// PlanLater defers node to the planner.
func (p *Planner) PlanLater(node logical.Node) exec.Plan {
	return &exec.PlanLater{Node: node}
}

func (p *Planner) plan(node logical.Node, strategies []Strategy) (exec.Plan, error) {
	for _, s := range strategies {
		candidates, err := s.Apply(node, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
		if len(candidates) == 0 {
			continue
		}
		log.Debug("node planned", "node", node.Kind(), "strategy", s.Name())
		return p.resolve(candidates[0], strategies)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPlan, node.Kind())
}

func (p *Planner) resolve(plan exec.Plan, strategies []Strategy) (exec.Plan, error) {
	if later, ok := plan.(*exec.PlanLater); ok {
		return p.plan(later.Node, strategies)
	}
	children := plan.Children()
	if len(children) == 0 {
		return plan, nil
	}
	resolved := make([]exec.Plan, len(children))
	for i, c := range children {
		r, err := p.resolve(c, strategies)
		if err != nil {
			return nil, err
		}
		resolved[i] = r
	}
	return plan.WithChildren(resolved), nil
}
