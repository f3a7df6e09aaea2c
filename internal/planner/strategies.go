package planner

import (
	"github.com/ChuLiYu/gpu-offload/internal/exec"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// CacheRegistry answers whether a plan identity is marked cache-eligible.
type CacheRegistry interface {
	IsCacheable(id types.PlanIdentity) bool
}

// OffloadStrategy replaces an AcceleratedMap with an OffloadExec. Cache
// flags are read once here; marks made after planning do not affect the
// resulting plan.
type OffloadStrategy struct {
	Cache CacheRegistry
	Env   *exec.Env

	// Per-stage launch overrides applied to every offloaded operator.
	UserGrid  []int
	UserBlock []int
}

func (s *OffloadStrategy) Name() string { return "offload" }

func (s *OffloadStrategy) Apply(node logical.Node, p *Planner) ([]exec.Plan, error) {
	m, ok := node.(*logical.AcceleratedMap)
	if !ok {
		return nil, nil
	}

	cfg, err := exec.NewOffloadConfig(m.Spec, m.Child.Schema(), m.Output)
	if err != nil {
		return nil, err
	}

	child := m.Child
	if d, ok := child.(*logical.DeserializeToObject); ok {
		child = d.Child
	}
	cfg.IDs = exec.Identities{
		Self:  logical.Identity(m),
		Child: logical.Identity(child),
	}
	cfg.Flags = types.CacheFlags{
		SelfCached:  s.Cache.IsCacheable(cfg.IDs.Self),
		ChildCached: s.Cache.IsCacheable(cfg.IDs.Child),
	}
	cfg.ConstArgs = m.ConstArgs
	cfg.OutputArraySizes = m.OutputArraySizes
	cfg.UserGrid = s.UserGrid
	cfg.UserBlock = s.UserBlock

	log.Info("offloading accelerated map",
		"function", m.Spec.Name,
		"plan", cfg.IDs.Self.Short(),
		"child", cfg.IDs.Child.Short(),
		"flags", cfg.Flags.Bits())

	return []exec.Plan{&exec.OffloadExec{
		Config: cfg,
		Child:  p.PlanLater(m.Child),
		Env:    s.Env,
	}}, nil
}

// BasicStrategy plans the non-accelerated operators.
type BasicStrategy struct{}

func (BasicStrategy) Name() string { return "basic" }

func (BasicStrategy) Apply(node logical.Node, p *Planner) ([]exec.Plan, error) {
	switch n := node.(type) {
	case *logical.LocalRelation:
		return []exec.Plan{&exec.LocalScanExec{
			Relation:   n.Name,
			Columns:    n.Columns,
			Partitions: n.Partitions,
		}}, nil
	case *logical.Filter:
		return []exec.Plan{&exec.FilterExec{
			Column: n.Column,
			Op:     n.Op,
			Value:  n.Value,
			Child:  p.PlanLater(n.Child),
		}}, nil
	case *logical.DeserializeToObject, *logical.SerializeFromObject:
		return []exec.Plan{&exec.ConvertExec{
			Kind:  node.Kind(),
			Child: p.PlanLater(node.Children()[0]),
		}}, nil
	}
	return nil, nil
}
