// Package launch derives kernel launch geometry for one partition.
package launch

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// DefaultBlockSize is used when neither the user nor the function spec
// chooses a block size.
const DefaultBlockSize = 256

// ErrInvalidGeometry reports a stage count or grid/block size below one.
var ErrInvalidGeometry = errors.New("invalid launch geometry")

// Planner computes (stages, grids, blocks). It holds no state besides its
// defaults and may be shared.
type Planner struct {
	DefaultBlockSize int
}

// NewPlanner returns a planner using blockSize as the default, or
// DefaultBlockSize when blockSize <= 0.
func NewPlanner(blockSize int) Planner {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return Planner{DefaultBlockSize: blockSize}
}

// Plan resolves the launch dimensions for rowCount rows. For every stage a
// positive user grid/block at that stage index wins, then the FunctionSpec
// dimension function, then the default of one thread per row.
func (p Planner) Plan(spec *types.FunctionSpec, rowCount int64, userGrid, userBlock []int) (types.Dimensions, error) {
	stages := 1
	if fn, ok := spec.StageCount.Get(); ok {
		stages = fn(rowCount)
	}
	if stages < 1 {
		return types.Dimensions{}, fmt.Errorf("%w: %s: stage count %d for %d rows", ErrInvalidGeometry, spec.Name, stages, rowCount)
	}

	dims := types.Dimensions{
		Stages:     stages,
		GridSizes:  make([]int, stages),
		BlockSizes: make([]int, stages),
	}
	dimFn, hasDimFn := spec.Dimensions.Get()

	for stage := 0; stage < stages; stage++ {
		grid, block := p.defaults(rowCount)
		if hasDimFn {
			grid, block = dimFn(rowCount, stage)
		}
		if v := at(userGrid, stage); v > 0 {
			grid = v
		}
		if v := at(userBlock, stage); v > 0 {
			block = v
		}
		if grid < 1 || block < 1 {
			return types.Dimensions{}, fmt.Errorf("%w: %s: stage %d grid=%d block=%d", ErrInvalidGeometry, spec.Name, stage, grid, block)
		}
		dims.GridSizes[stage] = grid
		dims.BlockSizes[stage] = block
	}
	return dims, nil
}

func (p Planner) defaults(rowCount int64) (grid, block int) {
	block = p.DefaultBlockSize
	if block <= 0 {
		block = DefaultBlockSize
	}
	grid = int((rowCount + int64(block) - 1) / int64(block))
	if grid < 1 {
		grid = 1
	}
	return grid, block
}

func at(s []int, i int) int {
	if i < len(s) {
		return s[i]
	}
	return 0
}
