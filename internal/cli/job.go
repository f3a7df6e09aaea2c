package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidJob is returned for job files that do not describe a pipeline.
var ErrInvalidJob = errors.New("invalid job")

// Job is a YAML pipeline: an in-memory relation followed by steps.
//
//	name: points
//	columns: [{name: x, type: float64}]
//	partitions:
//	  - [[1.0], [2.0]]
//	  - [[3.0]]
//	steps:
//	  - kernel: scale
//	    input: [x]
//	    output: [{name: y, type: float64}]
//	    consts: [2.0]
//	    cache: true
//	  - filter: {column: y, op: gt, value: 3}
type Job struct {
	Name       string       `yaml:"name"`
	Columns    types.Schema `yaml:"columns"`
	Partitions [][][]any    `yaml:"partitions"`
	Steps      []Step       `yaml:"steps"`
}

// Step is either an accelerated map (Kernel set) or a filter.
type Step struct {
	Kernel     string       `yaml:"kernel"`
	Input      []string     `yaml:"input"`
	Output     types.Schema `yaml:"output"`
	Consts     []any        `yaml:"consts"`
	ArraySizes []int        `yaml:"array_sizes"`
	OutputRows *int64       `yaml:"output_rows"`
	Cache      bool         `yaml:"cache"`

	Filter *FilterStep `yaml:"filter"`
}

// FilterStep keeps rows where Column Op Value holds.
type FilterStep struct {
	Column string `yaml:"column"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value"`
}

var builtinKernels = map[string]types.KernelRef{
	"scale": bridge.ScaleKernel,
	"add":   bridge.AddKernel,
	"sum":   bridge.SumKernel,
	"ramp":  bridge.RampKernel,
}

// LoadJob reads a job file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if job.Name == "" {
		job.Name = "job"
	}
	return &job, nil
}

// Build turns the job into a logical plan. cached lists the datasets of the
// steps marked `cache: true`, in step order.
func (j *Job) Build() (root logical.Node, cached []logical.Node, err error) {
	if len(j.Columns) == 0 {
		return nil, nil, fmt.Errorf("%w: no columns", ErrInvalidJob)
	}
	rel := &logical.LocalRelation{Name: j.Name, Columns: j.Columns}
	for p, rows := range j.Partitions {
		part := make([]types.Row, len(rows))
		for r, raw := range rows {
			row, err := normalizeRow(j.Columns, raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: partition %d row %d: %v", ErrInvalidJob, p, r, err)
			}
			part[r] = row
		}
		rel.Partitions = append(rel.Partitions, part)
	}

	root = rel
	for i, s := range j.Steps {
		switch {
		case s.Filter != nil && s.Kernel != "":
			return nil, nil, fmt.Errorf("%w: step %d has both kernel and filter", ErrInvalidJob, i)
		case s.Filter != nil:
			root = &logical.Filter{
				Column: s.Filter.Column,
				Op:     logical.FilterOp(s.Filter.Op),
				Value:  s.Filter.Value,
				Child:  root,
			}
		case s.Kernel != "":
			m, err := s.accelerated(i, root)
			if err != nil {
				return nil, nil, err
			}
			root = &logical.SerializeFromObject{Child: m}
			if s.Cache {
				cached = append(cached, root)
			}
		default:
			return nil, nil, fmt.Errorf("%w: step %d is empty", ErrInvalidJob, i)
		}
	}
	return root, cached, nil
}

func (s Step) accelerated(i int, child logical.Node) (*logical.AcceleratedMap, error) {
	ref, ok := builtinKernels[s.Kernel]
	if !ok {
		return nil, fmt.Errorf("%w: step %d: unknown kernel %q", ErrInvalidJob, i, s.Kernel)
	}
	spec := &types.FunctionSpec{
		Name:          fmt.Sprintf("%s_%d", s.Kernel, i),
		InputColumns:  s.Input,
		OutputColumns: s.Output.Names(),
		Kernel:        ref,
	}
	if s.OutputRows != nil {
		spec.OutputCardinality = types.Some(*s.OutputRows)
	}
	return &logical.AcceleratedMap{
		Spec:             spec,
		ConstArgs:        s.Consts,
		OutputArraySizes: s.ArraySizes,
		Output:           s.Output,
		Child:            &logical.DeserializeToObject{Child: child},
	}, nil
}

// normalizeRow converts YAML scalars to the column types.
func normalizeRow(schema types.Schema, raw []any) (types.Row, error) {
	if len(raw) != len(schema) {
		return nil, fmt.Errorf("want %d values, got %d", len(schema), len(raw))
	}
	row := make(types.Row, len(raw))
	for i, v := range raw {
		switch schema[i].Type {
		case types.Float64Type:
			if n, ok := v.(int); ok {
				v = float64(n)
			}
		case types.Int64Type:
			if n, ok := v.(int); ok {
				v = int64(n)
			}
		case types.ArrayType:
			if list, ok := v.([]any); ok {
				arr := make([]float64, len(list))
				for k, e := range list {
					switch x := e.(type) {
					case float64:
						arr[k] = x
					case int:
						arr[k] = float64(x)
					default:
						return nil, fmt.Errorf("column %q: element %d is %T", schema[i].Name, k, e)
					}
				}
				v = arr
			}
		}
		row[i] = v
	}
	return row, nil
}
