package convnet

import (
	"fmt"
	"math"
)

// optimizer applies one update step from the gradients accumulated on the
// parameters.
type optimizer interface {
	Step(params []*Param)
}

func newOptimizer(cfg Config) (optimizer, error) {
	switch cfg.Optimizer {
	case "sgd":
		return &sgd{lr: cfg.LearningRate}, nil
	case "adam":
		return &adam{
			lr:    cfg.LearningRate,
			beta1: cfg.Beta1,
			beta2: cfg.Beta2,
			eps:   cfg.Epsilon,
		}, nil
	}
	return nil, fmt.Errorf("unknown optimizer %q, want adam or sgd", cfg.Optimizer)
}

// sgd is plain stochastic gradient descent without momentum.
type sgd struct {
	lr float64
}

func (o *sgd) Step(params []*Param) {
	lr := float32(o.lr)
	for _, p := range params {
		for i, g := range p.Grad {
			p.Data[i] -= lr * g
		}
	}
}

// adam keeps per-parameter moment estimates with bias correction. State is
// allocated on the first step and indexed by parameter position, so it must
// always see the same parameter slice.
type adam struct {
	lr, beta1, beta2, eps float64

	step int
	m, v [][]float32
}

func (o *adam) Step(params []*Param) {
	if o.m == nil {
		o.m = make([][]float32, len(params))
		o.v = make([][]float32, len(params))
		for i, p := range params {
			o.m[i] = make([]float32, len(p.Data))
			o.v[i] = make([]float32, len(p.Data))
		}
	}
	o.step++
	c1 := 1 - math.Pow(o.beta1, float64(o.step))
	c2 := 1 - math.Pow(o.beta2, float64(o.step))
	for pi, p := range params {
		m, v := o.m[pi], o.v[pi]
		for i, gf := range p.Grad {
			g := float64(gf)
			m[i] = float32(o.beta1*float64(m[i]) + (1-o.beta1)*g)
			v[i] = float32(o.beta2*float64(v[i]) + (1-o.beta2)*g*g)
			mhat := float64(m[i]) / c1
			vhat := float64(v[i]) / c2
			p.Data[i] -= float32(o.lr * mhat / (math.Sqrt(vhat) + o.eps))
		}
	}
}

// zeroGrads clears the accumulated gradients before a new step.
func zeroGrads(params []*Param) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// clipGradients rescales all gradients so their global L2 norm does not
// exceed maxNorm. Returns the norm before clipping.
func clipGradients(params []*Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		for _, g := range p.Grad {
			sq += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
