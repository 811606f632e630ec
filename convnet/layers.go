package convnet

import (
	"math"
	"math/rand"
	"sync"
)

// Param is a single learnable tensor with its accumulated gradient.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

func newParam(name string, size int) *Param {
	return &Param{
		Name: name,
		Data: make([]float32, size),
		Grad: make([]float32, size),
	}
}

// parallelFor splits [0, n) into contiguous chunks, one goroutine each.
// Chunk boundaries depend only on n and workers, so float accumulation
// order stays reproducible for a fixed configuration.
func parallelFor(workers, n int, fn func(start, end int)) {
	if workers <= 1 || n < 2 {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// conv2d is a strided 2D convolution over NCHW batches, no padding.
type conv2d struct {
	inC, outC      int
	kernel, stride int
	inH, inW       int
	outH, outW     int

	weight *Param // (outC, inC, kernel, kernel)
	bias   *Param // (outC)

	x []float32 // input cached by forward for the backward pass
	n int
}

func newConv2d(name string, inC, outC, kernel, stride, inH, inW int) *conv2d {
	return &conv2d{
		inC:    inC,
		outC:   outC,
		kernel: kernel,
		stride: stride,
		inH:    inH,
		inW:    inW,
		outH:   (inH-kernel)/stride + 1,
		outW:   (inW-kernel)/stride + 1,
		weight: newParam(name+".weight", outC*inC*kernel*kernel),
		bias:   newParam(name+".bias", outC),
	}
}

func (l *conv2d) outSize() int {
	return l.outC * l.outH * l.outW
}

func (l *conv2d) forward(x []float32, n, workers int) []float32 {
	l.x = x
	l.n = n
	out := make([]float32, n*l.outSize())
	w, b := l.weight.Data, l.bias.Data
	inPlane := l.inH * l.inW
	parallelFor(workers, n, func(start, end int) {
		for i := start; i < end; i++ {
			xi := x[i*l.inC*inPlane:]
			oi := out[i*l.outSize():]
			for oc := 0; oc < l.outC; oc++ {
				for oy := 0; oy < l.outH; oy++ {
					for ox := 0; ox < l.outW; ox++ {
						sum := b[oc]
						for ic := 0; ic < l.inC; ic++ {
							wBase := ((oc*l.inC + ic) * l.kernel) * l.kernel
							xBase := ic*inPlane + oy*l.stride*l.inW + ox*l.stride
							for ky := 0; ky < l.kernel; ky++ {
								wRow := w[wBase+ky*l.kernel:]
								xRow := xi[xBase+ky*l.inW:]
								for kx := 0; kx < l.kernel; kx++ {
									sum += wRow[kx] * xRow[kx]
								}
							}
						}
						oi[(oc*l.outH+oy)*l.outW+ox] = sum
					}
				}
			}
		}
	})
	return out
}

// backward accumulates weight and bias gradients and returns the gradient
// with respect to the cached input. Samples are independent for the input
// gradient; output channels are independent for the weight gradient, so both
// parallel loops write disjoint memory.
func (l *conv2d) backward(dout []float32, n, workers int) []float32 {
	x := l.x
	w := l.weight.Data
	dw, db := l.weight.Grad, l.bias.Grad
	inPlane := l.inH * l.inW
	dx := make([]float32, n*l.inC*inPlane)

	parallelFor(workers, n, func(start, end int) {
		for i := start; i < end; i++ {
			di := dout[i*l.outSize():]
			dxi := dx[i*l.inC*inPlane:]
			for oc := 0; oc < l.outC; oc++ {
				for oy := 0; oy < l.outH; oy++ {
					for ox := 0; ox < l.outW; ox++ {
						g := di[(oc*l.outH+oy)*l.outW+ox]
						if g == 0 {
							continue
						}
						for ic := 0; ic < l.inC; ic++ {
							wBase := ((oc*l.inC + ic) * l.kernel) * l.kernel
							xBase := ic*inPlane + oy*l.stride*l.inW + ox*l.stride
							for ky := 0; ky < l.kernel; ky++ {
								wRow := w[wBase+ky*l.kernel:]
								dxRow := dxi[xBase+ky*l.inW:]
								for kx := 0; kx < l.kernel; kx++ {
									dxRow[kx] += wRow[kx] * g
								}
							}
						}
					}
				}
			}
		}
	})

	parallelFor(workers, l.outC, func(start, end int) {
		for oc := start; oc < end; oc++ {
			for i := 0; i < n; i++ {
				xi := x[i*l.inC*inPlane:]
				di := dout[i*l.outSize():]
				for oy := 0; oy < l.outH; oy++ {
					for ox := 0; ox < l.outW; ox++ {
						g := di[(oc*l.outH+oy)*l.outW+ox]
						if g == 0 {
							continue
						}
						db[oc] += g
						for ic := 0; ic < l.inC; ic++ {
							wBase := ((oc*l.inC + ic) * l.kernel) * l.kernel
							xBase := ic*inPlane + oy*l.stride*l.inW + ox*l.stride
							for ky := 0; ky < l.kernel; ky++ {
								dwRow := dw[wBase+ky*l.kernel:]
								xRow := xi[xBase+ky*l.inW:]
								for kx := 0; kx < l.kernel; kx++ {
									dwRow[kx] += xRow[kx] * g
								}
							}
						}
					}
				}
			}
		}
	})

	return dx
}

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
)

// batchNorm normalizes each of c channels over batch and spatial positions.
// With spatial == 1 it is the plain per-feature variant used after flatten.
type batchNorm struct {
	c       int
	spatial int

	gamma *Param // scale, (c)
	beta  *Param // shift, (c)

	runningMean []float32
	runningVar  []float32

	xhat   []float32 // normalized input cached for backward
	invStd []float32 // per channel
	n      int
}

func newBatchNorm(name string, c, spatial int) *batchNorm {
	rv := make([]float32, c)
	g := newParam(name+".weight", c)
	for i := range g.Data {
		g.Data[i] = 1
		rv[i] = 1
	}
	return &batchNorm{
		c:           c,
		spatial:     spatial,
		gamma:       g,
		beta:        newParam(name+".bias", c),
		runningMean: make([]float32, c),
		runningVar:  rv,
	}
}

func (l *batchNorm) at(x []float32, i, c, sp int) float32 {
	return x[(i*l.c+c)*l.spatial+sp]
}

func (l *batchNorm) forward(x []float32, n, workers int, train bool) []float32 {
	out := make([]float32, len(x))
	if !train {
		parallelFor(workers, l.c, func(start, end int) {
			for c := start; c < end; c++ {
				scale := l.gamma.Data[c] / float32(math.Sqrt(float64(l.runningVar[c])+bnEps))
				shift := l.beta.Data[c] - l.runningMean[c]*scale
				for i := 0; i < n; i++ {
					base := (i*l.c + c) * l.spatial
					for sp := 0; sp < l.spatial; sp++ {
						out[base+sp] = x[base+sp]*scale + shift
					}
				}
			}
		})
		return out
	}

	l.n = n
	l.xhat = make([]float32, len(x))
	l.invStd = make([]float32, l.c)
	count := float64(n * l.spatial)

	parallelFor(workers, l.c, func(start, end int) {
		for c := start; c < end; c++ {
			var sum float64
			for i := 0; i < n; i++ {
				base := (i*l.c + c) * l.spatial
				for sp := 0; sp < l.spatial; sp++ {
					sum += float64(x[base+sp])
				}
			}
			mean := sum / count

			var sqSum float64
			for i := 0; i < n; i++ {
				base := (i*l.c + c) * l.spatial
				for sp := 0; sp < l.spatial; sp++ {
					d := float64(x[base+sp]) - mean
					sqSum += d * d
				}
			}
			biasedVar := sqSum / count
			invStd := 1 / math.Sqrt(biasedVar+bnEps)
			l.invStd[c] = float32(invStd)

			g, b := l.gamma.Data[c], l.beta.Data[c]
			for i := 0; i < n; i++ {
				base := (i*l.c + c) * l.spatial
				for sp := 0; sp < l.spatial; sp++ {
					xh := float32((float64(x[base+sp]) - mean) * invStd)
					l.xhat[base+sp] = xh
					out[base+sp] = g*xh + b
				}
			}

			// Running stats track the unbiased variance.
			unbiased := biasedVar
			if count > 1 {
				unbiased = sqSum / (count - 1)
			}
			l.runningMean[c] = float32((1-bnMomentum)*float64(l.runningMean[c]) + bnMomentum*mean)
			l.runningVar[c] = float32((1-bnMomentum)*float64(l.runningVar[c]) + bnMomentum*unbiased)
		}
	})
	return out
}

func (l *batchNorm) backward(dout []float32, n, workers int) []float32 {
	dx := make([]float32, len(dout))
	count := float32(n * l.spatial)
	parallelFor(workers, l.c, func(start, end int) {
		for c := start; c < end; c++ {
			g := l.gamma.Data[c]
			var sumDy, sumDyXhat float64
			for i := 0; i < n; i++ {
				base := (i*l.c + c) * l.spatial
				for sp := 0; sp < l.spatial; sp++ {
					dy := float64(dout[base+sp])
					sumDy += dy
					sumDyXhat += dy * float64(l.xhat[base+sp])
				}
			}
			l.beta.Grad[c] += float32(sumDy)
			l.gamma.Grad[c] += float32(sumDyXhat)

			k := g * l.invStd[c] / count
			for i := 0; i < n; i++ {
				base := (i*l.c + c) * l.spatial
				for sp := 0; sp < l.spatial; sp++ {
					dx[base+sp] = k * (count*dout[base+sp] -
						float32(sumDy) -
						l.xhat[base+sp]*float32(sumDyXhat))
				}
			}
		}
	})
	return dx
}

// elu applies the exponential linear unit with alpha 1. The forward output
// is cached because the derivative below zero is out+1.
type elu struct {
	out []float32
}

func (l *elu) forward(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = float32(math.Expm1(float64(v)))
		}
	}
	l.out = out
	return out
}

func (l *elu) backward(dout []float32) []float32 {
	dx := make([]float32, len(dout))
	for i, g := range dout {
		if l.out[i] > 0 {
			dx[i] = g
		} else {
			dx[i] = g * (l.out[i] + 1)
		}
	}
	return dx
}

// dropout zeroes individual activations with probability p during training
// and scales the survivors by 1/(1-p). Inference is the identity.
type dropout struct {
	p    float64
	rng  *rand.Rand
	mask []float32
}

func (l *dropout) forward(x []float32, train bool) []float32 {
	if !train || l.p <= 0 {
		l.mask = nil
		return x
	}
	scale := float32(1 / (1 - l.p))
	out := make([]float32, len(x))
	l.mask = make([]float32, len(x))
	for i, v := range x {
		if l.rng.Float64() >= l.p {
			l.mask[i] = scale
			out[i] = v * scale
		}
	}
	return out
}

func (l *dropout) backward(dout []float32) []float32 {
	if l.mask == nil {
		return dout
	}
	dx := make([]float32, len(dout))
	for i, g := range dout {
		dx[i] = g * l.mask[i]
	}
	return dx
}

// dropout2d zeroes whole channels, matching the spatial variant used after
// the convolutional blocks.
type dropout2d struct {
	prob    float64
	c       int
	spatial int
	rng     *rand.Rand
	mask    []float32
}

func newDropout2d(p float64, c, spatial int, rng *rand.Rand) *dropout2d {
	return &dropout2d{prob: p, c: c, spatial: spatial, rng: rng}
}

func (l *dropout2d) forward(x []float32, n int, train bool) []float32 {
	if !train || l.prob <= 0 {
		l.mask = nil
		return x
	}
	scale := float32(1 / (1 - l.prob))
	out := make([]float32, len(x))
	l.mask = make([]float32, len(x))
	for i := 0; i < n; i++ {
		for c := 0; c < l.c; c++ {
			if l.rng.Float64() < l.prob {
				continue
			}
			base := (i*l.c + c) * l.spatial
			for sp := 0; sp < l.spatial; sp++ {
				l.mask[base+sp] = scale
				out[base+sp] = x[base+sp] * scale
			}
		}
	}
	return out
}

func (l *dropout2d) backward(dout []float32) []float32 {
	if l.mask == nil {
		return dout
	}
	dx := make([]float32, len(dout))
	for i, g := range dout {
		dx[i] = g * l.mask[i]
	}
	return dx
}

// linear is a fully connected layer with weights laid out (out, in).
type linear struct {
	in, out int
	weight  *Param
	bias    *Param

	x []float32
	n int
}

func newLinear(name string, in, out int) *linear {
	return &linear{
		in:     in,
		out:    out,
		weight: newParam(name+".weight", out*in),
		bias:   newParam(name+".bias", out),
	}
}

func (l *linear) forward(x []float32, n, workers int) []float32 {
	l.x = x
	l.n = n
	out := make([]float32, n*l.out)
	w, b := l.weight.Data, l.bias.Data
	parallelFor(workers, n, func(start, end int) {
		for i := start; i < end; i++ {
			xi := x[i*l.in : (i+1)*l.in]
			for j := 0; j < l.out; j++ {
				sum := b[j]
				wRow := w[j*l.in : (j+1)*l.in]
				for k, v := range xi {
					sum += wRow[k] * v
				}
				out[i*l.out+j] = sum
			}
		}
	})
	return out
}

func (l *linear) backward(dout []float32, n, workers int) []float32 {
	x := l.x
	w := l.weight.Data
	dw, db := l.weight.Grad, l.bias.Grad

	parallelFor(workers, l.out, func(start, end int) {
		for j := start; j < end; j++ {
			dwRow := dw[j*l.in : (j+1)*l.in]
			for i := 0; i < n; i++ {
				g := dout[i*l.out+j]
				if g == 0 {
					continue
				}
				db[j] += g
				xi := x[i*l.in : (i+1)*l.in]
				for k, v := range xi {
					dwRow[k] += v * g
				}
			}
		}
	})

	dx := make([]float32, n*l.in)
	parallelFor(workers, n, func(start, end int) {
		for i := start; i < end; i++ {
			dxi := dx[i*l.in : (i+1)*l.in]
			for j := 0; j < l.out; j++ {
				g := dout[i*l.out+j]
				if g == 0 {
					continue
				}
				wRow := w[j*l.in : (j+1)*l.in]
				for k := range dxi {
					dxi[k] += wRow[k] * g
				}
			}
		}
	})
	return dx
}

// softmaxCrossEntropy returns the mean cross-entropy loss over the batch and
// the gradient with respect to the logits. The log-sum-exp runs in float64
// so extreme logits cannot produce infinities.
func softmaxCrossEntropy(logits []float32, labels []int32, n, classes int) (float64, []float32) {
	grad := make([]float32, len(logits))
	var loss float64
	for i := 0; i < n; i++ {
		row := logits[i*classes : (i+1)*classes]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - max))
		}
		logSumExp := math.Log(sumExp)
		y := int(labels[i])
		loss -= float64(row[y]-max) - logSumExp

		for j, v := range row {
			p := math.Exp(float64(v-max)) / sumExp
			if j == y {
				p -= 1
			}
			grad[i*classes+j] = float32(p / float64(n))
		}
	}
	return loss / float64(n), grad
}

// argmaxRow returns the index of the largest logit, first one on ties.
func argmaxRow(row []float32) int32 {
	best := 0
	for j, v := range row[1:] {
		if v > row[best] {
			best = j + 1
		}
	}
	return int32(best)
}
