package convnet

import (
	"math"
	"math/rand"
	"testing"
)

// project reduces a forward output to a scalar so gradients can be checked
// one coordinate at a time: d/dx sum(out*dout) is exactly backward(dout).
func project(out, dout []float32) float64 {
	var s float64
	for i := range out {
		s += float64(out[i]) * float64(dout[i])
	}
	return s
}

// fdSlope estimates the derivative of eval with respect to buf[i] with a
// central difference, restoring the original value afterwards.
func fdSlope(buf []float32, i int, h float32, eval func() float64) float64 {
	orig := buf[i]
	buf[i] = orig + h
	up := eval()
	buf[i] = orig - h
	down := eval()
	buf[i] = orig
	return (up - down) / float64(2*h)
}

// checkGrad compares an analytic gradient against its numeric estimate with
// a tolerance loose enough for float32 arithmetic but far below any indexing
// or sign mistake.
func checkGrad(t *testing.T, name string, i int, analytic float32, numeric float64) {
	t.Helper()
	diff := math.Abs(float64(analytic) - numeric)
	tol := 1e-2 + 5e-2*math.Abs(numeric)
	if diff > tol {
		t.Fatalf("%s[%d]: analytic %v, numeric %v", name, i, analytic, numeric)
	}
}

func randomize(rng *rand.Rand, buf []float32) {
	for i := range buf {
		buf[i] = rng.Float32()*2 - 1
	}
}

// TestConv2dKnownValues convolves a 3x3 ramp with all-ones weights so every
// output is just a window sum plus the bias.
func TestConv2dKnownValues(t *testing.T) {
	l := newConv2d("conv", 1, 1, 2, 1, 3, 3)
	for i := range l.weight.Data {
		l.weight.Data[i] = 1
	}
	l.bias.Data[0] = 0.5

	x := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	out := l.forward(x, 1, 1)

	want := []float32{12.5, 16.5, 24.5, 28.5}
	if len(out) != len(want) {
		t.Fatalf("expected %d outputs, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("output %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

// TestConv2dGradients checks the convolution backward pass against finite
// differences for the input, weights and bias.
func TestConv2dGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	l := newConv2d("conv", 2, 3, 3, 2, 5, 5)
	randomize(rng, l.weight.Data)
	randomize(rng, l.bias.Data)

	n := 2
	x := make([]float32, n*l.inC*l.inH*l.inW)
	randomize(rng, x)
	dout := make([]float32, n*l.outSize())
	randomize(rng, dout)

	l.forward(x, n, 2)
	dx := l.backward(dout, n, 2)

	eval := func() float64 { return project(l.forward(x, n, 1), dout) }
	for i := range x {
		checkGrad(t, "dx", i, dx[i], fdSlope(x, i, 1e-2, eval))
	}
	for i := range l.weight.Data {
		checkGrad(t, "dw", i, l.weight.Grad[i], fdSlope(l.weight.Data, i, 1e-2, eval))
	}
	for i := range l.bias.Data {
		checkGrad(t, "db", i, l.bias.Grad[i], fdSlope(l.bias.Data, i, 1e-2, eval))
	}
}

// TestBatchNormKnownValues normalizes a two-value channel by hand: mean 2,
// biased variance 1, and the running stats blend in the unbiased variance.
func TestBatchNormKnownValues(t *testing.T) {
	l := newBatchNorm("bn", 1, 1)
	x := []float32{1, 3}
	out := l.forward(x, 2, 1, true)

	norm := 1 / float32(math.Sqrt(1+bnEps))
	if math.Abs(float64(out[0]+norm)) > 1e-6 || math.Abs(float64(out[1]-norm)) > 1e-6 {
		t.Fatalf("expected [%v, %v], got %v", -norm, norm, out)
	}
	if math.Abs(float64(l.runningMean[0]-0.2)) > 1e-6 {
		t.Fatalf("expected running mean 0.2, got %v", l.runningMean[0])
	}
	// Unbiased variance of {1,3} is 2: 0.9*1 + 0.1*2 = 1.1.
	if math.Abs(float64(l.runningVar[0]-1.1)) > 1e-6 {
		t.Fatalf("expected running var 1.1, got %v", l.runningVar[0])
	}

	// Inference uses the running statistics.
	evalOut := l.forward([]float32{2}, 1, 1, false)
	want := (2 - 0.2) / math.Sqrt(1.1+bnEps)
	if math.Abs(float64(evalOut[0])-want) > 1e-4 {
		t.Fatalf("expected eval output %v, got %v", want, evalOut[0])
	}

	// Scale and shift apply after normalization.
	l2 := newBatchNorm("bn", 1, 1)
	l2.gamma.Data[0] = 2
	l2.beta.Data[0] = 0.5
	out2 := l2.forward([]float32{1, 3}, 2, 1, true)
	if math.Abs(float64(out2[0]-(-2*norm+0.5))) > 1e-6 || math.Abs(float64(out2[1]-(2*norm+0.5))) > 1e-6 {
		t.Fatalf("expected scaled outputs, got %v", out2)
	}
}

// TestBatchNormGradients checks the batch norm backward pass against finite
// differences for the input, scale and shift.
func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	l := newBatchNorm("bn", 2, 3)
	randomize(rng, l.gamma.Data)
	randomize(rng, l.beta.Data)

	n := 2
	x := make([]float32, n*l.c*l.spatial)
	randomize(rng, x)
	dout := make([]float32, len(x))
	randomize(rng, dout)

	l.forward(x, n, 1, true)
	dx := l.backward(dout, n, 1)

	eval := func() float64 { return project(l.forward(x, n, 1, true), dout) }
	for i := range x {
		checkGrad(t, "dx", i, dx[i], fdSlope(x, i, 1e-2, eval))
	}
	for i := range l.gamma.Data {
		checkGrad(t, "dgamma", i, l.gamma.Grad[i], fdSlope(l.gamma.Data, i, 1e-2, eval))
	}
	for i := range l.beta.Data {
		checkGrad(t, "dbeta", i, l.beta.Grad[i], fdSlope(l.beta.Data, i, 1e-2, eval))
	}
}

// TestEluForwardBackward checks the activation and its derivative, which is
// out+1 below zero.
func TestEluForwardBackward(t *testing.T) {
	l := &elu{}
	x := []float32{-2, -0.5, 0, 0.7}
	out := l.forward(x)

	want := []float32{
		float32(math.Expm1(-2)),
		float32(math.Expm1(-0.5)),
		0,
		0.7,
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Fatalf("output %d: expected %v, got %v", i, want[i], out[i])
		}
	}

	dx := l.backward([]float32{1, 1, 1, 1})
	wantDx := []float32{want[0] + 1, want[1] + 1, 1, 1}
	for i := range wantDx {
		if math.Abs(float64(dx[i]-wantDx[i])) > 1e-6 {
			t.Fatalf("gradient %d: expected %v, got %v", i, wantDx[i], dx[i])
		}
	}
}

// TestDropout checks the train-time mask scales survivors by 2 at p=0.5,
// inference is the identity, and p=0 disables masking entirely.
func TestDropout(t *testing.T) {
	l := &dropout{p: 0.5, rng: rand.New(rand.NewSource(3))}
	x := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	out := l.forward(x, true)
	var zeros, scaled int
	for i := range out {
		switch out[i] {
		case 0:
			zeros++
		case 2 * x[i]:
			scaled++
		default:
			t.Fatalf("output %d is %v, expected 0 or %v", i, out[i], 2*x[i])
		}
	}
	if zeros == 0 || scaled == 0 {
		t.Fatalf("expected a mix of dropped and kept values, got %d zeros and %d kept", zeros, scaled)
	}

	dx := l.backward([]float32{1, 1, 1, 1, 1, 1, 1, 1})
	for i := range dx {
		if (out[i] == 0) != (dx[i] == 0) {
			t.Fatalf("gradient mask disagrees with forward mask at %d", i)
		}
	}

	evalOut := l.forward(x, false)
	for i := range evalOut {
		if evalOut[i] != x[i] {
			t.Fatalf("inference changed value %d", i)
		}
	}

	off := &dropout{p: 0, rng: rand.New(rand.NewSource(3))}
	trainOut := off.forward(x, true)
	for i := range trainOut {
		if trainOut[i] != x[i] {
			t.Fatalf("p=0 changed value %d", i)
		}
	}
}

// TestDropout2dDropsWholeChannels checks each (sample, channel) plane is
// kept or dropped as a unit.
func TestDropout2dDropsWholeChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l := newDropout2d(0.5, 4, 6, rng)

	n := 3
	x := make([]float32, n*4*6)
	for i := range x {
		x[i] = 1
	}

	out := l.forward(x, n, true)
	var dropped, kept int
	for i := 0; i < n; i++ {
		for c := 0; c < 4; c++ {
			base := (i*4 + c) * 6
			first := out[base]
			if first != 0 && first != 2 {
				t.Fatalf("channel (%d,%d) scaled to %v, expected 0 or 2", i, c, first)
			}
			for sp := 1; sp < 6; sp++ {
				if out[base+sp] != first {
					t.Fatalf("channel (%d,%d) is not uniform", i, c)
				}
			}
			if first == 0 {
				dropped++
			} else {
				kept++
			}
		}
	}
	if dropped == 0 || kept == 0 {
		t.Fatalf("expected a mix of dropped and kept channels, got %d dropped and %d kept", dropped, kept)
	}
}

// TestLinearKnownValues multiplies a 2-vector through a hand-written weight
// matrix.
func TestLinearKnownValues(t *testing.T) {
	l := newLinear("fc", 2, 3)
	copy(l.weight.Data, []float32{1, 2, 3, 4, 5, 6}) // rows: (1,2), (3,4), (5,6)
	copy(l.bias.Data, []float32{0.5, -0.5, 0})

	out := l.forward([]float32{1, -1}, 1, 1)
	want := []float32{1 - 2 + 0.5, 3 - 4 - 0.5, 5 - 6}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("output %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

// TestLinearGradients checks the fully connected backward pass against
// finite differences.
func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := newLinear("fc", 4, 5)
	randomize(rng, l.weight.Data)
	randomize(rng, l.bias.Data)

	n := 3
	x := make([]float32, n*l.in)
	randomize(rng, x)
	dout := make([]float32, n*l.out)
	randomize(rng, dout)

	l.forward(x, n, 2)
	dx := l.backward(dout, n, 2)

	eval := func() float64 { return project(l.forward(x, n, 1), dout) }
	for i := range x {
		checkGrad(t, "dx", i, dx[i], fdSlope(x, i, 1e-2, eval))
	}
	for i := range l.weight.Data {
		checkGrad(t, "dw", i, l.weight.Grad[i], fdSlope(l.weight.Data, i, 1e-2, eval))
	}
	for i := range l.bias.Data {
		checkGrad(t, "db", i, l.bias.Grad[i], fdSlope(l.bias.Data, i, 1e-2, eval))
	}
}

// TestSoftmaxCrossEntropyKnownValues checks the uniform and the saturated
// cases.
func TestSoftmaxCrossEntropyKnownValues(t *testing.T) {
	logits := make([]float32, NumClasses)
	loss, grad := softmaxCrossEntropy(logits, []int32{0}, 1, NumClasses)
	if math.Abs(loss-math.Log(NumClasses)) > 1e-6 {
		t.Fatalf("expected loss ln(%d)=%v, got %v", NumClasses, math.Log(NumClasses), loss)
	}
	var sum float64
	for j, g := range grad {
		sum += float64(g)
		want := 1.0 / NumClasses
		if j == 0 {
			want -= 1
		}
		if math.Abs(float64(g)-want) > 1e-6 {
			t.Fatalf("gradient %d: expected %v, got %v", j, want, g)
		}
	}
	if math.Abs(sum) > 1e-6 {
		t.Fatalf("expected gradients to sum to zero, got %v", sum)
	}

	confident := make([]float32, NumClasses)
	confident[2] = 100
	loss, _ = softmaxCrossEntropy(confident, []int32{2}, 1, NumClasses)
	if loss > 1e-6 {
		t.Fatalf("expected near-zero loss for a confident correct logit, got %v", loss)
	}
	loss, _ = softmaxCrossEntropy(confident, []int32{3}, 1, NumClasses)
	if loss < 99 || math.IsInf(loss, 0) {
		t.Fatalf("expected a large finite loss for a confident wrong logit, got %v", loss)
	}
}

// TestSoftmaxCrossEntropyGradientFD checks the logit gradient against finite
// differences on a random batch.
func TestSoftmaxCrossEntropyGradientFD(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	n := 3
	logits := make([]float32, n*NumClasses)
	randomize(rng, logits)
	labels := []int32{2, 0, 6}

	_, grad := softmaxCrossEntropy(logits, labels, n, NumClasses)
	eval := func() float64 {
		l, _ := softmaxCrossEntropy(logits, labels, n, NumClasses)
		return l
	}
	for i := range logits {
		numeric := fdSlope(logits, i, 1e-3, eval)
		if math.Abs(float64(grad[i])-numeric) > 1e-3 {
			t.Fatalf("gradient %d: analytic %v, numeric %v", i, grad[i], numeric)
		}
	}
}

// TestArgmaxRow checks the first index wins ties.
func TestArgmaxRow(t *testing.T) {
	if got := argmaxRow([]float32{0.1, 0.9, 0.3}); got != 1 {
		t.Fatalf("expected argmax 1, got %d", got)
	}
	if got := argmaxRow([]float32{0.5, 0.5, 0.1}); got != 0 {
		t.Fatalf("expected first index on tie, got %d", got)
	}
}

// TestParallelForCoversRange checks every index runs exactly once for odd
// worker and range combinations.
func TestParallelForCoversRange(t *testing.T) {
	for _, tc := range []struct{ workers, n int }{
		{1, 10}, {3, 10}, {4, 4}, {16, 5}, {2, 1}, {3, 0},
	} {
		hits := make([]int, tc.n)
		parallelFor(tc.workers, tc.n, func(start, end int) {
			for i := start; i < end; i++ {
				hits[i]++
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("workers=%d n=%d: index %d ran %d times", tc.workers, tc.n, i, h)
			}
		}
	}
}
