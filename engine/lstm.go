package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/scenevote/optimizer"
	"gonum.org/v1/gonum/mat"
)

// lstmLayer is one recurrent layer. Gates are packed [input, forget, cell, output]
// along the columns of the weight matrices.
type lstmLayer struct {
	name            string
	inputs          int
	hidden          int
	forgetBias      float64
	keepProb        float64 // Output dropout; 1 disables it
	returnSequences bool

	wx *optimizer.Parameter // [inputs, 4*hidden]
	wh *optimizer.Parameter // [hidden, 4*hidden]
	b  *optimizer.Parameter // [4*hidden]
}

// lstmCache keeps the activations of one forward pass for backpropagation
type lstmCache struct {
	xs    []*mat.Dense // Input per step [B, inputs]
	hs    []*mat.Dense // Hidden state, hs[0] is the zero initial state
	cs    []*mat.Dense // Cell state, cs[0] is the zero initial state
	gates []*mat.Dense // Activated gates per step [B, 4*hidden]
	masks []*mat.Dense // Scaled dropout masks per step, nil when dropout is off
	outs  []*mat.Dense // Output per step after dropout
}

func newLSTMLayer(name string, inputs, hidden int, forgetBias, keepProb float64, returnSequences bool) *lstmLayer {
	return &lstmLayer{
		name:            name,
		inputs:          inputs,
		hidden:          hidden,
		forgetBias:      forgetBias,
		keepProb:        keepProb,
		returnSequences: returnSequences,
		wx:              optimizer.NewParameter(name+".input_weight", []int{inputs, 4 * hidden}),
		wh:              optimizer.NewParameter(name+".recurrent_weight", []int{hidden, 4 * hidden}),
		b:               optimizer.NewParameter(name+".bias", []int{4 * hidden}),
	}
}

func (l *lstmLayer) parameters() []*optimizer.Parameter {
	return []*optimizer.Parameter{l.wx, l.wh, l.b}
}

func (l *lstmLayer) init(rng *rand.Rand) {
	glorotUniform(l.wx.Value, l.inputs, 4*l.hidden, rng)
	glorotUniform(l.wh.Value, l.hidden, 4*l.hidden, rng)
	for i := range l.b.Value {
		l.b.Value[i] = 0
	}
}

// forward runs the layer over every time step. When masks is non-nil those dropout
// masks are reused instead of drawing new ones.
func (l *lstmLayer) forward(xs []*mat.Dense, train bool, rng *rand.Rand, masks []*mat.Dense) *lstmCache {
	steps := len(xs)
	batch, _ := xs[0].Dims()
	h := l.hidden

	wx := mat.NewDense(l.inputs, 4*h, l.wx.Value)
	wh := mat.NewDense(h, 4*h, l.wh.Value)
	bias := l.b.Value

	cache := &lstmCache{
		xs:    xs,
		hs:    make([]*mat.Dense, steps+1),
		cs:    make([]*mat.Dense, steps+1),
		gates: make([]*mat.Dense, steps),
		masks: make([]*mat.Dense, steps),
		outs:  make([]*mat.Dense, steps),
	}
	cache.hs[0] = mat.NewDense(batch, h, nil)
	cache.cs[0] = mat.NewDense(batch, h, nil)

	dropout := train && l.keepProb < 1
	var rec mat.Dense
	for t := 0; t < steps; t++ {
		z := mat.NewDense(batch, 4*h, nil)
		z.Mul(xs[t], wx)
		rec.Mul(cache.hs[t], wh)
		z.Add(z, &rec)

		hNext := mat.NewDense(batch, h, nil)
		cNext := mat.NewDense(batch, h, nil)
		for r := 0; r < batch; r++ {
			zr := z.RawRowView(r)
			cPrev := cache.cs[t].RawRowView(r)
			cr := cNext.RawRowView(r)
			hr := hNext.RawRowView(r)
			for j := 0; j < h; j++ {
				ig := sigmoid(zr[j] + bias[j])
				fg := sigmoid(zr[h+j] + bias[h+j] + l.forgetBias)
				gg := math.Tanh(zr[2*h+j] + bias[2*h+j])
				og := sigmoid(zr[3*h+j] + bias[3*h+j])
				zr[j], zr[h+j], zr[2*h+j], zr[3*h+j] = ig, fg, gg, og

				cr[j] = fg*cPrev[j] + ig*gg
				hr[j] = og * math.Tanh(cr[j])
			}
		}
		cache.gates[t] = z
		cache.hs[t+1] = hNext
		cache.cs[t+1] = cNext

		out := hNext
		if dropout {
			var mask *mat.Dense
			if masks != nil {
				mask = masks[t]
			} else {
				mask = dropoutMask(batch, h, l.keepProb, rng)
			}
			out = mat.NewDense(batch, h, nil)
			out.MulElem(hNext, mask)
			cache.masks[t] = mask
		}
		cache.outs[t] = out
	}
	return cache
}

// backward accumulates parameter gradients from the output gradients of every step.
// A nil entry in dOuts is a zero gradient. The input gradients are returned only
// when needInput is set.
func (l *lstmLayer) backward(cache *lstmCache, dOuts []*mat.Dense, needInput bool) []*mat.Dense {
	steps := len(cache.xs)
	batch, _ := cache.xs[0].Dims()
	h := l.hidden

	wx := mat.NewDense(l.inputs, 4*h, l.wx.Value)
	wh := mat.NewDense(h, 4*h, l.wh.Value)
	gWx := mat.NewDense(l.inputs, 4*h, l.wx.Grad)
	gWh := mat.NewDense(h, 4*h, l.wh.Grad)
	gb := l.b.Grad

	var dxs []*mat.Dense
	if needInput {
		dxs = make([]*mat.Dense, steps)
	}

	dhNext := mat.NewDense(batch, h, nil)
	dcNext := mat.NewDense(batch, h, nil)
	dh := mat.NewDense(batch, h, nil)
	var tmpX, tmpH, masked mat.Dense

	for t := steps - 1; t >= 0; t-- {
		dh.Copy(dhNext)
		if d := dOuts[t]; d != nil {
			if cache.masks[t] != nil {
				masked.MulElem(d, cache.masks[t])
				dh.Add(dh, &masked)
			} else {
				dh.Add(dh, d)
			}
		}

		dz := mat.NewDense(batch, 4*h, nil)
		dc := mat.NewDense(batch, h, nil)
		for r := 0; r < batch; r++ {
			g := cache.gates[t].RawRowView(r)
			c := cache.cs[t+1].RawRowView(r)
			cPrev := cache.cs[t].RawRowView(r)
			dhr := dh.RawRowView(r)
			dcn := dcNext.RawRowView(r)
			dzr := dz.RawRowView(r)
			dcr := dc.RawRowView(r)
			for j := 0; j < h; j++ {
				ig, fg, gg, og := g[j], g[h+j], g[2*h+j], g[3*h+j]
				tc := math.Tanh(c[j])

				dcv := dcn[j] + dhr[j]*og*(1-tc*tc)
				dzr[j] = dcv * gg * ig * (1 - ig)
				dzr[h+j] = dcv * cPrev[j] * fg * (1 - fg)
				dzr[2*h+j] = dcv * ig * (1 - gg*gg)
				dzr[3*h+j] = dhr[j] * tc * og * (1 - og)
				dcr[j] = dcv * fg
			}
			for k, v := range dzr {
				gb[k] += v
			}
		}

		tmpX.Mul(cache.xs[t].T(), dz)
		gWx.Add(gWx, &tmpX)
		tmpH.Mul(cache.hs[t].T(), dz)
		gWh.Add(gWh, &tmpH)

		if needInput {
			dx := mat.NewDense(batch, l.inputs, nil)
			dx.Mul(dz, wx.T())
			dxs[t] = dx
		}
		dhNext = mat.NewDense(batch, h, nil)
		dhNext.Mul(dz, wh.T())
		dcNext = dc
	}
	return dxs
}

// dropoutMask draws an inverted dropout mask: kept units are scaled by 1/keep
func dropoutMask(rows, cols int, keep float64, rng *rand.Rand) *mat.Dense {
	mask := mat.NewDense(rows, cols, nil)
	raw := mask.RawMatrix().Data
	scale := 1 / keep
	for i := range raw {
		if rng.Float64() < keep {
			raw[i] = scale
		}
	}
	return mask
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// glorotUniform fills w with U(-limit, limit), limit = sqrt(6 / (fanIn + fanOut))
func glorotUniform(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}
