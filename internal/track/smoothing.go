package track

import "gonum.org/v1/gonum/stat"

// jitterWindow is the first cascade stage: a small sliding window that
// treats high short-term variance as noise rather than motion. When the
// window variance exceeds the threshold the window mean is emitted instead
// of the raw value.
type jitterWindow struct {
	buf  []float64
	size int
}

func newJitterWindow(size int) jitterWindow {
	if size < 2 {
		size = 2
	}
	return jitterWindow{buf: make([]float64, 0, size), size: size}
}

func (w *jitterWindow) update(v, varianceThreshold float64) float64 {
	if len(w.buf) >= w.size {
		copy(w.buf, w.buf[1:])
		w.buf = w.buf[:len(w.buf)-1]
	}
	w.buf = append(w.buf, v)
	if len(w.buf) < w.size {
		return v
	}
	mean, variance := stat.MeanVariance(w.buf, nil)
	if variance > varianceThreshold {
		return mean
	}
	return v
}

func (w *jitterWindow) reset() {
	w.buf = w.buf[:0]
}

// scalarKalman is a simplified constant-velocity state-space filter for one
// channel. It keeps only the diagonal of the covariance, which is a crude
// but cheap gain approximation adequate for blending, not for estimation on
// its own.
type scalarKalman struct {
	x, v   float64 // state: value and rate
	px, pv float64 // diagonal covariance
	prevZ  float64
	primed bool
}

func (k *scalarKalman) update(z, dt, processNoise, measurementNoise float64) float64 {
	if !k.primed {
		k.x = z
		k.v = 0
		k.px = 1
		k.pv = 1
		k.prevZ = z
		k.primed = true
		return z
	}
	if dt <= 0 {
		return k.x
	}

	// Predict forward with the constant-velocity model.
	k.x += k.v * dt
	k.px += k.pv*dt*dt + processNoise*dt
	k.pv += processNoise * dt

	// Correct value with the new measurement.
	kx := k.px / (k.px + measurementNoise)
	k.x += kx * (z - k.x)
	k.px *= 1 - kx

	// Correct rate against the finite-difference rate observation.
	zv := (z - k.prevZ) / dt
	kv := k.pv / (k.pv + measurementNoise)
	k.v += kv * (zv - k.v)
	k.pv *= 1 - kv

	k.prevZ = z
	return k.x
}

func (k *scalarKalman) rate() float64 { return k.v }

func (k *scalarKalman) reset() {
	*k = scalarKalman{}
}

// doubleExpSmoother applies Holt double exponential smoothing (level plus
// trend). The trend term doubles as a one-step predictor: output is the
// level extrapolated forward by a fraction of one frame interval, which
// compensates detector-to-render latency.
type doubleExpSmoother struct {
	level, trend float64
	primed       bool
}

func (d *doubleExpSmoother) update(v, levelAlpha, trendGamma, predictFraction float64) float64 {
	if !d.primed {
		d.level = v
		d.trend = 0
		d.primed = true
		return v
	}
	prevLevel := d.level
	d.level = levelAlpha*v + (1-levelAlpha)*(d.level+d.trend)
	d.trend = trendGamma*(d.level-prevLevel) + (1-trendGamma)*d.trend
	return d.level + predictFraction*d.trend
}

// trendPerUpdate returns the current per-frame trend estimate.
func (d *doubleExpSmoother) trendPerUpdate() float64 { return d.trend }

func (d *doubleExpSmoother) reset() {
	*d = doubleExpSmoother{}
}
