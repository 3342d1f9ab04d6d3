package track

import "math"

// lowPass is a first-order exponential low-pass filter.
type lowPass struct {
	y      float64
	primed bool
}

func (l *lowPass) filter(x, alpha float64) float64 {
	if !l.primed {
		l.y = x
		l.primed = true
		return x
	}
	l.y = alpha*x + (1-alpha)*l.y
	return l.y
}

func (l *lowPass) reset() {
	l.y = 0
	l.primed = false
}

// smoothingAlpha converts a cutoff frequency (Hz) and an elapsed interval
// to a low-pass mixing factor. Deriving alpha from wall-clock dt keeps the
// filter frame-rate independent.
func smoothingAlpha(cutoffHz, dt float64) float64 {
	if cutoffHz <= 0 || dt <= 0 {
		return 1
	}
	tau := 1 / (2 * math.Pi * cutoffHz)
	return 1 / (1 + tau/dt)
}

// oneEuroFilter is an adaptive low-pass filter: the cutoff frequency is not
// fixed but grows with the estimated speed of the signal, so the filter is
// aggressive when the signal is stationary (killing jitter) and permissive
// when it moves fast (killing lag).
type oneEuroFilter struct {
	x     lowPass
	dx    lowPass
	prevY float64
}

// update filters one sample. minCutoff is the cutoff floor at rest, beta
// scales the cutoff with the filtered derivative, dCutoff smooths the
// derivative estimate itself.
func (f *oneEuroFilter) update(v, dt, minCutoff, beta, dCutoff float64) float64 {
	if !f.x.primed {
		f.prevY = v
		f.dx.filter(0, 1)
		return f.x.filter(v, 1)
	}
	if dt <= 0 {
		return f.x.y
	}

	rate := (v - f.prevY) / dt
	edx := f.dx.filter(rate, smoothingAlpha(dCutoff, dt))
	cutoff := minCutoff + beta*math.Abs(edx)
	y := f.x.filter(v, smoothingAlpha(cutoff, dt))
	f.prevY = y
	return y
}

func (f *oneEuroFilter) reset() {
	f.x.reset()
	f.dx.reset()
	f.prevY = 0
}
