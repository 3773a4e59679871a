package audio

import "math"

// FloatToPCM16 converts a float sample to signed 16-bit, clipping out-of-range
// input instead of wrapping.
func FloatToPCM16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

// Resampler converts a continuous float stream from one rate to another using
// linear interpolation. State carries across Process calls so block boundaries
// do not introduce discontinuities. Not safe for concurrent use.
type Resampler struct {
	inRate  int
	outRate int
	step    float64
	pos     float64
	prev    float32
}

// NewResampler creates a resampler from inRate to outRate.
func NewResampler(inRate, outRate int) *Resampler {
	if inRate <= 0 {
		inRate = outRate
	}
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		step:    float64(inRate) / float64(outRate),
	}
}

// Process resamples in and returns the PCM samples that are complete so far.
func (r *Resampler) Process(in []float32) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		out := make([]int16, len(in))
		for i, s := range in {
			out[i] = FloatToPCM16(s)
		}
		return out
	}

	out := make([]int16, 0, int(float64(len(in))/r.step)+1)
	for {
		i := int(math.Floor(r.pos))
		if i+1 >= len(in) {
			break
		}
		a := r.prev
		if i >= 0 {
			a = in[i]
		}
		b := in[i+1]
		frac := float32(r.pos - float64(i))
		out = append(out, FloatToPCM16(a+frac*(b-a)))
		r.pos += r.step
	}
	r.pos -= float64(len(in))
	r.prev = in[len(in)-1]
	return out
}
