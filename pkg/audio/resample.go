package audio

// resampler converts a mono stream between rates by linear interpolation.
// It keeps the unconsumed tail between calls so chunk boundaries are seamless.
type resampler struct {
	step float64 // input samples per output sample
	pos  float64 // position of the next output sample within tail
	tail []float32
}

func newResampler(inRate, outRate int) *resampler {
	return &resampler{step: float64(inRate) / float64(outRate)}
}

func (r *resampler) process(in []float32) []float32 {
	r.tail = append(r.tail, in...)
	var out []float32
	for r.pos+1 < float64(len(r.tail)) {
		i := int(r.pos)
		frac := float32(r.pos - float64(i))
		out = append(out, r.tail[i]*(1-frac)+r.tail[i+1]*frac)
		r.pos += r.step
	}
	consumed := int(r.pos)
	if consumed > len(r.tail)-1 {
		consumed = len(r.tail) - 1
	}
	if consumed > 0 {
		r.tail = append(r.tail[:0], r.tail[consumed:]...)
		r.pos -= float64(consumed)
	}
	return out
}

// flush emits whatever the tail still covers, without a right neighbour.
func (r *resampler) flush() []float32 {
	var out []float32
	for r.pos < float64(len(r.tail)) {
		out = append(out, r.tail[int(r.pos)])
		r.pos += r.step
	}
	r.tail = r.tail[:0]
	r.pos = 0
	return out
}
