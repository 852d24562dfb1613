package audio

// Downmix averages an interleaved frame of the given channel count into one
// mono sample per frame position, appending to dst[:0]. Mono input is returned
// as is. Trailing samples that do not fill a whole frame are ignored.
func Downmix(dst, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}

	frames := len(interleaved) / channels
	dst = dst[:0]
	scale := 1 / float32(channels)
	for f := 0; f < frames; f++ {
		var sum float32
		for _, s := range interleaved[f*channels : (f+1)*channels] {
			sum += s
		}
		dst = append(dst, sum*scale)
	}
	return dst
}
