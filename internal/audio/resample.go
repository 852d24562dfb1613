package audio

import "math"

// Resample converts input from one sample rate to another by linear
// interpolation. ratio is sourceRate/targetRate; the output holds
// floor(len(input)/ratio) samples. No anti-aliasing filter is applied.
func Resample(input []float32, ratio float64) []float32 {
	if len(input) == 0 || !(ratio > 0) || math.IsInf(ratio, 0) {
		return nil
	}

	outputLen := int(float64(len(input)) / ratio)
	output := make([]float32, outputLen)
	last := len(input) - 1

	for i := range output {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(pos - float64(lo))
		output[i] = input[lo]*(1-frac) + input[hi]*frac
	}

	return output
}

// ResampleRatio returns the ratio Resample expects for converting nativeRate
// audio to the target rate.
func ResampleRatio(nativeRate, targetRate int) float64 {
	return float64(nativeRate) / float64(targetRate)
}
