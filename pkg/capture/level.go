package capture

import "math"

// rmsLevel computes a normalized RMS level from 16-bit little-endian PCM.
func rmsLevel(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}
