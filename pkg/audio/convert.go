// Package audio provides PCM helpers and codecs for the telephony media path:
// int16/byte conversion, linear resampling, G.711 mu-law, and an Opus egress
// encoder. All PCM is 16-bit signed little-endian mono unless stated otherwise.
package audio

import "math"

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// ResampleMono16 resamples little-endian int16 mono PCM from fromRate to
// toRate using linear interpolation. Returns the input unchanged when the
// rates match. Quality is adequate for the 8 kHz <-> 16 kHz telephony hops
// this pipeline performs; it is not a general-purpose resampler.
func ResampleMono16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	in := BytesToInt16s(pcm)
	if len(in) == 0 {
		return nil
	}
	outLen := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	for i := range out {
		// Source position in fixed point.
		pos := int64(i) * int64(fromRate) / int64(toRate)
		frac := int64(i)*int64(fromRate)%int64(toRate) * 256 / int64(toRate)
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		a, b := int64(in[j]), int64(in[j+1])
		out[i] = int16(a + (b-a)*frac/256)
	}
	return Int16sToBytes(out)
}

// RMS computes the root-mean-square amplitude of little-endian int16 mono PCM
// in linear 16-bit units (0..32767).
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
