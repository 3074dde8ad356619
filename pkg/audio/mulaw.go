package audio

// G.711 mu-law codec. The SIP media gateway delivers 8-bit mu-law at 8 kHz;
// the pipeline works in linear PCM16 internally and re-encodes on egress when
// the client negotiated the mulaw encoding.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawDecode expands 8-bit mu-law samples into little-endian int16 PCM.
func MulawDecode(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, m := range in {
		s := mulawToLinear(m)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// MulawEncode compresses little-endian int16 PCM into 8-bit mu-law samples.
// A trailing odd byte is ignored.
func MulawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = linearToMulaw(s)
	}
	return out
}

func linearToMulaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

func mulawToLinear(mu byte) int16 {
	mu = ^mu
	sign := mu & 0x80
	exponent := (mu >> 4) & 0x07
	mantissa := mu & 0x0F
	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}
