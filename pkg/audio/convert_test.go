package audio

import (
	"math"
	"testing"
)

// ─── TestInt16RoundTrip ───────────────────────────────────────────────────────

func TestInt16RoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := BytesToInt16s(Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length: want %d, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: want %d, got %d", i, in[i], got[i])
		}
	}
}

// ─── TestResampleMono16 ───────────────────────────────────────────────────────

func TestResampleMono16_SameRateIsIdentity(t *testing.T) {
	t.Parallel()

	pcm := Int16sToBytes([]int16{1, 2, 3, 4})
	got := ResampleMono16(pcm, 8000, 8000)
	if &got[0] != &pcm[0] {
		t.Error("same-rate resample should return the input slice unchanged")
	}
}

func TestResampleMono16_DoublesLength(t *testing.T) {
	t.Parallel()

	in := make([]int16, 160) // 20 ms at 8 kHz
	for i := range in {
		in[i] = int16(i * 100)
	}
	out := ResampleMono16(Int16sToBytes(in), 8000, 16000)
	if got := len(out) / 2; got != 320 {
		t.Errorf("upsampled length: want 320 samples, got %d", got)
	}
}

// ─── TestMulaw ────────────────────────────────────────────────────────────────

// TestMulawRoundTrip verifies that encode→decode reproduces samples within
// the G.711 quantisation error bound.
func TestMulawRoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	enc := MulawEncode(Int16sToBytes(samples))
	dec := BytesToInt16s(MulawDecode(enc))

	for i, want := range samples {
		got := dec[i]
		diff := math.Abs(float64(int32(want) - int32(got)))
		// Quantisation error grows with magnitude; 3% of full scale covers
		// the largest mu-law segment.
		if diff > 1000 {
			t.Errorf("sample %d: want ~%d, got %d (diff %.0f)", i, want, got, diff)
		}
	}
}

func TestMulawSilenceEncodesCompactly(t *testing.T) {
	t.Parallel()

	silence := make([]byte, 320) // 160 zero samples
	enc := MulawEncode(silence)
	if len(enc) != 160 {
		t.Fatalf("encoded length: want 160, got %d", len(enc))
	}
	dec := BytesToInt16s(MulawDecode(enc))
	for i, s := range dec {
		if s > 8 || s < -8 {
			t.Fatalf("decoded silence sample %d out of range: %d", i, s)
		}
	}
}

// ─── TestRMS ──────────────────────────────────────────────────────────────────

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil): want 0, got %f", got)
	}

	// Constant amplitude: RMS equals the amplitude.
	n := 160
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = 1000
	}
	got := RMS(Int16sToBytes(pcm))
	if math.Abs(got-1000) > 0.5 {
		t.Errorf("RMS of constant 1000: want ~1000, got %f", got)
	}
}
