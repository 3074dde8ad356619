package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusEncoder wraps a gopus Opus encoder for the egress stream. Opus encoder
// state is stateful across consecutive frames, so each session that negotiated
// the opus encoding owns its own encoder. Not safe for concurrent use; the
// egress writer is the single caller by design.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	frameSize  int
}

// NewOpusEncoder creates a mono Opus encoder at the given sample rate and
// frame duration. Valid rates are 8000, 12000, 16000, 24000, and 48000 Hz.
func NewOpusEncoder(sampleRate, frameSizeMs int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		frameSize:  sampleRate * frameSizeMs / 1000,
	}, nil
}

// FrameBytes returns the number of PCM16 bytes consumed per Encode call.
func (e *OpusEncoder) FrameBytes() int { return e.frameSize * 2 }

// Encode encodes exactly one frame of little-endian PCM16 mono data into an
// Opus packet. len(pcm) must equal FrameBytes.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("audio: opus encode: want %d bytes, got %d", e.FrameBytes(), len(pcm))
	}
	pkt, err := e.enc.Encode(BytesToInt16s(pcm), e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return pkt, nil
}

// OpusDecoder wraps a gopus Opus decoder for inbound opus-tagged frames.
// Not safe for concurrent use.
type OpusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewOpusDecoder creates a mono Opus decoder at the given sample rate and
// frame duration.
func NewOpusDecoder(sampleRate, frameSizeMs int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, frameSize: sampleRate * frameSizeMs / 1000}, nil
}

// Decode decodes an Opus packet into little-endian PCM16 mono bytes.
func (d *OpusDecoder) Decode(pkt []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(pkt, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
