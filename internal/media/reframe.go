package media

// Reframer cuts an arbitrary byte stream into fixed-size frames. Transports
// may deliver anything from half a frame to several frames per message, while
// the detectors downstream only accept one exact frame size. Bytes left over
// after the last complete frame stay buffered until the next call completes
// them.
//
// Not safe for concurrent use; the media loop calls it from one goroutine.
type Reframer struct {
	frameBytes int
	rem        []byte
}

// NewReframer returns a Reframer emitting frames of frameBytes bytes.
func NewReframer(frameBytes int) *Reframer {
	if frameBytes <= 0 {
		frameBytes = 1
	}
	return &Reframer{frameBytes: frameBytes}
}

// Split appends data to any buffered remainder and returns every complete
// frame now available, oldest first. Input that is already exactly one frame
// passes through without copying.
func (r *Reframer) Split(data []byte) [][]byte {
	if len(r.rem) == 0 && len(data) == r.frameBytes {
		return [][]byte{data}
	}

	r.rem = append(r.rem, data...)
	n := len(r.rem) / r.frameBytes
	if n == 0 {
		return nil
	}

	out := make([][]byte, n)
	for i := range out {
		frame := make([]byte, r.frameBytes)
		copy(frame, r.rem[i*r.frameBytes:])
		out[i] = frame
	}
	rest := copy(r.rem, r.rem[n*r.frameBytes:])
	r.rem = r.rem[:rest]
	return out
}

// Pending reports how many bytes are buffered awaiting completion.
func (r *Reframer) Pending() int { return len(r.rem) }
