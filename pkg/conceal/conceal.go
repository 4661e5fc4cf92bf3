// Package conceal classifies sequence gaps on an inbound audio stream and
// drives the decoder's FEC/PLC recovery paths to smooth over packet loss.
package conceal

// FrameDecoder is the decoder contract the concealer drives. *codec.Decoder
// satisfies it.
type FrameDecoder interface {
	Decode(frame []byte) ([]byte, error)
	DecodeFEC(frame []byte) ([]byte, error)
	DecodePLC() ([]byte, error)
	Reset() error
}

// maxConcealGap bounds how many missing frames are synthesized. Beyond this
// the stream just resumes: concealing long gaps sounds worse than a dropout.
const maxConcealGap = 4

// Concealer tracks the last sequence number per active sender and emits
// recovered-plus-current PCM frames for each inbound packet.
type Concealer struct {
	dec      FrameDecoder
	sender   string
	lastSeq  uint32
	tracking bool
}

func New(dec FrameDecoder) *Concealer {
	return &Concealer{dec: dec}
}

// Process handles one inbound frame and returns decoded PCM frames in
// playback order: any recovered frames first, then the current one.
//
// Gap policy: gap 0 decodes normally; gap 1 recovers the single missing
// frame via FEC data embedded in the current packet; gaps 2..4 synthesize
// concealment audio via PLC; anything larger (including duplicates and
// reordered packets, which wrap to huge gaps) skips recovery.
//
// Recovery failures are dropped silently; an error is returned only when the
// current frame itself fails to decode, and the stream continues afterwards.
func (c *Concealer) Process(sender string, seq uint32, frame []byte) ([][]byte, error) {
	if sender != c.sender {
		// New transmission: stale prediction state from the previous
		// sender must not leak into the first frames of this one.
		c.sender = sender
		c.tracking = false
		c.dec.Reset()
	}

	var out [][]byte
	if c.tracking {
		gap := seq - c.lastSeq - 1
		switch {
		case gap == 0:
		case gap == 1:
			if pcm, err := c.dec.DecodeFEC(frame); err == nil {
				out = append(out, pcm)
			}
		case gap <= maxConcealGap:
			for i := uint32(0); i < gap; i++ {
				pcm, err := c.dec.DecodePLC()
				if err != nil {
					break
				}
				out = append(out, pcm)
			}
		}
	}
	c.lastSeq = seq
	c.tracking = true

	pcm, err := c.dec.Decode(frame)
	if err != nil {
		return out, err
	}
	return append(out, pcm), nil
}

// Reset clears sequence tracking and decoder state, used when the channel
// returns to idle.
func (c *Concealer) Reset() {
	c.sender = ""
	c.tracking = false
	c.dec.Reset()
}
