// Package frame implements the serial wire framing: byte-stuffed,
// delimiter-terminated regions carrying one opaque payload each, protected by
// a CRC-16 trailer.
//
// Wire contract (v1, shared with the device firmware):
//
//	frame   := stuff(payload ++ crc16-be) ++ 0x7E
//	stuff   := 0x7E -> 0x7D 0x5E, 0x7D -> 0x7D 0x5D
//	crc16   := CRC-16/CCITT-FALSE over the raw payload
//
// The delimiter terminates a frame rather than bracketing it, so well-formed
// consecutive frames never produce an empty region between them.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/battswap/serial-agent/internal/metrics"
	"github.com/sigurn/crc16"
)

const (
	// Delim terminates every frame on the wire.
	Delim = 0x7E
	// Esc introduces a stuffed byte; the following byte is XORed with EscXOR.
	Esc = 0x7D
	// EscXOR recovers the original byte from an escape pair.
	EscXOR = 0x20
)

// maxRegion bounds how many bytes may accumulate without a delimiter before
// the decoder gives up on the region. Protects against a wedged or
// misconfigured device that never terminates a frame.
const maxRegion = 64 * 1024

var (
	ErrCorrupt = errors.New("frame: corrupt")
	ErrEmpty   = errors.New("frame: empty")
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Encode wraps payload in the wire framing. Pure and deterministic: the same
// payload always yields the same bytes.
func Encode(payload []byte) []byte {
	sum := crc16.Checksum(payload, crcTable)

	// Worst case every byte is stuffed, plus 2 CRC bytes and the delimiter.
	out := make([]byte, 0, 2*len(payload)+5)
	stuff := func(b byte) []byte {
		switch b {
		case Delim, Esc:
			return append(out, Esc, b^EscXOR)
		default:
			return append(out, b)
		}
	}
	for _, b := range payload {
		out = stuff(b)
	}
	out = stuff(byte(sum >> 8))
	out = stuff(byte(sum))
	return append(out, Delim)
}

// Codec decodes the framing incrementally from an accumulation buffer.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// DecodeStream consumes complete delimiter-terminated regions from in and
// emits, per region, either a payload or a frame error. Partial regions stay
// buffered until more bytes arrive. The decoder self-heals: after ErrCorrupt
// or ErrEmpty it resumes scanning at the byte following the delimiter, so one
// noise burst costs exactly one error per delimiter-bounded garbage region.
func (Codec) DecodeStream(in *bytes.Buffer, emit func(payload []byte, err error)) {
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)

		i := bytes.IndexByte(data, Delim)
		if i < 0 {
			if in.Len() > maxRegion {
				// Unterminated region grew past the bound: discard it and
				// surface a single corruption so the counter moves.
				in.Reset()
				metrics.IncCorrupt()
				emit(nil, ErrCorrupt)
			}
			return
		}
		region := data[:i]
		if len(region) == 0 {
			in.Next(i + 1)
			metrics.IncEmpty()
			emit(nil, ErrEmpty)
			continue
		}
		payload, err := unstuff(region)
		in.Next(i + 1)
		if err != nil {
			metrics.IncCorrupt()
			emit(nil, err)
			continue
		}
		metrics.IncFrame()
		emit(payload, nil)
	}
}

// unstuff reverses the escape scheme and verifies the CRC trailer. The
// returned payload is freshly allocated and safe to retain after the caller's
// buffer advances.
func unstuff(region []byte) ([]byte, error) {
	raw := make([]byte, 0, len(region))
	for i := 0; i < len(region); i++ {
		b := region[i]
		if b != Esc {
			raw = append(raw, b)
			continue
		}
		i++
		if i >= len(region) {
			return nil, ErrCorrupt // escape with no follow byte
		}
		u := region[i] ^ EscXOR
		if u != Delim && u != Esc {
			return nil, ErrCorrupt // illegal escape pair
		}
		raw = append(raw, u)
	}
	if len(raw) < 2 {
		return nil, ErrCorrupt
	}
	payload, trailer := raw[:len(raw)-2], raw[len(raw)-2:]
	if crc16.Checksum(payload, crcTable) != binary.BigEndian.Uint16(trailer) {
		return nil, ErrCorrupt
	}
	return payload, nil
}
