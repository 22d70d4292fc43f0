package frame

import (
	"bytes"
	"testing"
)

// FuzzDecodeStream ensures the decoder never panics and never emits a payload
// without a valid CRC, regardless of input bytes or chunking.
func FuzzDecodeStream(f *testing.F) {
	f.Add(Encode([]byte("seed")))
	f.Add([]byte{Delim, Delim, Esc, Delim})
	f.Add([]byte{Esc})
	f.Add(append(Encode(nil), Encode([]byte{Delim, Esc})...))
	f.Fuzz(func(t *testing.T, data []byte) {
		codec := Codec{}
		var buf bytes.Buffer
		for pos := 0; pos < len(data); pos += 3 {
			end := pos + 3
			if end > len(data) {
				end = len(data)
			}
			buf.Write(data[pos:end])
			codec.DecodeStream(&buf, func(p []byte, err error) {
				if err == nil && p == nil {
					t.Fatal("nil payload emitted without error")
				}
			})
		}
	})
}

// FuzzEncodeDecodeRoundTrip checks arbitrary payloads survive the framing.
func FuzzEncodeDecodeRoundTrip(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{Delim, Esc, 0x00, 0xFF})
	f.Fuzz(func(t *testing.T, payload []byte) {
		var buf bytes.Buffer
		buf.Write(Encode(payload))
		var got []byte
		ok := false
		Codec{}.DecodeStream(&buf, func(p []byte, err error) {
			if err != nil {
				t.Fatalf("round trip error: %v", err)
			}
			got, ok = p, true
		})
		if !ok || !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got % X want % X", got, payload)
		}
	})
}
