package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello tunnel")
	buf := Encode(ChannelData, 42, 7, payload)

	h, got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Type != ChannelData || h.ChannelID != 42 || h.SN != 7 {
		t.Fatalf("header mismatch: %+v", h)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	buf := Encode(TunnelHelloAck, 0, 1, nil)
	h, got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Length != 0 || len(got) != 0 {
		t.Fatalf("expected empty payload, got %v", got)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	buf := Encode(ChannelData, 1, 1, []byte("abc"))
	buf = buf[:len(buf)-1] // truncate payload without updating length field
	if _, _, err := Decode(buf); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestMaxPayloadBoundary(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, MaxPayload)
	buf := Encode(ChannelData, 1, 1, payload)
	if len(buf) != MaxDatagram {
		t.Fatalf("expected datagram of %d bytes, got %d", MaxDatagram, len(buf))
	}
	h, got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Length != MaxPayload || len(got) != MaxPayload {
		t.Fatalf("expected max payload round trip, got length=%d", h.Length)
	}
}

func TestDecodeOversizedLengthField(t *testing.T) {
	// Craft a header claiming 1025 bytes of payload, which must be rejected
	// even if the buffer happens to be that long.
	buf := make([]byte, HeaderLen+MaxPayload+1)
	buf[6] = 0x04
	buf[7] = 0x01 // length = 1025
	if _, _, err := Decode(buf); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for oversized length, got %v", err)
	}
}

func TestEncodePanicsOnOversizedPayload(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for oversized payload")
		}
	}()
	Encode(ChannelData, 1, 1, make([]byte, MaxPayload+1))
}
