package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/danmuck/aapid/internal/testutil/testlog"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Header{
		{},
		{PacketSize: 20, CommandTag: 7, Error: 0, Version: Version},
		{PacketSize: -1, CommandTag: math.MinInt32, Error: math.MaxInt32, Version: 42},
		{PacketSize: math.MaxInt32, CommandTag: -7, Error: -3, Version: 0},
	}
	for _, h := range cases {
		b := EncodeHeader(h)
		if len(b) != HeaderLen {
			t.Fatalf("encoded len=%d", len(b))
		}
		got, err := DecodeHeader(b)
		if err != nil {
			t.Fatalf("decode header: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got=%+v want=%+v", got, h)
		}
	}
}

func TestEncodeHeaderIsBigEndian(t *testing.T) {
	testlog.Start(t)
	b := EncodeHeader(Header{PacketSize: 20, CommandTag: 7, Error: 0, Version: 1})
	want := []byte{0, 0, 0, 20, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(b, want) {
		t.Fatalf("unexpected encoding: %v", b)
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeHeader(make([]byte, 15)); !errors.Is(err, ErrInvalidHeaderLen) {
		t.Fatalf("expected ErrInvalidHeaderLen, got %v", err)
	}
}

func TestReadHeaderEndOfStream(t *testing.T) {
	testlog.Start(t)
	for _, in := range [][]byte{nil, {1, 2, 3}} {
		_, err := ReadHeader(bytes.NewReader(in))
		if !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("input len=%d: expected ErrEndOfStream, got %v", len(in), err)
		}
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestReadHeaderPassesThroughTransportErrors(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("reset by peer")
	_, err := ReadHeader(failingReader{err: boom})
	if !errors.Is(err, boom) || errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestReadPayloadDrainsBufferedBytesOnly(t *testing.T) {
	testlog.Start(t)
	var wire bytes.Buffer
	wire.Write(EncodeHeader(Header{PacketSize: 20, CommandTag: 7, Version: Version}))
	wire.WriteString("PING")

	br := bufio.NewReader(&wire)
	h, err := ReadHeader(br)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if h.CommandTag != 7 {
		t.Fatalf("unexpected tag %d", h.CommandTag)
	}
	p := ReadPayload(br)
	if string(p.Data) != "PING" {
		t.Fatalf("unexpected payload %q", p.Data)
	}
	if p := ReadPayload(br); p.Len() != 0 {
		t.Fatalf("expected empty payload, got %q", p.Data)
	}
}

type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestReadPayloadDoesNotWaitForDeclaredLength(t *testing.T) {
	testlog.Start(t)
	hdr := EncodeHeader(Header{PacketSize: 24, CommandTag: 7, Version: Version})
	br := bufio.NewReader(&chunkReader{chunks: [][]byte{
		append(hdr, []byte("PING")...),
		[]byte("PONG"),
	}})
	if _, err := ReadHeader(br); err != nil {
		t.Fatalf("read header: %v", err)
	}
	p := ReadPayload(br)
	if string(p.Data) != "PING" {
		t.Fatalf("expected truncated payload PING, got %q", p.Data)
	}
}

func TestWriteFrameRecomputesPacketSize(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	h := Header{PacketSize: 999, CommandTag: 7, Error: 0, Version: Version}
	if err := WriteFrame(&buf, h, Payload{Data: []byte("PINGextra")}, 4); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	fr, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.PacketSize != HeaderLen+4 {
		t.Fatalf("packet size=%d", fr.Header.PacketSize)
	}
	if string(fr.Payload) != "PING" {
		t.Fatalf("payload=%q", fr.Payload)
	}
}

func TestWriteFrameSingleWrite(t *testing.T) {
	testlog.Start(t)
	w := &countingWriter{}
	if err := WriteFrame(w, Header{CommandTag: 1, Version: Version}, Payload{Data: []byte("abc")}, 3); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if w.writes != 1 || w.n != HeaderLen+3 {
		t.Fatalf("writes=%d bytes=%d", w.writes, w.n)
	}
}

type countingWriter struct {
	writes int
	n      int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	w.n += len(p)
	return len(p), nil
}

func TestWriteFrameRejectsBadResultLength(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	for _, n := range []int{-1, 4} {
		err := WriteFrame(&buf, Header{}, Payload{Data: []byte("abc")}, n)
		if !errors.Is(err, ErrInvalidResultLength) {
			t.Fatalf("n=%d: expected ErrInvalidResultLength, got %v", n, err)
		}
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written on error")
	}
}

func TestReadFrameLimits(t *testing.T) {
	testlog.Start(t)
	b := EncodeHeader(Header{PacketSize: HeaderLen + 64, CommandTag: 1, Version: Version})
	_, err := ReadFrame(bytes.NewReader(b), Limits{MaxPayloadBytes: 16})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	b = EncodeHeader(Header{PacketSize: 3, CommandTag: 1, Version: Version})
	_, err = ReadFrame(bytes.NewReader(b), DefaultLimits())
	if !errors.Is(err, ErrInvalidPacketSize) {
		t.Fatalf("expected ErrInvalidPacketSize, got %v", err)
	}
}
