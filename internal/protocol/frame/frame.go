package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderLen is the fixed wire header size.
	HeaderLen = 16
	// Version is the only protocol version this server speaks.
	Version int32 = 1
)

var (
	ErrEndOfStream         = errors.New("frame: end of stream")
	ErrInvalidHeaderLen    = errors.New("frame: invalid header length")
	ErrInvalidPacketSize   = errors.New("frame: invalid packet size")
	ErrInvalidResultLength = errors.New("frame: result length out of range")
	ErrPayloadTooLarge     = errors.New("frame: payload too large")
)

// Header is the fixed wire header. All fields are big-endian int32.
type Header struct {
	PacketSize int32
	CommandTag int32
	Error      int32
	Version    int32
}

func (h Header) String() string {
	return fmt.Sprintf("packet_size=%d command_tag=%d error=%d version=%d",
		h.PacketSize, h.CommandTag, h.Error, h.Version)
}

// PayloadLen is the payload length declared by PacketSize.
func (h Header) PayloadLen() (int, error) {
	n := int(h.PacketSize) - HeaderLen
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPacketSize, h.PacketSize)
	}
	return n, nil
}

// Payload is one request or response body. ErrorValue is only set while
// building an error response; the response header error is taken from it.
type Payload struct {
	Data       []byte
	ErrorValue int32
}

func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

func (p *Payload) SetData(b []byte) {
	p.Data = b
}

// Limits constrains client-side frame decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.PacketSize))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.CommandTag))
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Error))
	binary.BigEndian.PutUint32(buf[12:16], uint32(h.Version))
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidHeaderLen, len(b))
	}
	return Header{
		PacketSize: int32(binary.BigEndian.Uint32(b[0:4])),
		CommandTag: int32(binary.BigEndian.Uint32(b[4:8])),
		Error:      int32(binary.BigEndian.Uint32(b[8:12])),
		Version:    int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// ReadHeader reads exactly one header. A peer close before all 16 bytes
// arrive, including a partial header, is reported as ErrEndOfStream.
func ReadHeader(r io.Reader) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: %v", ErrEndOfStream, err)
		}
		return Header{}, err
	}
	return DecodeHeader(fixed[:])
}

// ReadPayload drains the bytes already buffered behind the header without
// blocking. It never waits for the length declared by PacketSize, so a body
// split across socket reads comes back truncated. The reader must be sized to
// hold a whole frame; bytes beyond its buffer are left for the next header
// read. Read failures yield an empty payload.
func ReadPayload(r *bufio.Reader) Payload {
	n := r.Buffered()
	if n <= 0 {
		return Payload{}
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Payload{}
	}
	return Payload{Data: data}
}

// WriteFrame writes the header and the first resultLength payload bytes in a
// single write. PacketSize is recomputed; the incoming value is ignored.
func WriteFrame(w io.Writer, h Header, p Payload, resultLength int) error {
	if resultLength < 0 || resultLength > len(p.Data) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidResultLength, resultLength, len(p.Data))
	}
	if resultLength > int(^uint32(0)>>1)-HeaderLen {
		return ErrPayloadTooLarge
	}
	h.PacketSize = int32(HeaderLen + resultLength)

	buf := make([]byte, HeaderLen+resultLength)
	putHeader(buf, h)
	copy(buf[HeaderLen:], p.Data[:resultLength])
	_, err := w.Write(buf)
	return err
}

// Frame is one complete wire message as seen by a client.
type Frame struct {
	Header  Header
	Payload []byte
}

// ReadFrame reads a header and then exactly PacketSize-16 payload bytes.
// Unlike the server path it trusts the declared length.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Frame{}, err
	}
	n, err := h.PayloadLen()
	if err != nil {
		return Frame{}, err
	}
	if limits.MaxPayloadBytes > 0 && n > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}
