package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"
)

var (
	// ErrFraming marks a stream whose byte boundaries can no longer be
	// trusted. It is fatal to the connection that produced it.
	ErrFraming       = errors.New("framing error")
	ErrFrameTooLarge = errors.New("frame field exceeds 32-bit length")
	ErrEmptyName     = errors.New("transfer unit name is empty")
)

const (
	lenPrefixSize = 4
	readChunk     = 64 * 1024
)

// FrameKind selects the wire format of an engine.
type FrameKind int

const (
	// FrameFile is [u32 LE nameLen][name][u32 LE dataLen][payload].
	FrameFile FrameKind = iota
	// FrameText is [u32 LE dataLen][UTF-8 text].
	FrameText
)

func (k FrameKind) String() string {
	switch k {
	case FrameFile:
		return "file"
	case FrameText:
		return "text"
	default:
		return "unknown"
	}
}

func ParseFrameKind(s string) (FrameKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return FrameFile, nil
	case "text", "chat":
		return FrameText, nil
	}
	return 0, fmt.Errorf("unknown frame kind %q", s)
}

// Unit is a named payload moved as one item through the queues. Text
// messages travel as units with an empty name.
type Unit struct {
	Name    string
	Payload []byte
}

func NewUnit(name string, payload []byte) Unit {
	return Unit{Name: name, Payload: payload}
}

func TextUnit(text string) Unit {
	return Unit{Payload: []byte(text)}
}

func (u Unit) Text() string { return string(u.Payload) }

func (u Unit) Size() int { return len(u.Payload) }

type Encoder interface {
	Encode(io.Writer, Unit) error
}

type Decoder interface {
	Decode(io.Reader, *Unit) error
}

// Codec turns units into frames and back.
type Codec interface {
	Encoder
	Decoder
	// Marshal returns the complete frame for u so it can go out in one write.
	Marshal(Unit) ([]byte, error)
	// Validate reports whether u can be framed at all.
	Validate(Unit) error
}

func NewCodec(kind FrameKind) Codec {
	if kind == FrameText {
		return TextCodec{}
	}
	return FileCodec{}
}

type FileCodec struct{}

func (FileCodec) Validate(u Unit) error {
	if u.Name == "" {
		return ErrEmptyName
	}
	if uint64(len(u.Name)) > math.MaxUint32 || uint64(len(u.Payload)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	return nil
}

func (c FileCodec) Marshal(u Unit) ([]byte, error) {
	if err := c.Validate(u); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2*lenPrefixSize+len(u.Name)+len(u.Payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(u.Name)))
	buf = append(buf, u.Name...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(u.Payload)))
	buf = append(buf, u.Payload...)
	return buf, nil
}

func (c FileCodec) Encode(w io.Writer, u Unit) error {
	b, err := c.Marshal(u)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Decode reads one file frame. A clean end of stream before the first
// byte of a frame is reported as io.EOF; anything cut short after that is
// ErrFraming.
func (FileCodec) Decode(r io.Reader, u *Unit) error {
	name, err := readField(r, true)
	if err != nil {
		return err
	}
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", ErrFraming)
	}
	if !utf8.Valid(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrFraming)
	}

	payload, err := readField(r, false)
	if err != nil {
		return err
	}

	u.Name = string(name)
	u.Payload = payload
	return nil
}

type TextCodec struct{}

func (TextCodec) Validate(u Unit) error {
	if uint64(len(u.Payload)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	return nil
}

func (c TextCodec) Marshal(u Unit) ([]byte, error) {
	if err := c.Validate(u); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, lenPrefixSize+len(u.Payload))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(u.Payload)))
	return append(buf, u.Payload...), nil
}

func (c TextCodec) Encode(w io.Writer, u Unit) error {
	b, err := c.Marshal(u)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (TextCodec) Decode(r io.Reader, u *Unit) error {
	text, err := readField(r, true)
	if err != nil {
		return err
	}
	if !utf8.Valid(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrFraming)
	}
	u.Name = ""
	u.Payload = text
	return nil
}

// readField reads a u32 LE length and exactly that many bytes into a fresh
// buffer. The body is read incrementally so a bogus length cannot force a
// huge allocation up front.
func readField(r io.Reader, frameStart bool) ([]byte, error) {
	var hdr [lenPrefixSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && frameStart {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: length prefix cut short after %d bytes", ErrFraming, n)
		}
		return nil, err
	}

	size := binary.LittleEndian.Uint32(hdr[:])
	var body bytes.Buffer
	body.Grow(int(min(uint64(size), readChunk)))
	got, err := io.CopyN(&body, r, int64(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: declared %d bytes, read %d", ErrFraming, size, got)
		}
		return nil, err
	}
	return body.Bytes(), nil
}
