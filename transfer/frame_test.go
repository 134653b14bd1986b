package transfer

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCodecRoundTrip(t *testing.T) {
	codec := FileCodec{}
	in := NewUnit("a.txt", []byte{1, 2, 3})

	frame, err := codec.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		5, 0, 0, 0, 'a', '.', 't', 'x', 't',
		3, 0, 0, 0, 1, 2, 3,
	}, frame)

	var out Unit
	require.NoError(t, codec.Decode(bytes.NewReader(frame), &out))
	assert.Equal(t, in, out)
}

func TestFileCodecLengths(t *testing.T) {
	codec := FileCodec{}
	cases := []struct {
		nameLen, payloadLen int
	}{
		{1, 0},
		{1, 1},
		{255, 256},
		{256, 65535},
		{4096, 70000},
		{3, 1 << 20},
	}

	for _, tc := range cases {
		payload := bytes.Repeat([]byte{0xAB}, tc.payloadLen)
		in := NewUnit(strings.Repeat("n", tc.nameLen), payload)

		buf := new(bytes.Buffer)
		require.NoError(t, codec.Encode(buf, in))
		assert.Equal(t, 8+tc.nameLen+tc.payloadLen, buf.Len())

		var out Unit
		require.NoError(t, codec.Decode(buf, &out))
		assert.Equal(t, in.Name, out.Name)
		assert.True(t, bytes.Equal(in.Payload, out.Payload), "payload mismatch for %d/%d", tc.nameLen, tc.payloadLen)
		assert.Zero(t, buf.Len(), "decoder must consume exactly one frame")
	}
}

func TestFileCodecSequentialFrames(t *testing.T) {
	codec := FileCodec{}
	buf := new(bytes.Buffer)
	units := []Unit{
		NewUnit("one", []byte("1")),
		NewUnit("two", nil),
		NewUnit("三.txt", []byte("three")),
	}
	for _, u := range units {
		require.NoError(t, codec.Encode(buf, u))
	}

	for _, want := range units {
		var got Unit
		require.NoError(t, codec.Decode(buf, &got))
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, string(want.Payload), string(got.Payload))
	}

	var u Unit
	assert.ErrorIs(t, codec.Decode(buf, &u), io.EOF)
}

func TestDecodeTruncatedBody(t *testing.T) {
	// name length says 10, only 4 bytes follow
	frame := []byte{10, 0, 0, 0, 'a', 'b', 'c', 'd'}
	var u Unit
	err := FileCodec{}.Decode(bytes.NewReader(frame), &u)
	require.ErrorIs(t, err, ErrFraming)
	assert.Empty(t, u.Name, "no partial unit may leak out")
}

func TestDecodeTruncatedPayload(t *testing.T) {
	frame, err := FileCodec{}.Marshal(NewUnit("f", []byte("0123456789")))
	require.NoError(t, err)

	for _, cut := range []int{5, 6, 7, 9, len(frame) - 1} {
		var u Unit
		err := FileCodec{}.Decode(bytes.NewReader(frame[:cut]), &u)
		assert.ErrorIs(t, err, ErrFraming, "cut at %d", cut)
	}
}

func TestDecodeShortPrefix(t *testing.T) {
	var u Unit
	assert.ErrorIs(t, FileCodec{}.Decode(bytes.NewReader([]byte{1, 0}), &u), ErrFraming)
	assert.ErrorIs(t, FileCodec{}.Decode(bytes.NewReader(nil), &u), io.EOF)
}

func TestDecodeRejectsBadNames(t *testing.T) {
	var u Unit
	empty := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	assert.ErrorIs(t, FileCodec{}.Decode(bytes.NewReader(empty), &u), ErrFraming)

	invalid := []byte{2, 0, 0, 0, 0xff, 0xfe, 0, 0, 0, 0}
	assert.ErrorIs(t, FileCodec{}.Decode(bytes.NewReader(invalid), &u), ErrFraming)
}

func TestFileCodecValidate(t *testing.T) {
	_, err := FileCodec{}.Marshal(NewUnit("", []byte("x")))
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestTextCodecRoundTrip(t *testing.T) {
	codec := TextCodec{}
	frame, err := codec.Marshal(TextUnit("こんにちは"))
	require.NoError(t, err)
	assert.Equal(t, byte(15), frame[0])
	assert.Len(t, frame, 4+15)

	var out Unit
	require.NoError(t, codec.Decode(bytes.NewReader(frame), &out))
	assert.Equal(t, "こんにちは", out.Text())
	assert.Empty(t, out.Name)
}

func TestTextCodecTruncated(t *testing.T) {
	var u Unit
	err := TextCodec{}.Decode(bytes.NewReader([]byte{10, 0, 0, 0, 'h', 'i'}), &u)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestParseFrameKind(t *testing.T) {
	k, err := ParseFrameKind("TEXT")
	require.NoError(t, err)
	assert.Equal(t, FrameText, k)

	k, err = ParseFrameKind("")
	require.NoError(t, err)
	assert.Equal(t, FrameFile, k)

	_, err = ParseFrameKind("voice")
	assert.Error(t, err)
}
