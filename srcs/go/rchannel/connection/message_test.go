package connection

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func Test_connectionHeader(t *testing.T) {
	ch := connectionHeader{
		Version: Version,
		Type:    uint16(ConnGather),
		Index:   7,
		Token:   0x7f080808,
	}
	b := &bytes.Buffer{}
	require.NoError(t, ch.WriteTo(b))
	assert.Equal(t, 12, b.Len())
	var ch2 connectionHeader
	require.NoError(t, ch2.ReadFrom(b))
	assert.Equal(t, ch, ch2)
}

func Test_Envelope(t *testing.T) {
	b := &bytes.Buffer{}
	e := Envelope{Kind: KindSerial, Serial: 42, Index: 3, Payload: []byte("123456")}
	require.NoError(t, e.WriteTo(b))

	var e2 Envelope
	require.NoError(t, e2.ReadFrom(b))
	assert.Equal(t, e, e2)
	assert.Equal(t, 0, b.Len())
}

func Test_Envelope_markers(t *testing.T) {
	for _, k := range []Kind{KindException, KindConnected} {
		var e Envelope
		require.NoError(t, e.Unmarshal(Envelope{Kind: k, Index: 1}.Marshal()))
		assert.Equal(t, k, e.Kind)
		assert.Equal(t, 1, e.Index)
		assert.Nil(t, e.Payload)
	}
}

func Test_Envelope_empty_payload(t *testing.T) {
	var e Envelope
	require.NoError(t, e.Unmarshal(Envelope{Kind: KindSerial}.Marshal()))
	assert.NotNil(t, e.Payload)
	assert.Len(t, e.Payload, 0)
}

func Test_Envelope_version_mismatch(t *testing.T) {
	var b []byte
	b = appendVarintField(b, fieldVersion, Version+1)
	b = appendVarintField(b, fieldKind, uint64(KindSerial))
	var e Envelope
	err := e.Unmarshal(b)
	assert.True(t, errors.Is(err, ErrVersionMismatch))
}

func Test_Envelope_unknown_kind(t *testing.T) {
	b := Envelope{Kind: Kind(9)}.Marshal()
	var e Envelope
	assert.Error(t, e.Unmarshal(b))
}

func Test_Envelope_skips_unknown_fields(t *testing.T) {
	b := Envelope{Kind: KindSerial, Serial: 1, Payload: []byte("x")}.Marshal()
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("from the future"))
	var e Envelope
	require.NoError(t, e.Unmarshal(b))
	assert.Equal(t, []byte("x"), e.Payload)
}

func Test_long_Envelope(t *testing.T) {
	payload := bytes.Repeat([]byte(`01234567`), 2<<20)
	b := &bytes.Buffer{}
	require.NoError(t, Envelope{Kind: KindSerial, Payload: payload}.WriteTo(b))
	var e Envelope
	require.NoError(t, e.ReadFrom(b))
	assert.Equal(t, len(payload), len(e.Payload))
}

func Test_truncated_frame(t *testing.T) {
	b := &bytes.Buffer{}
	require.NoError(t, Envelope{Kind: KindSerial, Payload: []byte("abcdef")}.WriteTo(b))
	truncated := bytes.NewReader(b.Bytes()[:b.Len()-2])
	var e Envelope
	assert.Equal(t, io.ErrUnexpectedEOF, e.ReadFrom(truncated))

	var empty Envelope
	assert.Equal(t, io.EOF, empty.ReadFrom(&bytes.Buffer{}))
}

func Test_List(t *testing.T) {
	items := [][]byte{[]byte("w0"), {}, []byte("w2")}
	got, err := DecodeList(EncodeList(items))
	require.NoError(t, err)
	assert.Equal(t, items, got)

	got, err = DecodeList(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
