package sv2

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrips(t *testing.T) {
	h := FrameHeader{ExtensionType: 0x1234, MsgType: MsgSetupConnection, MsgLength: 42}
	var buf bytes.Buffer
	require.NoError(t, EncodeHeader(&buf, h))

	got, err := DecodeHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestEncodeHeaderRejectsOversizedLength(t *testing.T) {
	h := FrameHeader{MsgLength: MaxFrameLength + 1}
	var buf bytes.Buffer
	require.Error(t, EncodeHeader(&buf, h))
}

func TestWriteReadFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, WriteFrame(&buf, MsgSetTarget, 0, payload))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgSetTarget, frame.Header.MsgType)
	require.Equal(t, payload, frame.Payload)
}

func TestReadFrameErrorsOnShortInput(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x01, 0x02}))
	require.Error(t, err)
}

type pipeCloser struct {
	io.ReadWriter
	closed bool
}

func (p *pipeCloser) Close() error {
	p.closed = true
	return nil
}

func TestStreamConnWriteReadAndClose(t *testing.T) {
	var buf bytes.Buffer
	closer := &pipeCloser{ReadWriter: &buf}
	conn := NewStreamConn(&buf, closer)

	require.NoError(t, conn.WriteFrame(MsgSetupConnectionSuccess, 0, []byte("hi")))
	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, MsgSetupConnectionSuccess, frame.Header.MsgType)
	require.Equal(t, []byte("hi"), frame.Payload)

	require.NoError(t, conn.Close())
	require.True(t, closer.closed)
}

func TestEncodeDecodeSTR0_255RoundTrips(t *testing.T) {
	encoded, err := EncodeSTR0_255([]byte("sv2pool"))
	require.NoError(t, err)

	decoded, n, err := DecodeSTR0_255(encoded)
	require.NoError(t, err)
	require.Equal(t, "sv2pool", decoded)
	require.Equal(t, len(encoded), n)
}

func TestEncodeSTR0_255RejectsTooLong(t *testing.T) {
	_, err := EncodeSTR0_255(make([]byte, 256))
	require.Error(t, err)
}

func TestDecodeSTR0_255RejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeSTR0_255(nil)
	require.Error(t, err)

	_, _, err = DecodeSTR0_255([]byte{5, 0x01})
	require.Error(t, err)
}
