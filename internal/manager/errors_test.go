package manager

import (
	"errors"
	"testing"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/stretchr/testify/require"
)

func TestErrorKindString(t *testing.T) {
	require.Equal(t, "log_only", KindLogOnly.String())
	require.Equal(t, "disconnect_one", KindDisconnectOne.String())
	require.Equal(t, "fallback", KindFallback.String())
	require.Equal(t, "shutdown", KindShutdown.String())
	require.Equal(t, "unknown", ErrorKind(99).String())
}

func TestHandlerErrorConstructors(t *testing.T) {
	cause := errors.New("boom")

	he := LogOnly(cause)
	require.Equal(t, KindLogOnly, he.Kind)
	require.Equal(t, cause, he.Unwrap())

	de := DisconnectOne(channel.DownstreamId(9), cause)
	require.Equal(t, KindDisconnectOne, de.Kind)
	require.Equal(t, channel.DownstreamId(9), de.DownstreamId)

	fe := Fallback(cause)
	require.Equal(t, KindFallback, fe.Kind)

	se := Shutdown(cause)
	require.Equal(t, KindShutdown, se.Kind)
}

func TestHandlerErrorMessageFormatting(t *testing.T) {
	he := LogOnly(nil)
	require.Equal(t, "log_only", he.Error())

	he2 := LogOnly(errors.New("bad field"))
	require.Equal(t, "log_only: bad field", he2.Error())
}

func TestHandlerErrorUnwrapSupportsErrorsIs(t *testing.T) {
	sentinel := errors.New("sentinel")
	he := Fallback(sentinel)
	require.True(t, errors.Is(he, sentinel))
}
