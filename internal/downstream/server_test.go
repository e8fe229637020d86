package downstream

import (
	"context"
	"errors"
	"testing"

	"github.com/sv2pool/engine/internal/channel"
	"github.com/sv2pool/engine/internal/jobfactory"
	"github.com/sv2pool/engine/internal/manager"
	"github.com/sv2pool/engine/internal/sv2"
	"github.com/sv2pool/engine/internal/upstream"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	toRead  []sv2.Frame
	written []sv2.MsgType
	closed  bool
}

func (c *fakeConn) ReadFrame() (sv2.Frame, error) {
	if len(c.toRead) == 0 {
		return sv2.Frame{}, errors.New("fakeConn: no more frames")
	}
	f := c.toRead[0]
	c.toRead = c.toRead[1:]
	return f, nil
}

func (c *fakeConn) WriteFrame(msgType sv2.MsgType, extensionType uint16, payload []byte) error {
	c.written = append(c.written, msgType)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testManager(t *testing.T) *manager.Manager {
	t.Helper()
	mgr, err := manager.New(manager.Config{
		Role:           manager.RolePool,
		Logger:         zap.NewNop(),
		Geometry:       channel.ExtranonceGeometry{Range1Len: 4, Range2Len: 4},
		ShareBatchSize: 1,
		JobFactory:     jobfactory.New(""),
	})
	require.NoError(t, err)
	return mgr
}

func setupFrame(t *testing.T, sc *sv2.SetupConnection) sv2.Frame {
	t.Helper()
	msgType, data, err := upstream.Encode(sc)
	require.NoError(t, err)
	return sv2.Frame{
		Header:  sv2.FrameHeader{MsgType: msgType, MsgLength: uint32(len(data))},
		Payload: data,
	}
}

func miningSetup() *sv2.SetupConnection {
	return &sv2.SetupConnection{Protocol: sv2.ProtocolMining, MinVersion: 2, MaxVersion: 2}
}

func TestServerHandshakeSucceedsOnSetupConnection(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	conn := &fakeConn{toRead: []sv2.Frame{setupFrame(t, miningSetup())}}
	err := s.handshake(conn, channel.DownstreamId(1))
	require.NoError(t, err)
	require.Equal(t, []sv2.MsgType{sv2.MsgSetupConnectionSuccess}, conn.written)
}

func TestServerHandshakeRejectsWrongFirstMessage(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	conn := &fakeConn{toRead: []sv2.Frame{{Header: sv2.FrameHeader{MsgType: sv2.MsgSetTarget}}}}
	err := s.handshake(conn, channel.DownstreamId(1))
	require.Error(t, err)
	require.Empty(t, conn.written, "a wrong first message gets no reply, just a drop")
}

func TestServerHandshakeRejectsNonMiningProtocol(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	sc := miningSetup()
	sc.Protocol = sv2.ProtocolTemplateDistribution
	conn := &fakeConn{toRead: []sv2.Frame{setupFrame(t, sc)}}

	err := s.handshake(conn, channel.DownstreamId(1))
	require.Error(t, err)
	require.Equal(t, []sv2.MsgType{sv2.MsgSetupConnectionError}, conn.written)
}

func TestServerHandshakeRejectsWorkSelectionUnlessAllowed(t *testing.T) {
	sc := miningSetup()
	sc.Flags = sv2.FlagRequiresWorkSelection

	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	conn := &fakeConn{toRead: []sv2.Frame{setupFrame(t, sc)}}
	err := s.handshake(conn, channel.DownstreamId(1))
	require.Error(t, err)
	require.Equal(t, []sv2.MsgType{sv2.MsgSetupConnectionError}, conn.written)

	pool := New(Config{Host: "127.0.0.1", Port: 0, AllowWorkSelection: true}, zap.NewNop(), testManager(t))
	conn = &fakeConn{toRead: []sv2.Frame{setupFrame(t, sc)}}
	err = pool.handshake(conn, channel.DownstreamId(1))
	require.NoError(t, err)
	require.Equal(t, []sv2.MsgType{sv2.MsgSetupConnectionSuccess}, conn.written)
}

func TestServerHandshakeRejectsVersionMismatch(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	sc := miningSetup()
	sc.MinVersion, sc.MaxVersion = 3, 4
	conn := &fakeConn{toRead: []sv2.Frame{setupFrame(t, sc)}}

	err := s.handshake(conn, channel.DownstreamId(1))
	require.Error(t, err)
	require.Equal(t, []sv2.MsgType{sv2.MsgSetupConnectionError}, conn.written)
}

func TestServerSendToUnknownConnectionErrors(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	err := s.SendTo(context.Background(), channel.DownstreamId(42), "payload")
	require.Error(t, err)
}

func TestServerSendToGroupErrorsWhenGroupHasNoOwner(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	err := s.SendToGroup(context.Background(), channel.ChannelId(7), "payload")
	require.Error(t, err)
}

func TestServerConnectionCountStartsAtZero(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	require.Equal(t, int64(0), s.ConnectionCount())
}

func TestServerDisconnectOnUnknownIdIsNoop(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testManager(t))
	require.NotPanics(t, func() {
		s.Disconnect(channel.DownstreamId(1), "test")
	})
}
