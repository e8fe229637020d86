package templatesource

import (
	"context"
	"testing"

	"github.com/sv2pool/engine/internal/channel"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSv2TpStubReturnsErrorWithoutLiveConnection(t *testing.T) {
	s := NewSv2Tp(zap.NewNop(), "127.0.0.1:8442", "")
	err := s.RequestTransactionData(context.Background(), channel.TemplateId(1))
	require.Error(t, err)
}

func TestBitcoinCoreIPCStubSetCoinbaseConstraintsIsNoop(t *testing.T) {
	s := NewBitcoinCoreIPC(zap.NewNop(), "mainnet", "/data")
	err := s.SetCoinbaseOutputConstraints(context.Background(), 100, 1)
	require.NoError(t, err)
}
