// Package templatesource provides the two stub Template Source Adapter
// constructors spec §1/§3 name: a connection to a real SV2 Template
// Distribution Protocol peer, and a Bitcoin-Core-style local IPC
// connection. Both the TP wire protocol and the IPC transport are
// explicitly external collaborators per the spec's Non-goals — neither is
// implemented here — so each constructor returns a thin adapter that
// satisfies manager.TemplateSource without a live network implementation,
// letting a role boot and exercise the rest of the Channel Manager before
// a real Template Provider integration is wired in.
package templatesource

import (
	"context"
	"fmt"

	"github.com/sv2pool/engine/internal/channel"

	"go.uber.org/zap"
)

// Stub implements manager.TemplateSource by logging every call instead of
// performing real I/O against a Template Provider.
type Stub struct {
	logger *zap.Logger
	kind   string
}

// NewSv2Tp returns a stub Template Source Adapter for a configured SV2
// Template Distribution Protocol peer at address.
func NewSv2Tp(logger *zap.Logger, address, publicKey string) *Stub {
	return &Stub{
		logger: logger.Named("templatesource").With(zap.String("kind", "sv2tp"), zap.String("address", address)),
		kind:   "sv2tp",
	}
}

// NewBitcoinCoreIPC returns a stub Template Source Adapter for a
// Bitcoin-Core-style local IPC connection.
func NewBitcoinCoreIPC(logger *zap.Logger, network, dataDir string) *Stub {
	return &Stub{
		logger: logger.Named("templatesource").With(zap.String("kind", "bitcoincoreipc"), zap.String("network", network)),
		kind:   "bitcoincoreipc",
	}
}

// RequestTransactionData implements manager.TemplateSource.
func (s *Stub) RequestTransactionData(ctx context.Context, id channel.TemplateId) error {
	s.logger.Debug("RequestTransactionData (stub, no Template Provider connected)")
	return fmt.Errorf("templatesource: %s adapter has no live Template Provider connection", s.kind)
}

// SubmitSolution implements manager.TemplateSource.
func (s *Stub) SubmitSolution(ctx context.Context, sol interface{}) error {
	s.logger.Debug("SubmitSolution (stub, no Template Provider connected)")
	return fmt.Errorf("templatesource: %s adapter has no live Template Provider connection", s.kind)
}

// SetCoinbaseOutputConstraints implements manager.TemplateSource.
func (s *Stub) SetCoinbaseOutputConstraints(ctx context.Context, maxAdditionalSize uint32, maxSigops uint16) error {
	s.logger.Debug("SetCoinbaseOutputConstraints (stub, no Template Provider connected)")
	return nil
}
