package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/sv2pool/engine/internal/sv2"
)

// Encode and Decode turn a typed SV2 message into/from frame bytes. The
// bit-level encoding Frame Transport (component A) will eventually use is
// a collaborator outside this engine's scope; this codec gives the
// manager's dispatch loop concrete Go types to operate on today by
// serializing them as JSON payloads tagged with the same MsgType the real
// wire codec would use, so swapping in a bit-exact encoder later only
// touches this file.
func Encode(payload interface{}) (sv2.MsgType, []byte, error) {
	msgType, ok := msgTypeOf(payload)
	if !ok {
		return 0, nil, fmt.Errorf("upstream: no MsgType registered for %T", payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: encode %T: %w", payload, err)
	}
	return msgType, data, nil
}

// Decode turns a received Frame into the typed message its MsgType implies.
func Decode(frame sv2.Frame) (interface{}, error) {
	payload, ok := newPayload(frame.Header.MsgType)
	if !ok {
		return nil, fmt.Errorf("upstream: unknown message type 0x%02x", frame.Header.MsgType)
	}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			return nil, fmt.Errorf("upstream: decode 0x%02x: %w", frame.Header.MsgType, err)
		}
	}
	return payload, nil
}

func msgTypeOf(payload interface{}) (sv2.MsgType, bool) {
	switch payload.(type) {
	case *sv2.SetupConnection:
		return sv2.MsgSetupConnection, true
	case *sv2.SetupConnectionSuccess:
		return sv2.MsgSetupConnectionSuccess, true
	case *sv2.SetupConnectionError:
		return sv2.MsgSetupConnectionError, true
	case *sv2.OpenStandardMiningChannel:
		return sv2.MsgOpenStandardMiningChannel, true
	case *sv2.OpenStandardMiningChannelSuccess:
		return sv2.MsgOpenStandardMiningChannelSuccess, true
	case *sv2.OpenExtendedMiningChannel:
		return sv2.MsgOpenExtendedMiningChannel, true
	case *sv2.OpenExtendedMiningChannelSuccess:
		return sv2.MsgOpenExtendedMiningChannelSuccess, true
	case *sv2.OpenMiningChannelError:
		return sv2.MsgOpenMiningChannelError, true
	case *sv2.UpdateChannel:
		return sv2.MsgUpdateChannel, true
	case *sv2.UpdateChannelError:
		return sv2.MsgUpdateChannelError, true
	case *sv2.SetExtranoncePrefix:
		return sv2.MsgSetExtranoncePrefix, true
	case *sv2.CloseChannel:
		return sv2.MsgCloseChannel, true
	case *sv2.SetTarget:
		return sv2.MsgSetTarget, true
	case *sv2.SetGroupChannel:
		return sv2.MsgSetGroupChannel, true
	case *sv2.NewMiningJob:
		return sv2.MsgNewMiningJob, true
	case *sv2.NewExtendedMiningJob:
		return sv2.MsgNewExtendedMiningJob, true
	case *sv2.SetNewPrevHash:
		return sv2.MsgSetNewPrevHash, true
	case *sv2.SetCustomMiningJob:
		return sv2.MsgSetCustomMiningJob, true
	case *sv2.SetCustomMiningJobSuccess:
		return sv2.MsgSetCustomMiningJobSuccess, true
	case *sv2.SetCustomMiningJobError:
		return sv2.MsgSetCustomMiningJobError, true
	case *sv2.SubmitSharesStandard:
		return sv2.MsgSubmitSharesStandard, true
	case *sv2.SubmitSharesExtended:
		return sv2.MsgSubmitSharesExtended, true
	case *sv2.SubmitSharesSuccess:
		return sv2.MsgSubmitSharesSuccess, true
	case *sv2.SubmitSharesError:
		return sv2.MsgSubmitSharesError, true
	case *sv2.NewTemplate:
		return sv2.MsgNewTemplate, true
	case *sv2.SetNewPrevHashTemplate:
		return sv2.MsgSetNewPrevHashTpl, true
	case *sv2.RequestTransactionData:
		return sv2.MsgRequestTransactionData, true
	case *sv2.RequestTransactionDataSuccess:
		return sv2.MsgRequestTransactionDataSucc, true
	case *sv2.RequestTransactionDataError:
		return sv2.MsgRequestTransactionDataError, true
	case *sv2.SubmitSolution:
		return sv2.MsgSubmitSolution, true
	case *sv2.CoinbaseOutputConstraints:
		return sv2.MsgCoinbaseOutputConstraints, true
	case *sv2.AllocateMiningJobToken:
		return sv2.MsgAllocateMiningJobToken, true
	case *sv2.AllocateMiningJobTokenSuccess:
		return sv2.MsgAllocateMiningJobTokenSuccess, true
	case *sv2.DeclareMiningJob:
		return sv2.MsgDeclareMiningJob, true
	case *sv2.DeclareMiningJobSuccess:
		return sv2.MsgDeclareMiningJobSuccess, true
	case *sv2.DeclareMiningJobError:
		return sv2.MsgDeclareMiningJobError, true
	case *sv2.IdentifyTransactions:
		return sv2.MsgIdentifyTransactions, true
	case *sv2.IdentifyTransactionsSuccess:
		return sv2.MsgIdentifyTransactionsSuccess, true
	case *sv2.ProvideMissingTransactions:
		return sv2.MsgProvideMissingTransactions, true
	case *sv2.ProvideMissingTransactionsSuccess:
		return sv2.MsgProvideMissingTransactionsSucc, true
	case *sv2.PushSolution:
		return sv2.MsgPushSolution, true
	default:
		return 0, false
	}
}

func newPayload(t sv2.MsgType) (interface{}, bool) {
	switch t {
	case sv2.MsgSetupConnection:
		return &sv2.SetupConnection{}, true
	case sv2.MsgSetupConnectionSuccess:
		return &sv2.SetupConnectionSuccess{}, true
	case sv2.MsgSetupConnectionError:
		return &sv2.SetupConnectionError{}, true
	case sv2.MsgOpenStandardMiningChannel:
		return &sv2.OpenStandardMiningChannel{}, true
	case sv2.MsgOpenStandardMiningChannelSuccess:
		return &sv2.OpenStandardMiningChannelSuccess{}, true
	case sv2.MsgOpenExtendedMiningChannel:
		return &sv2.OpenExtendedMiningChannel{}, true
	case sv2.MsgOpenExtendedMiningChannelSuccess:
		return &sv2.OpenExtendedMiningChannelSuccess{}, true
	case sv2.MsgOpenMiningChannelError:
		return &sv2.OpenMiningChannelError{}, true
	case sv2.MsgUpdateChannel:
		return &sv2.UpdateChannel{}, true
	case sv2.MsgUpdateChannelError:
		return &sv2.UpdateChannelError{}, true
	case sv2.MsgSetExtranoncePrefix:
		return &sv2.SetExtranoncePrefix{}, true
	case sv2.MsgCloseChannel:
		return &sv2.CloseChannel{}, true
	case sv2.MsgSetTarget:
		return &sv2.SetTarget{}, true
	case sv2.MsgSetGroupChannel:
		return &sv2.SetGroupChannel{}, true
	case sv2.MsgNewMiningJob:
		return &sv2.NewMiningJob{}, true
	case sv2.MsgNewExtendedMiningJob:
		return &sv2.NewExtendedMiningJob{}, true
	case sv2.MsgSetNewPrevHash:
		return &sv2.SetNewPrevHash{}, true
	case sv2.MsgSetCustomMiningJob:
		return &sv2.SetCustomMiningJob{}, true
	case sv2.MsgSetCustomMiningJobSuccess:
		return &sv2.SetCustomMiningJobSuccess{}, true
	case sv2.MsgSetCustomMiningJobError:
		return &sv2.SetCustomMiningJobError{}, true
	case sv2.MsgSubmitSharesStandard:
		return &sv2.SubmitSharesStandard{}, true
	case sv2.MsgSubmitSharesExtended:
		return &sv2.SubmitSharesExtended{}, true
	case sv2.MsgSubmitSharesSuccess:
		return &sv2.SubmitSharesSuccess{}, true
	case sv2.MsgSubmitSharesError:
		return &sv2.SubmitSharesError{}, true
	case sv2.MsgNewTemplate:
		return &sv2.NewTemplate{}, true
	case sv2.MsgSetNewPrevHashTpl:
		return &sv2.SetNewPrevHashTemplate{}, true
	case sv2.MsgRequestTransactionData:
		return &sv2.RequestTransactionData{}, true
	case sv2.MsgRequestTransactionDataSucc:
		return &sv2.RequestTransactionDataSuccess{}, true
	case sv2.MsgRequestTransactionDataError:
		return &sv2.RequestTransactionDataError{}, true
	case sv2.MsgSubmitSolution:
		return &sv2.SubmitSolution{}, true
	case sv2.MsgCoinbaseOutputConstraints:
		return &sv2.CoinbaseOutputConstraints{}, true
	case sv2.MsgAllocateMiningJobToken:
		return &sv2.AllocateMiningJobToken{}, true
	case sv2.MsgAllocateMiningJobTokenSuccess:
		return &sv2.AllocateMiningJobTokenSuccess{}, true
	case sv2.MsgDeclareMiningJob:
		return &sv2.DeclareMiningJob{}, true
	case sv2.MsgDeclareMiningJobSuccess:
		return &sv2.DeclareMiningJobSuccess{}, true
	case sv2.MsgDeclareMiningJobError:
		return &sv2.DeclareMiningJobError{}, true
	case sv2.MsgIdentifyTransactions:
		return &sv2.IdentifyTransactions{}, true
	case sv2.MsgIdentifyTransactionsSuccess:
		return &sv2.IdentifyTransactionsSuccess{}, true
	case sv2.MsgProvideMissingTransactions:
		return &sv2.ProvideMissingTransactions{}, true
	case sv2.MsgProvideMissingTransactionsSucc:
		return &sv2.ProvideMissingTransactionsSuccess{}, true
	case sv2.MsgPushSolution:
		return &sv2.PushSolution{}, true
	default:
		return nil, false
	}
}
