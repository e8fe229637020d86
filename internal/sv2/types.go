// Package sv2 defines the Stratum V2 wire message types the Channel
// Manager operates on. Message type numbers follow the extension-range
// partitioning used throughout the protocol family: 0x00 Common, 0x10
// Channel, 0x20 Job (SetTarget and SetGroupChannel included), 0x30 Share,
// 0x50 Connection Control, 0x70 Template Distribution, 0x57 Job Declaration.
package sv2

// MsgType identifies the payload carried by a Frame.
type MsgType uint8

// Common messages.
const (
	MsgSetupConnection        MsgType = 0x00
	MsgSetupConnectionSuccess MsgType = 0x01
	MsgSetupConnectionError   MsgType = 0x02
	MsgChannelEndpointChanged MsgType = 0x03
)

// Mining channel and job messages.
const (
	MsgOpenStandardMiningChannel        MsgType = 0x10
	MsgOpenStandardMiningChannelSuccess MsgType = 0x11
	MsgOpenMiningChannelError           MsgType = 0x12
	MsgUpdateChannel                    MsgType = 0x13
	MsgUpdateChannelError               MsgType = 0x14
	MsgCloseChannel                     MsgType = 0x18
	MsgSetExtranoncePrefix              MsgType = 0x19
	MsgOpenExtendedMiningChannel        MsgType = 0x1a
	MsgOpenExtendedMiningChannelSuccess MsgType = 0x1b

	MsgNewMiningJob         MsgType = 0x20
	MsgNewExtendedMiningJob MsgType = 0x21
	MsgSetNewPrevHash       MsgType = 0x22
	MsgSetCustomMiningJob        MsgType = 0x23
	MsgSetCustomMiningJobSuccess MsgType = 0x24
	MsgSetCustomMiningJobError   MsgType = 0x25
	MsgSetTarget                 MsgType = 0x26
	MsgSetGroupChannel           MsgType = 0x27

	MsgSubmitSharesStandard MsgType = 0x30
	MsgSubmitSharesExtended MsgType = 0x31
	MsgSubmitSharesSuccess  MsgType = 0x32
	MsgSubmitSharesError    MsgType = 0x33

	MsgReconnect MsgType = 0x50
)

// Template Distribution messages (between the engine and a Template Provider).
const (
	MsgNewTemplate                 MsgType = 0x71
	MsgSetNewPrevHashTpl           MsgType = 0x72
	MsgRequestTransactionData      MsgType = 0x73
	MsgRequestTransactionDataSucc  MsgType = 0x74
	MsgRequestTransactionDataError MsgType = 0x75
	MsgSubmitSolution              MsgType = 0x76
	MsgCoinbaseOutputConstraints   MsgType = 0x70
)

// Job Declaration messages (JDC <-> JDS).
const (
	MsgAllocateMiningJobToken        MsgType = 0x57
	MsgAllocateMiningJobTokenSuccess MsgType = 0x58
	MsgDeclareMiningJob              MsgType = 0x59
	MsgDeclareMiningJobSuccess       MsgType = 0x5a
	MsgDeclareMiningJobError         MsgType = 0x5b
	MsgIdentifyTransactions          MsgType = 0x5c
	MsgIdentifyTransactionsSuccess   MsgType = 0x5d
	MsgProvideMissingTransactions       MsgType = 0x5e
	MsgProvideMissingTransactionsSucc   MsgType = 0x5f
	MsgPushSolution                  MsgType = 0x60
)

// Protocol identifies which SV2 sub-protocol a SetupConnection opens.
const (
	ProtocolMining               uint8 = 0
	ProtocolJobDeclaration       uint8 = 1
	ProtocolTemplateDistribution uint8 = 2
)

// SetupConnectionError codes with wire-level meaning; a server may also
// send a free-form reason, which clients treat as a fallback trigger.
const (
	ErrCodeUnsupportedProtocol     = "unsupported-protocol"
	ErrCodeUnsupportedFeatureFlags = "unsupported-feature-flags"
	ErrCodeProtocolVersionMismatch = "protocol-version-mismatch"
)

// SetupConnectionFlags, carried in SetupConnection, advertise protocol
// behavior the downstream requires.
type SetupConnectionFlags uint32

const (
	FlagRequiresStandardJobs SetupConnectionFlags = 1 << 0
	FlagRequiresWorkSelection SetupConnectionFlags = 1 << 1
	FlagRequiresVersionRolling SetupConnectionFlags = 1 << 2
)

// SetupConnection is the first message on every connection.
type SetupConnection struct {
	Protocol     uint8
	MinVersion   uint16
	MaxVersion   uint16
	Flags        SetupConnectionFlags
	Endpoint     string
	VendorInfo   string
}

// SetupConnectionSuccess acknowledges a SetupConnection.
type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       SetupConnectionFlags
}

// SetupConnectionError rejects a SetupConnection.
type SetupConnectionError struct {
	Flags  SetupConnectionFlags
	Reason string
}

// OpenStandardMiningChannel requests a new standard channel.
type OpenStandardMiningChannel struct {
	RequestId       uint32
	UserIdentity    string
	NominalHashrate float32
	MaxTarget       [32]byte
}

// OpenStandardMiningChannelSuccess grants a standard channel.
type OpenStandardMiningChannelSuccess struct {
	RequestId          uint32
	ChannelId          uint32
	Target             [32]byte
	ExtranoncePrefix   []byte
	GroupChannelId     uint32
}

// OpenExtendedMiningChannel requests a new extended channel.
type OpenExtendedMiningChannel struct {
	RequestId       uint32
	UserIdentity    string
	NominalHashrate float32
	MaxTarget       [32]byte
	MinExtranonceSize uint16
}

// OpenExtendedMiningChannelSuccess grants an extended channel.
type OpenExtendedMiningChannelSuccess struct {
	RequestId        uint32
	ChannelId        uint32
	Target           [32]byte
	ExtranoncePrefix []byte
	ExtranonceSize   uint16
	GroupChannelId   uint32
}

// OpenMiningChannelError rejects an open-channel request.
type OpenMiningChannelError struct {
	RequestId uint32
	Reason    string
}

// UpdateChannel informs the manager of a downstream's changed nominal
// hashrate or maximum target.
type UpdateChannel struct {
	ChannelId       uint32
	NominalHashrate float32
	MaxTarget       [32]byte
}

// UpdateChannelError rejects an UpdateChannel request.
type UpdateChannelError struct {
	ChannelId uint32
	Reason    string
}

// SetExtranoncePrefix changes a channel's extranonce prefix mid-session;
// shares submitted after it must be built against the new prefix.
type SetExtranoncePrefix struct {
	ChannelId        uint32
	ExtranoncePrefix []byte
}

// SetTarget pushes a new target to a channel.
type SetTarget struct {
	ChannelId uint32
	MaxTarget [32]byte
}

// SetGroupChannel assigns a standard channel to a group for broadcast
// addressing.
type SetGroupChannel struct {
	GroupChannelId uint32
	ChannelIds     []uint32
}

// CloseChannel tears a channel down.
type CloseChannel struct {
	ChannelId uint32
	Reason    string
}

// NewMiningJob is sent to a standard channel.
type NewMiningJob struct {
	ChannelId      uint32
	JobId          uint32
	MinNTime       *uint32
	Version        uint32
	MerklePath     [][]byte
}

// NewExtendedMiningJob is sent to an extended channel or a group channel.
type NewExtendedMiningJob struct {
	ChannelId         uint32
	JobId             uint32
	MinNTime          *uint32
	Version           uint32
	CoinbaseTxPrefix  []byte
	CoinbaseTxSuffix  []byte
	MerklePath        [][]byte
}

// SetNewPrevHash (mining) activates a future job or carries prev-hash for
// an already-sent job.
type SetNewPrevHash struct {
	ChannelId  uint32
	JobId      uint32
	PrevHash   [32]byte
	MinNTime   uint32
	NBits      uint32
}

// SetCustomMiningJob is sent by a JDC to its upstream channel carrying a
// declared job in full.
type SetCustomMiningJob struct {
	ChannelId        uint32
	RequestId        uint32
	Token            []byte
	Version          uint32
	PrevHash         [32]byte
	MinNTime         uint32
	NBits            uint32
	CoinbaseTxPrefix []byte
	CoinbaseTxSuffix []byte
	MerklePath       [][]byte
}

// SetCustomMiningJobSuccess confirms a custom job with an assigned job id.
type SetCustomMiningJobSuccess struct {
	ChannelId uint32
	RequestId uint32
	JobId     uint32
}

// SetCustomMiningJobError rejects a custom job.
type SetCustomMiningJobError struct {
	ChannelId uint32
	RequestId uint32
	Reason    string
}

// SubmitSharesStandard is a share submission on a standard channel.
type SubmitSharesStandard struct {
	ChannelId  uint32
	SequenceNo uint32
	JobId      uint32
	Nonce      uint32
	NTime      uint32
	Version    uint32
}

// SubmitSharesExtended is a share submission on an extended channel,
// additionally carrying the submitter's extranonce2 and, when resubmitted
// upstream in non-aggregated mode with worker-identity TLVs enabled, the
// original worker's identity.
type SubmitSharesExtended struct {
	SubmitSharesStandard
	Extranonce2  []byte
	UserIdentity string `json:",omitempty"`
}

// SubmitSharesSuccess batch-acknowledges shares up to LastSequenceNo.
type SubmitSharesSuccess struct {
	ChannelId             uint32
	LastSequenceNo        uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum          uint64
}

// SubmitSharesError rejects one share submission.
type SubmitSharesError struct {
	ChannelId  uint32
	SequenceNo uint32
	Reason     string
}

// Template Distribution types.

// NewTemplate carries a freshly built block template from the provider.
type NewTemplate struct {
	TemplateId           uint64
	FutureTemplate        bool
	Version               uint32
	CoinbaseTxVersion     uint32
	CoinbasePrefix        []byte
	CoinbaseTxInputSequence uint32
	CoinbaseTxValueRemaining uint64
	CoinbaseTxOutputs     []byte
	CoinbaseTxLocktime    uint32
	MerklePath            [][]byte
}

// SetNewPrevHashTemplate binds a previously sent future template to a
// concrete chain tip.
type SetNewPrevHashTemplate struct {
	TemplateId uint64
	PrevHash   [32]byte
	Header     uint32 // header timestamp (min ntime)
	NBits      uint32
	Target     [32]byte
}

// RequestTransactionData asks the provider for the full tx set of a
// template, used before SubmitSolution.
type RequestTransactionData struct {
	TemplateId uint64
}

// RequestTransactionDataSuccess carries the transaction list.
type RequestTransactionDataSuccess struct {
	TemplateId   uint64
	Transactions [][]byte
}

// RequestTransactionDataError reports the template is no longer valid.
type RequestTransactionDataError struct {
	TemplateId uint64
	Reason     string
}

// SubmitSolution delivers a found block solution back to the provider.
type SubmitSolution struct {
	TemplateId  uint64
	Version     uint32
	NTime       uint32
	Nonce       uint32
	CoinbaseTx  []byte
}

// CoinbaseOutputConstraints tells the provider how much coinbase output
// space the engine needs reserved (e.g. for JDC custom outputs).
type CoinbaseOutputConstraints struct {
	MaxAdditionalSize uint32
	MaxSigopsCount    uint16
}

// Job Declaration types.

// AllocateMiningJobToken requests a fresh mining job token from a JDS.
type AllocateMiningJobToken struct {
	UserIdentity string
	RequestId    uint32
}

// AllocateMiningJobTokenSuccess grants a token.
type AllocateMiningJobTokenSuccess struct {
	RequestId          uint32
	Token              []byte
	CoinbaseOutputMaxAdditionalSize uint32
}

// DeclareMiningJob declares a custom job built from a full template.
type DeclareMiningJob struct {
	RequestId        uint32
	Token            []byte
	MiningJobToken   []byte
	Version          uint32
	CoinbasePrefix   []byte
	CoinbaseSuffix   []byte
	TxIdsList        [][32]byte
}

// DeclareMiningJobSuccess confirms a declared job.
type DeclareMiningJobSuccess struct {
	RequestId      uint32
	NewMiningJobToken []byte
}

// DeclareMiningJobError rejects a declared job.
type DeclareMiningJobError struct {
	RequestId uint32
	Reason    string
}

// IdentifyTransactions asks the JDC to identify transactions by short id.
type IdentifyTransactions struct {
	RequestId uint32
}

// IdentifyTransactionsSuccess answers with full txids.
type IdentifyTransactionsSuccess struct {
	RequestId uint32
	TxDataHashes [][32]byte
}

// ProvideMissingTransactions requests full tx data for unresolved short ids.
type ProvideMissingTransactions struct {
	RequestId           uint32
	UnknownTxPositions   []uint16
}

// ProvideMissingTransactionsSuccess supplies the missing transactions.
type ProvideMissingTransactionsSuccess struct {
	RequestId    uint32
	Transactions [][]byte
}

// PushSolution forwards a found solution from a JDC straight to the JDS
// (bypassing the Pool) when operating in solo-mining mode.
type PushSolution struct {
	ExtranonceSize uint16
	Extranonce     []byte
	NTime          uint32
	Nonce          uint32
	Version        uint32
}
