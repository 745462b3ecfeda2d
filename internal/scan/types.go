// Package scan implements the scan orchestrator: request validation, scan
// launch, per-response aggregation, RF state write-back, CBF config
// generation and nulling-beam selection, the LA/TPC max-MCS trigger, the
// time-skew watchdog, and continuous topology scanning. It is the largest
// and most central subsystem of the control plane (spec.md §2, 35% share).
package scan

import (
	"time"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/slotmap"
)

// Type is the scan type.
type Type int

const (
	TypePBF Type = iota
	TypeIM
	TypeRTCAL
	TypeCBFTx
	TypeCBFRx
	TypeTOPO
	TypeTestUpdAwv
)

// Mode is the scan mode.
type Mode int

const (
	ModeCoarse Mode = iota
	ModeFine
	ModeSelective
	ModeRelative
	ModeAutoPBF
)

// Polarity is a radio's TDD polarity.
type Polarity int

const (
	PolarityNone Polarity = iota
	PolarityOdd
	PolarityEven
	PolarityHybrid
)

// RespStatus is the status field of a ScanResp.
type RespStatus int

const (
	StatusComplete RespStatus = iota
	StatusInvalidType
	StatusInvalidStartTsf
	StatusAwvInProg
	StatusReqBufferFull
	StatusLinkShutDown
	StatusExpiredTsf
	StatusUnknown
)

// BeamRange is a {low, high} beam index window.
type BeamRange struct {
	Low, High uint16
}

// Request is a StartScan request, per spec.md §6.
type Request struct {
	Type         Type
	Mode         Mode
	SubType      string
	StartTime    int64 // unix seconds
	TxNode       *radio.Mac
	RxNodes      []radio.Mac
	Beams        []BeamRange
	BwgdLen      *uint32
	Apply        bool
	MainTxNode   *radio.Mac
	MainRxNode   *radio.Mac
	AuxTxNodes   []radio.Mac
	AuxRxNodes   []radio.Mac
	TxPwrIndex   *int32
	AuxTxPwrIndex []int32
	NullAngle    *float64
	CbfBeamIdx   *int32
	ApplyBwgdIdx *uint64
	SetConfig    bool
	IsHybridLink bool

	// Polarity is an injected lookup for node polarity, used by TOPO
	// validation to reject a hybrid tx node (RTCAL rejection reads
	// IsHybridLink instead); it is populated by the caller from the
	// topology view.
	Polarity map[radio.Mac]Polarity
}

// RouteInfo is one routeInfoList entry of a ScanResp.
type RouteInfo struct {
	TxBeam, RxBeam uint16
	SnrEst         float64
	PacketIdx      int
	SweepIdx       int
}

// BeamInfo is one beamInfoList entry (relative-IM responses).
type BeamInfo struct {
	Addr radio.Mac
	Beam uint16
}

// TopoInfo carries topology-scan discovery results.
type TopoInfo struct {
	Responders []radio.Mac
}

// Resp is a ScanResp, per spec.md §3/§6.
type Resp struct {
	Token            uint64
	CurSuperframeNum uint64
	AzimuthBeam      *uint16
	OldBeam, NewBeam *uint16
	TxPwrIndex       *int32
	Status           RespStatus
	RouteInfoList    []RouteInfo
	BeamInfoList     []BeamInfo
	TopoInfo         *TopoInfo
}

// Scan is the orchestrator's in-memory record for one launched scan.
type Scan struct {
	Token        uint64
	GroupID      string
	BatchID      string // external-facing uuid correlation id
	Type         Type
	Mode         Mode
	SubType      string
	TxNode       *radio.Mac
	RxNodes      []radio.Mac
	StartBwgd    uint64
	ApplyBwgd    *uint64
	Apply        bool
	BwgdLen      uint32
	Beams        []BeamRange
	Responses    map[radio.Mac]Resp
	Waiting      map[radio.Mac]struct{}
	RespID       uint64
	HasRespID    bool
	CreatedAt    time.Time
	Deadline     time.Time
	Finalized    bool
	TimedOut     bool
}

// purposeFor computes the purpose used to consult the slot scheduler for a
// given scan type, doubling the reserved length for hybrid links per
// spec.md §4.F.3 step 1.
func purposeFor(t Type, isHybrid bool) slotmap.Purpose {
	switch t {
	case TypePBF:
		if isHybrid {
			return slotmap.PurposeHybridPBF
		}
		return slotmap.PurposePBF
	case TypeIM:
		return slotmap.PurposeIM
	case TypeRTCAL:
		return slotmap.PurposeRTCAL
	case TypeCBFTx, TypeCBFRx:
		return slotmap.PurposeNulling
	default:
		return slotmap.PurposeIM
	}
}

// scanDurationBwgd implements spec.md §4.F.3's scanDurationBwgd table.
func scanDurationBwgd(mode Mode, bwgdLen uint32) uint32 {
	switch mode {
	case ModeCoarse:
		return 28
	case ModeFine:
		return 76
	case ModeSelective, ModeRelative:
		return bwgdLen + 12
	default:
		return 28
	}
}
