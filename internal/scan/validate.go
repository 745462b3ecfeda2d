package scan

import (
	"fmt"

	"github.com/terragraph-mesh/tgctl/internal/tgerr"
)

const (
	minBwgdLen = 2
	maxBwgdLen = 64
	maxBeamIdx = 255
)

// Validate implements the StartScan request validation of spec.md §4.F.2,
// including Open Question (e)'s rejection of RTCAL on a hybrid-polarity
// link.
func Validate(req *Request) error {
	switch req.Type {
	case TypePBF, TypeRTCAL, TypeIM:
		if err := validatePbfImRtcal(req); err != nil {
			return err
		}
	case TypeCBFTx, TypeCBFRx:
		if err := validateCbf(req); err != nil {
			return err
		}
	case TypeTOPO:
		if err := validateTopo(req); err != nil {
			return err
		}
	case TypeTestUpdAwv:
		if req.TxNode == nil {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "test_upd_awv requires tx_node")
		}
	default:
		return tgerr.New(tgerr.KindInvalidRequest, "Validate", "unknown scan type")
	}
	return nil
}

func validatePbfImRtcal(req *Request) error {
	if (req.TxNode == nil) != (len(req.RxNodes) == 0) {
		return tgerr.New(tgerr.KindInvalidRequest, "Validate", "tx_node and rx_nodes must be jointly present or jointly absent")
	}
	if len(req.Beams) > 0 && len(req.Beams) != 1+len(req.RxNodes) {
		return tgerr.New(tgerr.KindInvalidRequest, "Validate",
			fmt.Sprintf("beams must have exactly 1+len(rx_nodes) entries, got %d want %d", len(req.Beams), 1+len(req.RxNodes)))
	}
	for _, b := range req.Beams {
		if b.Low > b.High || b.High > maxBeamIdx {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "beam range out of bounds")
		}
	}
	if req.Type == TypeRTCAL {
		if req.Mode != ModeSelective && req.Mode != ModeRelative {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "rtcal requires selective or relative mode")
		}
		if req.BwgdLen == nil {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "rtcal requires bwgd_len")
		}
		if req.IsHybridLink {
			return tgerr.New(tgerr.KindUnsatisfiable, "Validate", "rtcal is not permitted on a hybrid-polarity link")
		}
	}
	if req.BwgdLen != nil {
		l := *req.BwgdLen
		if l < minBwgdLen || l > maxBwgdLen || l&(l-1) != 0 {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "bwgd_len must be a power of two in [2, 64]")
		}
	}
	return nil
}

func validateCbf(req *Request) error {
	if req.MainTxNode == nil || req.MainRxNode == nil {
		return tgerr.New(tgerr.KindInvalidRequest, "Validate", "cbf requires main_tx_node and main_rx_node")
	}
	if len(req.AuxTxNodes) != len(req.AuxRxNodes) {
		return tgerr.New(tgerr.KindInvalidRequest, "Validate", "aux_tx_nodes and aux_rx_nodes must have equal length")
	}
	if req.AuxTxPwrIndex != nil {
		if req.TxPwrIndex == nil {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "aux_tx_pwr_index requires tx_pwr_index")
		}
		if len(req.AuxTxPwrIndex) != len(req.AuxTxNodes) {
			return tgerr.New(tgerr.KindInvalidRequest, "Validate", "aux_tx_pwr_index must match aux_tx_nodes length")
		}
	}
	return nil
}

func validateTopo(req *Request) error {
	if req.TxNode == nil {
		return tgerr.New(tgerr.KindInvalidRequest, "Validate", "topo scan requires tx_node")
	}
	if req.Polarity != nil {
		if p, ok := req.Polarity[*req.TxNode]; ok && p == PolarityHybrid {
			return tgerr.New(tgerr.KindUnsatisfiable, "Validate", "topo scan is not permitted on a hybrid-polarity node")
		}
	}
	return nil
}
