package scan

import (
	"testing"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/tgerr"
)

func u32(v uint32) *uint32 { return &v }

func TestValidatePbfRequiresJointTxRx(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	req := &Request{Type: TypePBF, Mode: ModeCoarse, TxNode: &tx}
	err := Validate(req)
	if !tgerr.Is(err, tgerr.KindInvalidRequest) {
		t.Fatalf("expected KindInvalidRequest, got %v", err)
	}
}

func TestValidateRtcalRejectsHybrid(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	req := &Request{
		Type: TypeRTCAL, Mode: ModeSelective, TxNode: &tx, RxNodes: []radio.Mac{rx},
		BwgdLen: u32(16), IsHybridLink: true,
	}
	err := Validate(req)
	if !tgerr.Is(err, tgerr.KindUnsatisfiable) {
		t.Fatalf("expected rtcal-on-hybrid rejection, got %v", err)
	}
}

func TestValidateRtcalRequiresSelectiveOrRelative(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	req := &Request{Type: TypeRTCAL, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx}, BwgdLen: u32(16)}
	if err := Validate(req); !tgerr.Is(err, tgerr.KindInvalidRequest) {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}

func TestValidateBwgdLenMustBePowerOfTwo(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	req := &Request{Type: TypeRTCAL, Mode: ModeSelective, TxNode: &tx, RxNodes: []radio.Mac{rx}, BwgdLen: u32(17)}
	if err := Validate(req); !tgerr.Is(err, tgerr.KindInvalidRequest) {
		t.Fatalf("expected invalid-request for non-power-of-two bwgd_len, got %v", err)
	}
}

func TestValidateCbfRequiresEqualAuxLengths(t *testing.T) {
	mtx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	mrx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	aux := radio.MustParseMac("cc:cc:cc:cc:cc:cc")
	req := &Request{
		Type: TypeCBFTx, MainTxNode: &mtx, MainRxNode: &mrx,
		AuxTxNodes: []radio.Mac{aux},
	}
	if err := Validate(req); !tgerr.Is(err, tgerr.KindInvalidRequest) {
		t.Fatalf("expected invalid-request for mismatched aux lengths, got %v", err)
	}
}

func TestValidateTopoRejectsHybridNode(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	req := &Request{
		Type: TypeTOPO, TxNode: &tx,
		Polarity: map[radio.Mac]Polarity{tx: PolarityHybrid},
	}
	if err := Validate(req); !tgerr.Is(err, tgerr.KindUnsatisfiable) {
		t.Fatalf("expected hybrid-node rejection, got %v", err)
	}
}

func TestValidateBeamsLengthMustMatchRxCount(t *testing.T) {
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	rx1 := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	rx2 := radio.MustParseMac("cc:cc:cc:cc:cc:cc")
	req := &Request{
		Type: TypePBF, Mode: ModeCoarse, TxNode: &tx, RxNodes: []radio.Mac{rx1, rx2},
		Beams: []BeamRange{{Low: 0, High: 10}},
	}
	if err := Validate(req); !tgerr.Is(err, tgerr.KindInvalidRequest) {
		t.Fatalf("expected beams-length mismatch rejection, got %v", err)
	}
}
