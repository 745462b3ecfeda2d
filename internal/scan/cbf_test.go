package scan

import (
	"testing"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

func TestCbfSaturationFallbackClampsOnlyPrimaryAux(t *testing.T) {
	store := NewCbfStore(DefaultCbfMaxTxPwrIndex)
	mtx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	mrx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	got := store.Set(CbfConfig{
		MainTx: mtx, MainRx: mrx,
		TxPwrIndex:    DefaultCbfMaxTxPwrIndex + 5,
		AuxTxPwrIndex: []int32{20, 20},
	})
	if got.AuxTxPwrIndex[0] != 15 {
		t.Fatalf("expected primary aux clamped to 15, got %d", got.AuxTxPwrIndex[0])
	}
	if got.AuxTxPwrIndex[1] != 20 {
		t.Fatalf("expected secondary aux left untouched, got %d", got.AuxTxPwrIndex[1])
	}
}

func TestCbfResetClearsConfigs(t *testing.T) {
	store := NewCbfStore(DefaultCbfMaxTxPwrIndex)
	mtx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	mrx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	store.Set(CbfConfig{MainTx: mtx, MainRx: mrx})
	store.Reset()
	if len(store.All()) != 0 {
		t.Fatal("expected no configs after reset")
	}
}

func TestSelectNullingBeamPicksLowestInterference(t *testing.T) {
	rf := rfstate.New()
	tx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	auxRx := radio.MustParseMac("cc:cc:cc:cc:cc:cc")
	rf.IngestIM(rfstate.IMIngest{
		Link:     rfstate.LinkKey{Tx: tx, Rx: auxRx},
		Complete: true,
		Routes: []rfstate.RouteSnr{
			{TxBeam: 1, RxBeam: 0, SnrEst: 20},
			{TxBeam: 2, RxBeam: 0, SnrEst: 2},
		},
	})
	beam := SelectNullingBeam(rf, tx, []radio.Mac{auxRx}, []uint16{1, 2})
	if beam != 2 {
		t.Fatalf("expected beam 2 (lowest offset) to be selected, got %d", beam)
	}
}

func TestGenerateCbfConfigAssignsPowerFromTargetSnrAndInr(t *testing.T) {
	rf := rfstate.New()
	mainTx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	mainRx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	auxTx := radio.MustParseMac("cc:cc:cc:cc:cc:cc")
	auxRx := radio.MustParseMac("dd:dd:dd:dd:dd:dd")

	rf.IngestIM(rfstate.IMIngest{
		Link:     rfstate.LinkKey{Tx: mainTx, Rx: mainRx},
		Complete: true,
		Routes:   []rfstate.RouteSnr{{TxBeam: 1, RxBeam: 2, SnrEst: 15}}, // offset = 15 - 0 = 15
	})
	rf.IngestPBF(rfstate.PBFIngest{
		Link: rfstate.LinkKey{Tx: auxTx, Rx: auxRx}, AzimuthTx: 3, AzimuthRx: 4, TxPower: 10,
		TxComplete: true, RxComplete: true,
	})
	rf.IngestIM(rfstate.IMIngest{
		Link:     rfstate.LinkKey{Tx: auxTx, Rx: mainRx},
		Complete: true,
		Routes:   []rfstate.RouteSnr{{TxBeam: 3, RxBeam: 2, SnrEst: -5}}, // offset = -5
	})

	params := DefaultCbfParams(DefaultCbfMaxTxPwrIndex)
	cfg, ok := GenerateCbfConfig(rf, params, mainTx, mainRx, []AuxCandidate{{Tx: auxTx, Rx: auxRx}})
	if !ok {
		t.Fatal("expected a generated config")
	}
	// mainTxPwr = clamp(20 - 15) = 5
	if cfg.TxPwrIndex != 5 {
		t.Fatalf("mainTxPwr = %d, want 5", cfg.TxPwrIndex)
	}
	// mainSnr = 15 + 5 = 20; targetInr = min(10, 20-3) = 10
	// auxOffset = clamp(10 - (-5)) - 10 = 15 - 10 = 5; auxPwr = clamp(10+5) = 15
	if len(cfg.AuxTxPwrIndex) != 1 || cfg.AuxTxPwrIndex[0] != 15 {
		t.Fatalf("auxTxPwr = %v, want [15]", cfg.AuxTxPwrIndex)
	}
}

func TestGenerateCbfConfigFailsWithoutMainIM(t *testing.T) {
	rf := rfstate.New()
	mainTx := radio.MustParseMac("aa:aa:aa:aa:aa:aa")
	mainRx := radio.MustParseMac("bb:bb:bb:bb:bb:bb")
	_, ok := GenerateCbfConfig(rf, DefaultCbfParams(0), mainTx, mainRx, nil)
	if ok {
		t.Fatal("expected failure without main link IM data")
	}
}
