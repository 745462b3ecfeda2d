// Package broker defines the message envelope exchanged between the
// controller and node brokers, and the narrow dispatcher capability each
// subsystem needs to send and receive messages. The actual transport (ZMQ,
// gRPC, or anything else) is out of scope for this module (spec.md §1); only
// the envelope shape and an in-memory implementation (used by tests and the
// single-process demo binaries) live here.
package broker

import (
	"context"
	"sync"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	MsgGetSlotMapConfig    MessageType = "GET_SLOT_MAP_CONFIG"
	MsgSlotMapConfig       MessageType = "SLOT_MAP_CONFIG"
	MsgSetSlotMapConfig    MessageType = "SET_SLOT_MAP_CONFIG"
	MsgStartScan           MessageType = "START_SCAN"
	MsgGetScanStatus       MessageType = "GET_SCAN_STATUS"
	MsgScanStatus          MessageType = "SCAN_STATUS"
	MsgScanReq             MessageType = "SCAN_REQ"
	MsgScanResp            MessageType = "SCAN_RESP"
	MsgSetLinkStatus       MessageType = "SET_LINK_STATUS"
	MsgLinkStatus          MessageType = "LINK_STATUS"
	MsgDrSetLinkStatus     MessageType = "DR_SET_LINK_STATUS"
	MsgDrLinkStatus        MessageType = "DR_LINK_STATUS"
	MsgDrDevAllocRes       MessageType = "DR_DEV_ALLOC_RES"
	MsgDrWsecLinkupStatus  MessageType = "DR_WSEC_LINKUP_STATUS"
	MsgDrWsecStatus        MessageType = "DR_WSEC_STATUS"
	MsgDrDevUpDownStatus   MessageType = "DR_DEV_UPDOWN_STATUS"
	MsgStatusReport        MessageType = "STATUS_REPORT"
	MsgStatusReportAck     MessageType = "STATUS_REPORT_ACK"
	MsgE2EAck              MessageType = "E2E_ACK"

	MsgGetRfState   MessageType = "GET_RF_STATE"
	MsgRfState      MessageType = "RF_STATE"
	MsgSetRfState   MessageType = "SET_RF_STATE"
	MsgResetRfState MessageType = "RESET_RF_STATE"

	MsgGetCbfConfig   MessageType = "GET_CBF_CONFIG"
	MsgCbfConfig      MessageType = "CBF_CONFIG"
	MsgSetCbfConfig   MessageType = "SET_CBF_CONFIG"
	MsgResetCbfConfig MessageType = "RESET_CBF_CONFIG"

	MsgSetLaTpcParams MessageType = "SET_LA_TPC_PARAMS"
)

// Envelope is the wire-level unit exchanged between the controller and a
// node broker: (minion, receiver app, sender app, payload), per spec.md §6.
type Envelope struct {
	MinionID   string
	ReceiverApp string
	SenderApp  string
	Type       MessageType
	Value      []byte
}

// Dispatcher is the capability interface a subsystem needs to participate in
// message routing: send an envelope to a destination, and subscribe to
// envelopes addressed to one of its own app names.
type Dispatcher interface {
	Send(ctx context.Context, env Envelope) error
	Subscribe(app string) <-chan Envelope
}

// Memory is an in-memory Dispatcher used by tests and the single-process
// demo binaries: Send delivers directly (best-effort, non-blocking) to any
// subscriber of env.ReceiverApp.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]chan Envelope
}

// NewMemory returns an empty in-memory dispatcher.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]chan Envelope)}
}

// Subscribe registers a buffered channel for the given app name. Calling it
// twice for the same app replaces the previous channel.
func (m *Memory) Subscribe(app string) <-chan Envelope {
	ch := make(chan Envelope, 64)
	m.mu.Lock()
	m.subs[app] = ch
	m.mu.Unlock()
	return ch
}

// Send delivers env to the subscriber of env.ReceiverApp, if any. It never
// blocks: if the subscriber's channel is full, the message is dropped (the
// same "lossy response aggregation" tolerance the core design accepts for
// recovered-locally failures, spec.md §7).
func (m *Memory) Send(_ context.Context, env Envelope) error {
	m.mu.RLock()
	ch, ok := m.subs[env.ReceiverApp]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case ch <- env:
	default:
	}
	return nil
}
