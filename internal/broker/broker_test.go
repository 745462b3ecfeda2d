package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemorySendDeliversToSubscriber(t *testing.T) {
	m := NewMemory()
	ch := m.Subscribe("SCAN_APP")

	env := Envelope{MinionID: "node-1", ReceiverApp: "SCAN_APP", SenderApp: "CTRL_APP", Type: MsgStartScan}
	if err := m.Send(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != MsgStartScan || got.MinionID != "node-1" {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected envelope to be delivered")
	}
}

func TestMemorySendWithoutSubscriberIsNoop(t *testing.T) {
	m := NewMemory()
	if err := m.Send(context.Background(), Envelope{ReceiverApp: "NOBODY"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemorySendNeverBlocksOnFullChannel(t *testing.T) {
	m := NewMemory()
	ch := m.Subscribe("SCAN_APP")
	for i := 0; i < 64; i++ {
		if err := m.Send(context.Background(), Envelope{ReceiverApp: "SCAN_APP"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	done := make(chan struct{})
	go func() {
		_ = m.Send(context.Background(), Envelope{ReceiverApp: "SCAN_APP"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Send to not block when the subscriber channel is full")
	}
	_ = ch
}
