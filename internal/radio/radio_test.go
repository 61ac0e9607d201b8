package radio

import (
	"testing"
	"time"
)

func TestInMemorySendReceiveRoundTrip(t *testing.T) {
	bus := NewBus()
	gateway := NewInMemory("gateway", bus)
	client := NewInMemory("client", bus)
	defer gateway.Close()
	defer client.Close()

	if err := client.Send("gateway", []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	dg, err := gateway.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if dg.Sender != "client" || string(dg.Payload) != "hello" {
		t.Fatalf("unexpected datagram: %+v", dg)
	}
}

func TestInMemoryReceiveTimesOutWhenIdle(t *testing.T) {
	bus := NewBus()
	r := NewInMemory("lonely", bus)
	defer r.Close()

	_, err := r.Receive(20 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInMemoryCloseUnblocksReceive(t *testing.T) {
	bus := NewBus()
	r := NewInMemory("node", bus)

	done := make(chan error, 1)
	go func() {
		_, err := r.Receive(5 * time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case err := <-done:
		if err != ErrHalted {
			t.Fatalf("expected ErrHalted after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Receive did not unblock after Close")
	}
}
