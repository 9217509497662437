package dobiss

import (
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

type recordingReceiver struct {
	name  string
	log   *[]string
	mu    *sync.Mutex
	count int
}

func (r *recordingReceiver) Deliver(f canbus.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	*r.log = append(*r.log, r.name+":"+f.String())
}

func TestDispatcherFansOutInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	a := &recordingReceiver{name: "a", log: &log, mu: &mu}
	b := &recordingReceiver{name: "b", log: &log, mu: &mu}

	d := NewDispatcher()
	d.Register(a)
	d.Register(b)

	f1 := EncodeAck(Address{1, 1}, true)
	f2 := EncodeReply(false)
	d.Deliver(f1)
	d.Deliver(f2)

	want := []string{
		"a:" + f1.String(),
		"b:" + f1.String(),
		"a:" + f2.String(),
		"b:" + f2.String(),
	}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, log[i], want[i])
		}
	}

	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
	if d.Delivered() != 2 {
		t.Errorf("Delivered() = %d, want 2", d.Delivered())
	}
}

func TestDispatcherEmpty(t *testing.T) {
	d := NewDispatcher()
	d.Deliver(EncodeReply(true))
	if d.Delivered() != 1 {
		t.Errorf("Delivered() = %d, want 1", d.Delivered())
	}
}

func TestDispatcherRoutesToRelays(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	d := NewDispatcher()

	r1 := newTestRelay(t, Address{1, 0}, sender, lock)
	r2 := newTestRelay(t, Address{1, 1}, sender, lock)
	d.Register(r1)
	d.Register(r2)

	d.Deliver(EncodeAck(Address{1, 1}, true))

	if r1.IsOn() {
		t.Error("r1 changed by ack for 1.1")
	}
	if !r2.IsOn() {
		t.Error("r2 not updated by its ack")
	}
}
