package dobiss

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// testTiming keeps protocol cycles short in tests.
var testTiming = Timing{
	SettleDelay:  time.Millisecond,
	ReplyTimeout: 100 * time.Millisecond,
	SendTimeout:  100 * time.Millisecond,
}

// mockSender records sent frames and optionally reacts to them.
type mockSender struct {
	mu      sync.Mutex
	frames  []canbus.Frame
	err     error
	onFrame func(canbus.Frame)
}

func (m *mockSender) Send(ctx context.Context, f canbus.Frame) error {
	m.mu.Lock()
	err := m.err
	hook := m.onFrame
	if err == nil {
		m.frames = append(m.frames, f)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	if hook != nil {
		go hook(f)
	}
	return nil
}

func (m *mockSender) sent() []canbus.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]canbus.Frame(nil), m.frames...)
}

func (m *mockSender) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// changeRecorder collects StateChange events.
type changeRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (c *changeRecorder) record(sc StateChange) {
	c.mu.Lock()
	c.changes = append(c.changes, sc)
	c.mu.Unlock()
}

func (c *changeRecorder) all() []StateChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StateChange(nil), c.changes...)
}

func newTestRelay(t *testing.T, addr Address, sender FrameSender, lock *BusLock) *Relay {
	t.Helper()
	r, err := NewRelay(RelayOptions{
		Name:    "Test " + addr.String(),
		Address: addr,
		Sender:  sender,
		Lock:    lock,
		Timing:  testTiming,
	})
	if err != nil {
		t.Fatalf("NewRelay() error: %v", err)
	}
	return r
}

func TestNewRelayValidation(t *testing.T) {
	if _, err := NewRelay(RelayOptions{Lock: NewBusLock()}); err == nil {
		t.Error("NewRelay() without sender: expected error")
	}
	if _, err := NewRelay(RelayOptions{Sender: &mockSender{}}); err == nil {
		t.Error("NewRelay() without lock: expected error")
	}

	r, err := NewRelay(RelayOptions{Address: Address{2, 3}, Sender: &mockSender{}, Lock: NewBusLock()})
	if err != nil {
		t.Fatalf("NewRelay() error: %v", err)
	}
	if r.DeviceID() != "dobiss.2.3" {
		t.Errorf("DeviceID() = %q, want default %q", r.DeviceID(), "dobiss.2.3")
	}
	if r.Name() != "dobiss.2.3" {
		t.Errorf("Name() = %q, want device ID fallback", r.Name())
	}
}

func TestRelayTurnOnOffSendsSetFrames(t *testing.T) {
	sender := &mockSender{}
	r := newTestRelay(t, Address{1, 4}, sender, NewBusLock())

	if err := r.TurnOn(context.Background()); err != nil {
		t.Fatalf("TurnOn() error: %v", err)
	}
	if err := r.TurnOff(context.Background()); err != nil {
		t.Fatalf("TurnOff() error: %v", err)
	}

	frames := sender.sent()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[0].String() != EncodeSet(Address{1, 4}, true).String() {
		t.Errorf("TurnOn frame = %v", frames[0])
	}
	if frames[1].String() != EncodeSet(Address{1, 4}, false).String() {
		t.Errorf("TurnOff frame = %v", frames[1])
	}

	// Set commands do not change cached state on their own.
	if r.IsOn() {
		t.Error("IsOn() = true before any acknowledgement")
	}
}

func TestRelayTurnOnNotBlockedByBusLock(t *testing.T) {
	lock := NewBusLock()
	r := newTestRelay(t, Address{1, 0}, &mockSender{}, lock)

	if !lock.tryAcquire() {
		t.Fatal("tryAcquire() failed")
	}
	defer lock.Release()

	done := make(chan error, 1)
	go func() { done <- r.TurnOn(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("TurnOn() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("TurnOn() blocked while bus lock held")
	}
}

func TestRelaySendFailure(t *testing.T) {
	boom := errors.New("tx buffer full")
	sender := &mockSender{}
	sender.setErr(boom)
	lock := NewBusLock()
	r := newTestRelay(t, Address{1, 0}, sender, lock)
	r.Restore(true)

	err := r.TurnOff(context.Background())
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, boom) {
		t.Errorf("TurnOff() error = %v, want ErrSendFailed wrapping cause", err)
	}
	if !r.IsOn() {
		t.Error("state changed after failed send")
	}

	err = r.Refresh(context.Background())
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("Refresh() error = %v, want ErrSendFailed", err)
	}
	if r.Awaiting() {
		t.Error("Awaiting() = true after failed refresh")
	}
	if lock.held() {
		t.Error("bus lock held after failed refresh")
	}
}

func TestRelayRefreshReceivesReply(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	r := newTestRelay(t, Address{1, 2}, sender, lock)
	rec := &changeRecorder{}
	r.SetOnStateChange(rec.record)

	sender.onFrame = func(f canbus.Frame) {
		if _, ok := DecodeQuery(f); ok {
			r.Deliver(EncodeReply(true))
		}
	}

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if !r.IsOn() {
		t.Error("IsOn() = false after reply reporting on")
	}
	if r.Awaiting() {
		t.Error("Awaiting() = true after Refresh returned")
	}
	if lock.held() {
		t.Error("bus lock held after Refresh returned")
	}

	changes := rec.all()
	if len(changes) != 1 {
		t.Fatalf("got %d state changes, want 1", len(changes))
	}
	if changes[0].Source != SourceQuery || !changes[0].On || !changes[0].Changed() {
		t.Errorf("state change = %+v", changes[0])
	}

	frames := sender.sent()
	if len(frames) != 1 || frames[0].ID != QueryID {
		t.Errorf("sent frames = %v, want one query", frames)
	}
}

func TestRelayRefreshTimeout(t *testing.T) {
	lock := NewBusLock()
	r := newTestRelay(t, Address{1, 2}, &mockSender{}, lock)
	r.Restore(true)

	start := time.Now()
	err := r.Refresh(context.Background())
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("Refresh() error = %v, want ErrReplyTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < testTiming.ReplyTimeout {
		t.Errorf("Refresh() returned after %v, before the reply timeout", elapsed)
	}
	if !r.IsOn() {
		t.Error("state changed after timeout")
	}
	if r.Awaiting() {
		t.Error("Awaiting() = true after timeout")
	}
	if lock.held() {
		t.Error("bus lock held after timeout")
	}
	if r.RefreshTimeouts() != 1 {
		t.Errorf("RefreshTimeouts() = %d, want 1", r.RefreshTimeouts())
	}

	// A late reply to the timed-out query is not consumed.
	r.Deliver(EncodeReply(false))
	if !r.IsOn() {
		t.Error("late reply changed state after timeout")
	}
}

func TestRelayRefreshContextCancelled(t *testing.T) {
	lock := NewBusLock()
	r := newTestRelay(t, Address{1, 2}, &mockSender{}, lock)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Refresh(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Refresh() error = %v, want context.DeadlineExceeded", err)
	}
	if r.Awaiting() || lock.held() {
		t.Error("cleanup did not run after cancellation")
	}
}

func TestRelayRefreshWaitsForBusLock(t *testing.T) {
	lock := NewBusLock()
	r := newTestRelay(t, Address{1, 2}, &mockSender{}, lock)

	if !lock.tryAcquire() {
		t.Fatal("tryAcquire() failed")
	}
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.Refresh(ctx); !errors.Is(err, ErrBusBusy) {
		t.Errorf("Refresh() error = %v, want ErrBusBusy", err)
	}
	if r.Awaiting() {
		t.Error("Awaiting() = true without holding the lock")
	}
}

func TestRelayDeliverReplyWithoutAwaiterDropped(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	relays := []*Relay{
		newTestRelay(t, Address{1, 0}, sender, lock),
		newTestRelay(t, Address{1, 1}, sender, lock),
		newTestRelay(t, Address{2, 0}, sender, lock),
	}
	rec := &changeRecorder{}
	for _, r := range relays {
		r.SetOnStateChange(rec.record)
		r.Deliver(EncodeReply(true))
	}

	for _, r := range relays {
		if r.IsOn() {
			t.Errorf("%s: IsOn() = true after unsolicited reply", r.DeviceID())
		}
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("got %d state changes, want 0", n)
	}
}

func TestRelayDeliverAckTargetsMatchingRelay(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	target := newTestRelay(t, Address{1, 1}, sender, lock)
	sameModule := newTestRelay(t, Address{1, 2}, sender, lock)
	sameRelay := newTestRelay(t, Address{2, 1}, sender, lock)

	rec := &changeRecorder{}
	for _, r := range []*Relay{target, sameModule, sameRelay} {
		r.SetOnStateChange(rec.record)
		r.Deliver(EncodeAck(Address{1, 1}, true))
	}

	if !target.IsOn() {
		t.Error("target IsOn() = false after ack")
	}
	if sameModule.IsOn() || sameRelay.IsOn() {
		t.Error("ack changed a non-matching relay")
	}

	changes := rec.all()
	if len(changes) != 1 {
		t.Fatalf("got %d state changes, want 1", len(changes))
	}
	if changes[0].DeviceID != "dobiss.1.1" || changes[0].Source != SourceAck {
		t.Errorf("state change = %+v", changes[0])
	}

	// Ack for the current state still reports, but unchanged.
	target.Deliver(EncodeAck(Address{1, 1}, true))
	changes = rec.all()
	if len(changes) != 2 || changes[1].Changed() {
		t.Errorf("repeat ack: changes = %+v", changes)
	}
}

func TestRelayDeliverIgnoresShortPayloads(t *testing.T) {
	r := newTestRelay(t, Address{1, 1}, &mockSender{}, NewBusLock())
	rec := &changeRecorder{}
	r.SetOnStateChange(rec.record)

	r.Deliver(canbus.Frame{ID: AckID, Extended: true, Data: []byte{1, 1}})
	r.Deliver(canbus.Frame{ID: AckID, Extended: true})

	r.beginAwait()
	r.Deliver(canbus.Frame{ID: ReplyID, Extended: true})
	r.endAwait()

	if r.IsOn() || len(rec.all()) != 0 {
		t.Error("short payload changed state")
	}
}

func TestRelayBeginAwaitDiscardsStaleSignal(t *testing.T) {
	r := newTestRelay(t, Address{1, 1}, &mockSender{}, NewBusLock())

	r.replied <- struct{}{}
	r.beginAwait()
	defer r.endAwait()

	select {
	case <-r.replied:
		t.Error("stale reply signal survived beginAwait")
	default:
	}
}

func TestRelayConcurrentRefreshAtMostOneAwaiting(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	dispatcher := NewDispatcher()

	states := map[Address]bool{
		{1, 0}: true,
		{1, 1}: false,
		{1, 2}: true,
		{2, 0}: false,
		{2, 1}: true,
	}

	var relays []*Relay
	for addr := range states {
		r := newTestRelay(t, addr, sender, lock)
		relays = append(relays, r)
		dispatcher.Register(r)
	}

	var (
		violationsMu sync.Mutex
		violations   []string
	)

	// While a query is outstanding its sender holds the bus lock, so the
	// awaiting set must be exactly that relay.
	sender.onFrame = func(f canbus.Frame) {
		addr, ok := DecodeQuery(f)
		if !ok {
			return
		}
		for _, r := range relays {
			if r.Awaiting() != (r.Address() == addr) {
				violationsMu.Lock()
				violations = append(violations, r.DeviceID()+" during query for "+addr.String())
				violationsMu.Unlock()
			}
		}
		time.Sleep(2 * time.Millisecond)
		dispatcher.Deliver(EncodeReply(states[addr]))
	}

	var wg sync.WaitGroup
	for _, r := range relays {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(r *Relay) {
				defer wg.Done()
				if err := r.Refresh(context.Background()); err != nil {
					t.Errorf("%s: Refresh() error: %v", r.DeviceID(), err)
				}
			}(r)
		}
	}
	wg.Wait()

	violationsMu.Lock()
	for _, v := range violations {
		t.Errorf("awaiting flag inconsistent: %s", v)
	}
	violationsMu.Unlock()

	for _, r := range relays {
		if r.IsOn() != states[r.Address()] {
			t.Errorf("%s: IsOn() = %v, want %v", r.DeviceID(), r.IsOn(), states[r.Address()])
		}
	}
}

func TestRelayTimeoutReleasesBusForNextRelay(t *testing.T) {
	lock := NewBusLock()
	sender := &mockSender{}
	silent := newTestRelay(t, Address{1, 0}, sender, lock)
	answered := newTestRelay(t, Address{1, 1}, sender, lock)

	sender.onFrame = func(f canbus.Frame) {
		if addr, ok := DecodeQuery(f); ok && addr == answered.Address() {
			answered.Deliver(EncodeReply(true))
			silent.Deliver(EncodeReply(true))
		}
	}

	errs := make(chan error, 2)
	go func() { errs <- silent.Refresh(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	go func() { errs <- answered.Refresh(context.Background()) }()

	var timeouts, successes int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrReplyTimeout):
			timeouts++
		default:
			t.Errorf("Refresh() unexpected error: %v", err)
		}
	}

	if timeouts != 1 || successes != 1 {
		t.Errorf("timeouts=%d successes=%d, want 1 and 1", timeouts, successes)
	}
	if !answered.IsOn() {
		t.Error("answered relay did not take its reply")
	}
	if silent.IsOn() {
		t.Error("reply for another relay was consumed by the idle relay")
	}
}
