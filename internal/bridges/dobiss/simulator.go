package dobiss

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// simulatorPoll bounds each read so Stop is observed promptly.
const simulatorPoll = 50 * time.Millisecond

// Simulator emulates Dobiss relay modules on a canbus.Port. Every
// (module, relay) address exists and starts off. Set commands are
// acknowledged; status queries are answered with the relay state.
type Simulator struct {
	port canbus.Port

	mu       sync.Mutex
	states   map[Address]bool
	muted    map[Address]bool
	delay    time.Duration
	queries  int
	commands int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger Logger
}

// NewSimulator creates a simulator on the given port. Call Start to run it.
func NewSimulator(port canbus.Port) *Simulator {
	return &Simulator{
		port:   port,
		states: make(map[Address]bool),
		muted:  make(map[Address]bool),
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for this simulator.
func (s *Simulator) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins answering frames in a background goroutine.
func (s *Simulator) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop halts the simulator and closes its port.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		_ = s.port.Close()
	})
}

// SetState sets a relay state without sending an acknowledgement,
// as if switched by a wall button.
func (s *Simulator) SetState(a Address, on bool) {
	s.mu.Lock()
	s.states[a] = on
	s.mu.Unlock()
}

// State returns the simulated relay state.
func (s *Simulator) State(a Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[a]
}

// Mute stops the simulator answering status queries for a relay.
func (s *Simulator) Mute(a Address, muted bool) {
	s.mu.Lock()
	s.muted[a] = muted
	s.mu.Unlock()
}

// SetReplyDelay delays every status reply.
func (s *Simulator) SetReplyDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Counts returns the number of status queries and set commands received.
func (s *Simulator) Counts() (queries, commands int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.commands
}

func (s *Simulator) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = s.port.SetReadDeadline(time.Now().Add(simulatorPoll))
		f, err := s.port.ReadFrame()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}
		s.handle(f)
	}
}

func (s *Simulator) handle(f canbus.Frame) {
	if addr, on, ok := DecodeSet(f); ok {
		s.mu.Lock()
		s.states[addr] = on
		s.commands++
		s.mu.Unlock()

		s.write(EncodeAck(addr, on))
		return
	}

	if addr, ok := DecodeQuery(f); ok {
		s.mu.Lock()
		s.queries++
		on := s.states[addr]
		muted := s.muted[addr]
		delay := s.delay
		s.mu.Unlock()

		if muted {
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			}
		}
		s.write(EncodeReply(on))
	}
}

func (s *Simulator) write(f canbus.Frame) {
	if err := s.port.WriteFrame(f); err != nil && s.logger != nil {
		s.logger.Warn("simulator write failed", "frame", f.String(), "error", err)
	}
}
