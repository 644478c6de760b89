package emu

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/archsim/pubsub"
)

// Ring is a privilege level. Numbering follows RISC-V.
type Ring uint8

// Privilege levels.
const (
	RingUser       Ring = 0
	RingSupervisor Ring = 1
	RingHypervisor Ring = 2
	RingMachine    Ring = 3
)

func (r Ring) String() string {
	switch r {
	case RingUser:
		return "user"
	case RingSupervisor:
		return "supervisor"
	case RingHypervisor:
		return "hypervisor"
	case RingMachine:
		return "machine"
	}
	return fmt.Sprintf("ring%d", uint8(r))
}

// ExceptionAction tells the execution layer what to do after an exception
// has been delivered.
type ExceptionAction int

const (
	// ExceptionAbortInstruction abandons the faulting instruction; the
	// guest handler runs next.
	ExceptionAbortInstruction ExceptionAction = iota

	// ExceptionAbortSimulation means nothing in the guest can handle the
	// exception.
	ExceptionAbortSimulation
)

func (a ExceptionAction) String() string {
	if a == ExceptionAbortSimulation {
		return "abort-simulation"
	}
	return "abort-instruction"
}

// EmulationModel delivers guest exceptions.
type EmulationModel interface {
	HandleException(t *Thread, cause uint64, data uint64) ExceptionAction
}

// Coprocessor is a register-addressed device attached to a hart, such as
// a CSR file.
type Coprocessor interface {
	Read64(reg uint32) (uint64, bool)
	Write64(reg uint32, value uint64) bool
}

// Exception records the most recent exception raised on a thread.
type Exception struct {
	Cause  uint64
	Data   uint64
	PC     uint64
	Action ExceptionAction
}

// StateBlock holds named per-thread slots that code outside the memory
// model reads directly, such as the active memory caches.
type StateBlock struct {
	entries map[string]any
}

// NewStateBlock creates an empty state block.
func NewStateBlock() *StateBlock {
	return &StateBlock{entries: make(map[string]any)}
}

// AddBlock reserves a named slot.
func (s *StateBlock) AddBlock(name string) {
	if _, ok := s.entries[name]; !ok {
		s.entries[name] = nil
	}
}

// HasEntry reports whether the slot exists.
func (s *StateBlock) HasEntry(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// SetEntry stores value in the named slot, reserving it if needed.
func (s *StateBlock) SetEntry(name string, value any) {
	s.entries[name] = value
}

// Entry returns the value in the named slot.
func (s *StateBlock) Entry(name string) (any, bool) {
	v, ok := s.entries[name]
	return v, ok
}

// Thread is the architectural state of one simulated hart that the memory
// subsystem needs: its privilege level, program counter, exception
// delivery, coprocessors and the event bus it publishes to.
type Thread struct {
	id   int
	ring Ring
	pc   uint64

	model        EmulationModel
	coprocessors map[int]Coprocessor
	bus          *pubsub.Bus
	state        *StateBlock

	lastException *Exception
	exceptions    uint64

	logger *slog.Logger
}

// ThreadOption is a functional option for configuring a Thread.
type ThreadOption func(*Thread)

// WithEmulationModel sets the exception delivery model.
func WithEmulationModel(m EmulationModel) ThreadOption {
	return func(t *Thread) {
		t.model = m
	}
}

// WithRing sets the initial privilege level.
func WithRing(r Ring) ThreadOption {
	return func(t *Thread) {
		t.ring = r
	}
}

// WithBus sets the bus privilege changes are published on.
func WithBus(b *pubsub.Bus) ThreadOption {
	return func(t *Thread) {
		t.bus = b
	}
}

// WithThreadLogger sets the logger used by the thread.
func WithThreadLogger(l *slog.Logger) ThreadOption {
	return func(t *Thread) {
		t.logger = l
	}
}

// NewThread creates a hart in machine mode.
func NewThread(id int, opts ...ThreadOption) *Thread {
	t := &Thread{
		id:           id,
		ring:         RingMachine,
		coprocessors: make(map[int]Coprocessor),
		state:        NewStateBlock(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the hart id.
func (t *Thread) ID() int { return t.id }

// ExecutionRing returns the current privilege level.
func (t *Thread) ExecutionRing() Ring { return t.ring }

// SetExecutionRing changes the privilege level and publishes a
// PrivilegeLevelChange event if it differs from the current one.
func (t *Thread) SetExecutionRing(r Ring) {
	if r == t.ring {
		return
	}

	t.logger.Debug("privilege change",
		slog.Int("thread", t.id), slog.String("from", t.ring.String()), slog.String("to", r.String()))

	t.ring = r
	if t.bus != nil {
		t.bus.Publish(pubsub.PrivilegeLevelChange, r)
	}
}

// PC returns the program counter.
func (t *Thread) PC() uint64 { return t.pc }

// SetPC sets the program counter.
func (t *Thread) SetPC(pc uint64) { t.pc = pc }

// Bus returns the event bus, which may be nil.
func (t *Thread) Bus() *pubsub.Bus { return t.bus }

// StateBlock returns the thread's state block.
func (t *Thread) StateBlock() *StateBlock { return t.state }

// EmulationModel returns the exception delivery model, which may be nil.
func (t *Thread) EmulationModel() EmulationModel { return t.model }

// SetEmulationModel replaces the exception delivery model.
func (t *Thread) SetEmulationModel(m EmulationModel) { t.model = m }

// AttachCoprocessor installs c at the given index.
func (t *Thread) AttachCoprocessor(index int, c Coprocessor) {
	t.coprocessors[index] = c
}

// Coprocessor returns the coprocessor at index.
func (t *Thread) Coprocessor(index int) (Coprocessor, bool) {
	c, ok := t.coprocessors[index]
	return c, ok
}

// RaiseException delivers an exception through the emulation model. A
// thread without a model cannot handle anything, so the simulation must
// stop.
func (t *Thread) RaiseException(cause, data uint64) ExceptionAction {
	action := ExceptionAbortSimulation
	if t.model != nil {
		action = t.model.HandleException(t, cause, data)
	}

	t.exceptions++
	t.lastException = &Exception{Cause: cause, Data: data, PC: t.pc, Action: action}

	if t.model == nil {
		t.logger.Warn("guest exception without emulation model",
			slog.Int("thread", t.id),
			slog.Uint64("cause", cause),
			slog.String("addr", fmt.Sprintf("%#x", data)),
			slog.String("pc", fmt.Sprintf("%#x", t.pc)))
	}
	return action
}

// LastException returns the most recent exception raised on the thread.
func (t *Thread) LastException() (Exception, bool) {
	if t.lastException == nil {
		return Exception{}, false
	}
	return *t.lastException, true
}

// ExceptionCount returns how many exceptions have been raised.
func (t *Thread) ExceptionCount() uint64 { return t.exceptions }
