package sync

import "github.com/AarnavSrivastava/morb-os/kernel/cpu"

// InterruptController abstracts the CPU interrupt flag so IRQSpinlock can be
// used by code that also runs outside of ring 0 (tests, hosted simulation).
type InterruptController interface {
	// InterruptsEnabled returns true if hardware interrupts are enabled.
	InterruptsEnabled() bool

	// DisableInterrupts masks hardware interrupts.
	DisableInterrupts()

	// EnableInterrupts unmasks hardware interrupts.
	EnableInterrupts()
}

// cpuInterrupts drives the real interrupt flag.
type cpuInterrupts struct{}

func (cpuInterrupts) InterruptsEnabled() bool { return cpu.InterruptsEnabled() }
func (cpuInterrupts) DisableInterrupts()      { cpu.DisableInterrupts() }
func (cpuInterrupts) EnableInterrupts()       { cpu.EnableInterrupts() }

var activeController InterruptController = cpuInterrupts{}

// SetInterruptController replaces the controller used by all IRQSpinlocks.
// Passing nil restores the controller that manipulates the CPU interrupt flag.
func SetInterruptController(c InterruptController) {
	if c == nil {
		c = cpuInterrupts{}
	}
	activeController = c
}

// IRQSpinlock is a Spinlock that disables hardware interrupts while held. It
// must be used for any state that is also touched from interrupt context:
// if an interrupt handler tried to acquire a plain Spinlock already held by
// the code it interrupted, the CPU would spin forever.
//
// The interrupt flag observed by Acquire is restored by Release, so
// IRQSpinlocks held by code that already runs with interrupts disabled do not
// re-enable them.
type IRQSpinlock struct {
	lock       Spinlock
	restoreIRQ bool
}

// Acquire disables interrupts and then spins until the lock is acquired.
func (l *IRQSpinlock) Acquire() {
	ctrl := activeController
	enabled := ctrl.InterruptsEnabled()
	if enabled {
		ctrl.DisableInterrupts()
	}

	l.lock.Acquire()
	l.restoreIRQ = enabled
}

// Release relinquishes the lock and restores the interrupt flag that was
// active when Acquire was called.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIRQ
	l.restoreIRQ = false
	l.lock.Release()

	if restore {
		activeController.EnableInterrupts()
	}
}

// Held returns true if the lock is currently held.
func (l *IRQSpinlock) Held() bool {
	return l.lock.Held()
}
