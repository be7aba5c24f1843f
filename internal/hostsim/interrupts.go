package hostsim

// InterruptCounter emulates the CPU interrupt flag and counts how often the
// kernel masked interrupts.
type InterruptCounter struct {
	enabled           bool
	disables, enables uint64
}

// InterruptsEnabled implements sync.InterruptController.
func (c *InterruptCounter) InterruptsEnabled() bool { return c.enabled }

// DisableInterrupts implements sync.InterruptController.
func (c *InterruptCounter) DisableInterrupts() {
	c.enabled = false
	c.disables++
}

// EnableInterrupts implements sync.InterruptController.
func (c *InterruptCounter) EnableInterrupts() {
	c.enabled = true
	c.enables++
}

// CriticalSections returns the number of completed interrupt-free sections.
func (c *InterruptCounter) CriticalSections() uint64 {
	return c.enables
}

// Balanced returns true if every disable was matched by an enable.
func (c *InterruptCounter) Balanced() bool {
	return c.enabled && c.disables == c.enables
}
