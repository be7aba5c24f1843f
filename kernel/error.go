// Package kernel contains the types and helpers shared by every kernel
// subsystem.
package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error values so that reporting a failure never requires a memory
// allocation; this matters for the code that runs before the heap is online
// and for the heap itself.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
