package main

import "github.com/AarnavSrivastava/morb-os/kernel/kmain"

// The rt0 code fills these in before jumping to main.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	physMemOffset    uintptr
)

// main works as a trampoline for calling the actual kernel entrypoint
// (kmain.Kmain). It is intentionally defined to prevent the Go compiler from
// optimizing away the kernel code as it is not aware of the rt0 code.
//
// Global variables are passed as arguments so the compiler cannot inline the
// call and drop Kmain from the generated object file.
//
// main is not expected to return. If it does, the rt0 code will halt the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, physMemOffset)
}
