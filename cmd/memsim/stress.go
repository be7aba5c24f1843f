//go:build linux

package main

import (
	"math/rand"
	"sort"
	"unsafe"

	"github.com/AarnavSrivastava/morb-os/kernel/mm/heap"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	stressOps     int
	stressSeed    int64
	stressMaxSize int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Number of allocate/free operations")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest request size in bytes")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a random allocation workload against the kernel heap",
		Long: `The stress command boots the memory subsystem with heap invariant checks
enabled and runs a seeded random mix of allocations and deallocations. Every
live block is filled with a marker byte that is verified before it is freed,
and live blocks are checked for overlap after every allocation.

Example:
  memsim stress --ops 50000 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := bootMachine(cmd, "heapcheck")
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := runWorkload(heap.Kernel(), stressSeed, stressOps, stressMaxSize)
			if err != nil {
				return err
			}

			pr := newPrinter(cmd.OutOrStdout())
			pr.printf("Operations: %d (%d allocations, %d frees, %d failed)\n", stressOps, res.allocs, res.frees, res.failed)
			pr.printf("Peak live blocks: %d (%d bytes)\n", res.peakLive, res.peakBytes)
			pr.printf("Critical sections: %d\n", m.Interrupts().CriticalSections())
			printHeapStats(pr, heap.GetStats())
			return nil
		},
	}
}

type block struct {
	addr, size, align uintptr
	marker            byte
}

type workloadResult struct {
	allocs, frees, failed int
	peakLive              int
	peakBytes             uintptr
}

// runWorkload performs ops random operations against a and returns every
// live block before returning.
func runWorkload(a *heap.Allocator, seed int64, ops, maxSize int) (workloadResult, error) {
	var (
		res       workloadResult
		live      []block
		liveBytes uintptr
		rng       = rand.New(rand.NewSource(seed))
	)

	for op := 0; op < ops; op++ {
		if len(live) > 0 && rng.Intn(5) < 2 {
			victim := rng.Intn(len(live))
			b := live[victim]
			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]

			if err := verifyBlock(b); err != nil {
				return res, err
			}
			a.Deallocate(b.addr, b.size, b.align)
			liveBytes -= b.size
			res.frees++
			continue
		}

		size := uintptr(rng.Intn(maxSize) + 1)
		align := uintptr(1) << rng.Intn(7)

		addr, kerr := a.Allocate(size, align)
		if kerr == heap.ErrOutOfMemory {
			res.failed++
			continue
		} else if kerr != nil {
			return res, errors.Wrapf(kerr, "allocating %d bytes aligned to %d", size, align)
		}

		if addr%align != 0 {
			return res, errors.Errorf("block 0x%x is not aligned to %d", addr, align)
		}

		b := block{addr: addr, size: size, align: align, marker: byte(rng.Intn(255) + 1)}
		fill := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
		for i := range fill {
			fill[i] = b.marker
		}

		live = append(live, b)
		if err := checkOverlap(live); err != nil {
			return res, err
		}

		liveBytes += size
		res.allocs++
		if len(live) > res.peakLive {
			res.peakLive = len(live)
		}
		if liveBytes > res.peakBytes {
			res.peakBytes = liveBytes
		}
	}

	for _, b := range live {
		if err := verifyBlock(b); err != nil {
			return res, err
		}
		a.Deallocate(b.addr, b.size, b.align)
		res.frees++
	}

	a.CheckInvariants()
	return res, nil
}

func verifyBlock(b block) error {
	contents := unsafe.Slice((*byte)(unsafe.Pointer(b.addr)), b.size)
	for i, v := range contents {
		if v != b.marker {
			return errors.Errorf("block 0x%x (%d bytes) corrupted at offset %d", b.addr, b.size, i)
		}
	}
	return nil
}

func checkOverlap(live []block) error {
	sorted := append([]block(nil), live...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].addr < sorted[j].addr })

	for i := 1; i < len(sorted); i++ {
		if prev := sorted[i-1]; prev.addr+prev.size > sorted[i].addr {
			return errors.Errorf("blocks 0x%x (%d bytes) and 0x%x overlap", prev.addr, prev.size, sorted[i].addr)
		}
	}
	return nil
}
