//go:build linux

package main

import (
	"github.com/AarnavSrivastava/morb-os/internal/hostsim"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/heap"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/pmm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory subsystem and report its state",
		Long: `The boot command initializes the frame source, mapper and heap and
prints the memory map handed to the kernel together with the heap layout.

Example:
  memsim boot
  memsim boot --ram 16 --heap 256 --kernel-logs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := bootMachine(cmd, "")
			if err != nil {
				return err
			}
			defer m.Close()

			pr := newPrinter(cmd.OutOrStdout())
			printMemoryMap(pr, m)
			printHeapStats(pr, heap.GetStats())
			return nil
		},
	}
}

func printMemoryMap(pr *printer, m *hostsim.Machine) {
	pr.printf("Memory map:\n")
	for _, region := range m.MemoryMap() {
		pr.printf("  [%#010x - %#010x] %12d bytes  %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type)
	}
	pr.printf("Frames used: %d\n", pmm.AllocatedFrames())
}

func printHeapStats(pr *printer, st heap.Stats) {
	pr.printf("Heap [%#x - %#x]\n", st.HeapStart, st.HeapEnd)
	pr.printf("  available:       %d bytes\n", st.Available())
	pr.printf("  fallback in use: %d bytes\n", st.FallbackInUse)
	pr.printf("  free holes:      %d (%d bytes)\n", st.HoleCount, st.FreeBytes)
	pr.printf("  allocations:     %d\n", st.Allocations)
	pr.printf("  deallocations:   %d\n", st.Deallocations)

	pr.printf("  size classes:\n")
	for i := 0; i < st.ClassCount; i++ {
		class := st.Classes[i]
		pr.printf("    %6d bytes: %d free\n", class.Size, class.FreeBlocks)
	}
}
