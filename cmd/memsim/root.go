//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/AarnavSrivastava/morb-os/internal/hostsim"
	"github.com/AarnavSrivastava/morb-os/kernel/mm"
	"github.com/AarnavSrivastava/morb-os/kernel/mm/heap"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	// Global flags
	ramMiB     uint
	heapKiB    uint
	cmdLine    string
	kernelLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "memsim",
	Short: "Run the morb-os memory subsystem inside a Linux process",
	Long: `memsim boots the morb-os physical frame source, page table mapper and
kernel heap against simulated physical memory. Heap pages are backed by the
frames the kernel maps them to, so every heap access goes through the same
translation the MMU would perform.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().UintVar(&ramMiB, "ram", 8, "Simulated physical memory in MiB")
	rootCmd.PersistentFlags().UintVar(&heapKiB, "heap", uint(heap.HeapSize/1024), "Heap size in KiB")
	rootCmd.PersistentFlags().StringVar(&cmdLine, "cmdline", "", "Kernel command line (e.g. heapcheck)")
	rootCmd.PersistentFlags().BoolVar(&kernelLogs, "kernel-logs", false, "Print kernel log output")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootMachine creates a simulated machine from the global flags and boots
// the kernel memory subsystem on it.
func bootMachine(cmd *cobra.Command, extraCmdLine string) (*hostsim.Machine, error) {
	var logs io.Writer
	if kernelLogs {
		logs = cmd.OutOrStdout()
	}

	line := cmdLine
	if extraCmdLine != "" {
		line += " " + extraCmdLine
	}

	m, err := hostsim.NewMachine(hostsim.Config{
		RAMSize: uintptr(ramMiB) * uintptr(mm.Mb),
		CmdLine: line,
		Output:  logs,
	})
	if err != nil {
		return nil, err
	}

	if err = m.Boot(uintptr(heapKiB) * uintptr(mm.Kb)); err != nil {
		_ = m.Close()
		return nil, err
	}

	return m, nil
}

// newPrinter returns a printer that groups digits for readability.
func newPrinter(w io.Writer) *printer {
	return &printer{w: w, p: message.NewPrinter(language.English)}
}

type printer struct {
	w io.Writer
	p *message.Printer
}

func (pr *printer) printf(format string, args ...interface{}) {
	_, _ = pr.p.Fprintf(pr.w, format, args...)
}
