// Command stm32-uart-prog flashes an Intel HEX image to one or more
// STM32F4 targets sharing a UART bus, through the AN3155 bootloader
// protocol (component C11).
//
// CLI wiring follows the standard cobra generator layout (rootCmd declared
// in root.go, flags bound in init, main.go calling Execute; there are no
// subcommands); logging and the
// SIGINT/SIGTERM-driven cancellation path follow
// bbnote-gostlink/rttLogger/main.go's logrus + signal.Notify pattern,
// generalized from a polling exit-flag to a context.Context passed all the
// way down into fleet.Run/session.Run.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

var (
	flagHexFile       string
	flagPort          string
	flagBaud          uint
	flagTargets       targetSpec
	flagNoGo          bool
	flagRetriesCmd    int
	flagRetriesChunk  int
	flagRetriesSector int
	flagVerbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "stm32-uart-prog",
	Short: "Program a fleet of STM32F4 targets over a shared UART bootloader bus",
	Long: "stm32-uart-prog flashes an Intel HEX image to one or more STM32F405/407/415/417\n" +
		"targets that share a single UART, using ST's AN3155 bootloader protocol and a\n" +
		"bus-control layer to mute and address individual targets.",
	RunE: runProgram,
}

func init() {
	rootCmd.Flags().StringVarP(&flagHexFile, "hexfile", "f", "", "path to the Intel HEX firmware image (required)")
	rootCmd.Flags().StringVarP(&flagPort, "port", "p", "", "serial device, e.g. /dev/ttyUSB0 (required)")
	rootCmd.Flags().UintVarP(&flagBaud, "baud", "b", 115200, "bootloader UART baud rate")
	rootCmd.Flags().VarP(&flagTargets, "targets", "t", "target bus IDs to program: comma-separated singles and inclusive ranges, e.g. 1,3-5,8 (required)")
	rootCmd.Flags().BoolVar(&flagNoGo, "no-go", true, "do not send GO after programming (default: stay in bootloader)")
	rootCmd.Flags().IntVar(&flagRetriesCmd, "retries-cmd", 3, "low-level command retry ceiling (R_cmd)")
	rootCmd.Flags().IntVar(&flagRetriesChunk, "retries-chunk", 3, "per-chunk write/verify retry ceiling (R_chunk)")
	rootCmd.Flags().IntVar(&flagRetriesSector, "retries-sector", 2, "sector recovery (re-erase) retry ceiling")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug-level logging")

	_ = rootCmd.MarkFlagRequired("hexfile")
	_ = rootCmd.MarkFlagRequired("port")
	_ = rootCmd.MarkFlagRequired("targets")
}

// Execute runs the root command, returning the process exit code per
// spec.md §6: 0 all targets Done, 1 one or more targets Failed, 2 invalid
// arguments, 3 unrecoverable transport setup failure, 130 Cancelled.
func Execute() int {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		if code, ok := err.(exitCode); ok {
			return int(code)
		}
		// cobra's own argument validation (missing/malformed flags) returns
		// a plain error here, never an exitCode.
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// exitCode lets runProgram hand a specific process exit status back
// through cobra's RunE error return without stringifying it twice.
type exitCode int

func (e exitCode) Error() string { return "" }
