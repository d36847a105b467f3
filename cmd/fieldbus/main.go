// Command fieldbus reads and writes PLC tags from the command line.
//
//	fieldbus read eip://10.0.0.5 speed=Motor.Speed:REAL run=Motor.Run:BOOL
//	fieldbus read eip://10.0.0.5 --tags-file tags.yaml
//	fieldbus write eip://10.0.0.5 Recipe.Setpoint:DINT 1200
//	fieldbus parse "Program:Main.Counters[4]:DINT:2"
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	timeout  time.Duration
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "fieldbus",
		Short: "Read and write PLC tags over industrial field buses",
		Long: `fieldbus talks to PLCs through the go-fieldbus engine.

Connection strings look like <protocol>[:<transport>]://<host>[:<port>][?k=v].
Supported protocols: eip (CIP over EtherNet/IP).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 5*time.Second, "deadline of connecting and of each operation")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	rootCmd.AddCommand(newReadCmd(flags))
	rootCmd.AddCommand(newWriteCmd(flags))
	rootCmd.AddCommand(newParseCmd())

	return rootCmd
}
