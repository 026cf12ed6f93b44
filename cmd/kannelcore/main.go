// Command kannelcore runs a small line-echo TCP server that exercises
// every package in this module end to end: connections are accepted onto
// conn.Connection, multiplexed through fdmux, and given an idle-timeout
// backed by timerset/eventqueue. It exists as a wiring demonstration, the
// same role _examples/malbeclabs-doublezero/mcastrelay/cmd/server/main.go
// plays for its own packages.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kannelcore",
		Short: "Timer-set and buffered-connection reference server",
	}
	root.AddCommand(newServeCmd())
	return root
}
