// Command dbengine drives the storage/concurrency engine directly: opening a
// data file, running the buffer pool and lock manager, and exposing enough
// tooling to exercise both without a SQL layer sitting on top.
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
	var envPath string
	root := &cobra.Command{
		Use:   "dbengine",
		Short: "Run and inspect the enginecore storage/concurrency engine",
	}
	root.PersistentFlags().StringVar(&envPath, "env", "", "path to a .env file to seed configuration from")
	root.AddCommand(newServeCmd(&envPath), newBenchCmd(), newInspectCmd())
	return root
}
