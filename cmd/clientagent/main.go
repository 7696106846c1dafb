// Command clientagent runs a client agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clientagent",
		Short: "Client agent for the object replication cluster",
		Long: `clientagent accepts game client connections over QUIC or websockets,
and controls which distributed objects each client can see.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkSchemaCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
