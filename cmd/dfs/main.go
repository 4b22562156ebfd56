// Command dfs runs a distributed block file system node: a metadata
// service (namespace + placement, with a two-node HA pair), a storage
// node (block data plane), or an interactive shell against the control
// plane API.
package main

import (
	"fmt"
	"os"

	"github.com/blockmesh/dfs/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dfs",
	Short: "dfs - a minimal distributed block file system",
	Long: `dfs splits files into fixed-size blocks, places them on replicated
storage nodes, and serves them back through a small metadata plane.

It runs as three kinds of process from the same binary: a metadata node
(namespace + placement, paired for failover), a storage node (block
data plane), and a client shell for put/get/ls against the control
plane API.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(datanodeCmd)
	rootCmd.AddCommand(shellCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}
