package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockmesh/dfs/pkg/blockstore"
	"github.com/blockmesh/dfs/pkg/datanode"
	"github.com/blockmesh/dfs/pkg/wire"
	"github.com/spf13/cobra"
)

var datanodeCmd = &cobra.Command{
	Use:   "datanode",
	Short: "Storage node operations",
}

var datanodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a storage node",
	Long: `Start a storage node: the block data-plane service (store/retrieve/
replicate over pkg/wire) and the agent that registers it with the
metadata plane's control-plane API and heartbeats on an interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		storageRoot, _ := cmd.Flags().GetString("storage-root")
		hostname, _ := cmd.Flags().GetString("hostname")
		port, _ := cmd.Flags().GetInt("port")
		capacity, _ := cmd.Flags().GetInt64("capacity")
		apiAddr, _ := cmd.Flags().GetString("metadata-addr")
		heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
		chunkLen, _ := cmd.Flags().GetInt("chunk-size")
		orphanSweepInterval, _ := cmd.Flags().GetDuration("orphan-sweep-interval")
		orphanGracePeriod, _ := cmd.Flags().GetDuration("orphan-grace-period")

		fmt.Println("Starting dfs storage node...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Storage Root: %s\n", storageRoot)
		fmt.Printf("  Data Address: %s:%d\n", hostname, port)
		fmt.Printf("  Capacity: %d bytes\n", capacity)
		fmt.Printf("  Metadata Plane: %s\n", apiAddr)
		fmt.Println()

		store, err := blockstore.New(storageRoot)
		if err != nil {
			return fmt.Errorf("open block store: %w", err)
		}

		svc := datanode.NewService(store, 5*time.Second, chunkLen)
		listenAddr := fmt.Sprintf("0.0.0.0:%d", port)
		dataServer, err := wire.Listen(listenAddr, svc.Handle)
		if err != nil {
			return fmt.Errorf("listen on data address: %w", err)
		}
		go func() {
			if err := dataServer.Serve(); err != nil {
				fmt.Fprintf(os.Stderr, "data listener error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Block data plane listening on %s\n", listenAddr)

		agent := datanode.NewAgent(nodeID, apiAddr, hostname, port, capacity, heartbeatInterval, store, orphanSweepInterval, orphanGracePeriod)
		if err := agent.Start(); err != nil {
			_ = dataServer.Close()
			return fmt.Errorf("start agent: %w", err)
		}
		fmt.Println("✓ Registered with metadata plane, heartbeat loop running")
		fmt.Println()
		fmt.Println("Storage node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		agent.Stop()
		_ = dataServer.Close()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	datanodeCmd.AddCommand(datanodeStartCmd)

	datanodeStartCmd.Flags().String("node-id", "datanode-1", "Unique node ID")
	datanodeStartCmd.Flags().String("storage-root", "./dfs-datanode-data", "Root directory for stored blocks")
	datanodeStartCmd.Flags().String("hostname", "127.0.0.1", "Hostname other nodes use to reach this node's data plane")
	datanodeStartCmd.Flags().Int("port", 7000, "Port for the block data-plane service")
	datanodeStartCmd.Flags().Int64("capacity", 10<<30, "Total storage capacity in bytes")
	datanodeStartCmd.Flags().String("metadata-addr", "http://127.0.0.1:8080", "Metadata plane control-plane API address")
	datanodeStartCmd.Flags().Duration("heartbeat-interval", 5*time.Second, "Interval between heartbeats to the metadata plane")
	datanodeStartCmd.Flags().Int("chunk-size", 256*1024, "Wire stream chunk size in bytes")
	datanodeStartCmd.Flags().Duration("orphan-sweep-interval", time.Minute, "Interval between orphan-block sweeps (0 disables the sweep)")
	datanodeStartCmd.Flags().Duration("orphan-grace-period", 10*time.Minute, "How long a block may be unknown to the metadata plane before it is deleted locally")
}
