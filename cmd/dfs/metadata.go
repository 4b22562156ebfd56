package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blockmesh/dfs/pkg/api"
	"github.com/blockmesh/dfs/pkg/config"
	"github.com/blockmesh/dfs/pkg/ha"
	"github.com/blockmesh/dfs/pkg/metadata"
	"github.com/blockmesh/dfs/pkg/metastore"
	"github.com/blockmesh/dfs/pkg/metrics"
	"github.com/blockmesh/dfs/pkg/replication"
	"github.com/blockmesh/dfs/pkg/wire"
	"github.com/spf13/cobra"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Metadata node operations",
}

var metadataStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a metadata node",
	Long: `Start a metadata node: the namespace and placement service, its
control-plane HTTP API, and the HA controller. With --peer-addr set the
controller pairs the node with a peer for failover; without it the node
runs as sole leader.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		haAddr, _ := cmd.Flags().GetString("ha-addr")
		peerAddr, _ := cmd.Flags().GetString("peer-addr")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		fmt.Println("Starting dfs metadata node...")
		fmt.Printf("  Node ID: %s\n", nodeID)
		fmt.Printf("  Data Directory: %s\n", dataDir)
		fmt.Printf("  API Address: %s\n", apiAddr)
		fmt.Printf("  HA Address: %s\n", haAddr)
		if peerAddr != "" {
			fmt.Printf("  HA Peer: %s\n", peerAddr)
		} else {
			fmt.Println("  HA Peer: none (sole leader)")
		}
		fmt.Println()

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		store, err := metastore.Open(filepath.Join(dataDir, cfg.MetadataDBPath))
		if err != nil {
			return fmt.Errorf("open metastore: %w", err)
		}
		defer store.Close()

		mgr := metadata.New(store, metadata.Policy{
			ReplicationFactor:      cfg.ReplicationFactor,
			BlockSize:              cfg.BlockSize,
			HeartbeatInterval:      cfg.HeartbeatInterval,
			HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
		}, nil)

		repl := replication.NewCoordinator(mgr, cfg.ReplicationFactor, 5, 5*time.Second)
		mgr.SetReplicationQueue(repl)
		repl.Start()
		fmt.Println("✓ Replication coordinator started")

		go mgr.RunStalenessSweep(cfg.HeartbeatInterval)
		fmt.Println("✓ Staleness sweep started")

		applier := api.NewApplier(mgr)
		ctrl, err := ha.New(ha.Config{
			NodeID:             nodeID,
			PeerAddr:           peerAddr,
			ElectionTimeoutMin: cfg.ElectionTimeoutMin,
			ElectionTimeoutMax: cfg.ElectionTimeoutMax,
			HeartbeatInterval:  cfg.LeaderHeartbeatInterval,
			DialTimeout:        5 * time.Second,
		}, store, applier)
		if err != nil {
			return fmt.Errorf("create HA controller: %w", err)
		}
		ctrl.Start()
		fmt.Println("✓ HA controller started")

		haServer, err := wire.Listen(haAddr, ctrl.Handle)
		if err != nil {
			return fmt.Errorf("listen on HA address: %w", err)
		}
		go func() {
			if err := haServer.Serve(); err != nil {
				fmt.Fprintf(os.Stderr, "HA listener error: %v\n", err)
			}
		}()
		fmt.Printf("✓ HA peer RPCs listening on %s\n", haAddr)

		metricsCollector := metrics.NewCollector(mgr)
		metricsCollector.Start()
		fmt.Println("✓ Metrics collector started")

		metrics.SetVersion("0.1.0")
		metrics.RegisterComponent("metadatastore", true, "ready")
		metrics.RegisterComponent("ha", true, "ready")
		metrics.RegisterComponent("api", false, "initializing")

		apiServer := api.NewServer(mgr, repl, ctrl)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(apiAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()
		time.Sleep(200 * time.Millisecond)
		metrics.RegisterComponent("api", true, "ready")

		fmt.Printf("✓ Control-plane API listening on %s\n", apiAddr)
		fmt.Println()
		fmt.Println("Metadata node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		}

		repl.Stop()
		metricsCollector.Stop()
		ctrl.Stop()
		_ = haServer.Close()
		mgr.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	metadataCmd.AddCommand(metadataStartCmd)

	metadataStartCmd.Flags().String("config", "", "Path to a YAML config file (overlays on top of defaults)")
	metadataStartCmd.Flags().String("node-id", "metadata-1", "Unique node ID")
	metadataStartCmd.Flags().String("data-dir", "./dfs-metadata-data", "Data directory for the metadata store")
	metadataStartCmd.Flags().String("api-addr", "127.0.0.1:8080", "Control-plane HTTP API address")
	metadataStartCmd.Flags().String("ha-addr", "127.0.0.1:7946", "Address for HA peer RPCs")
	metadataStartCmd.Flags().String("peer-addr", "", "HA peer's ha-addr (empty to run as sole leader)")
}
