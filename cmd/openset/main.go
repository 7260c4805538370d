// Command openset runs a single node of the partitioned, in-memory event
// store: its HTTP surface, its cooperative per-partition loops, and the
// cluster sentinel this node participates in. Texture grounded on
// cmd/warren's cobra entrypoint, scoped down to one daemon process
// instead of warren's manager/worker/service subcommand tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/openset/pkg/cluster"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/cuemby/openset/pkg/openset"
	"github.com/spf13/cobra"
)

// bootstrapConfig names the cluster members to join on startup, for standing
// up a multi-node cluster without a manual sequence of join calls per node.
type bootstrapConfig struct {
	Seeds []struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"seeds"`
}

func loadBootstrapConfig(path string) (*bootstrapConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("openset: read bootstrap config: %w", err)
	}
	var cfg bootstrapConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("openset: parse bootstrap config: %w", err)
	}
	return &cfg, nil
}

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "openset",
	Short:   "A partitioned, in-memory event store for customer behavioral data",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("openset version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("host", "0.0.0.0", "address this node's HTTP server binds to")
	rootCmd.Flags().Int("port", 8080, "port this node's HTTP server binds to")
	rootCmd.Flags().String("host_ext", "", "address other nodes use to reach this one (defaults to --host)")
	rootCmd.Flags().Int("port_ext", 0, "port other nodes use to reach this one (defaults to --port)")
	rootCmd.Flags().String("path", "./data", "directory this node stores its tables, side log, and attribute pages under")
	rootCmd.Flags().Int("workers", 4, "number of async pool worker goroutines")
	rootCmd.Flags().Bool("test", false, "run in single-node test mode: auto-initialize a 1-partition cluster on startup")
	rootCmd.Flags().String("bootstrap", "", "YAML file of seed node addresses to join on startup")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func run(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	hostExt, _ := cmd.Flags().GetString("host_ext")
	portExt, _ := cmd.Flags().GetInt("port_ext")
	dataDir, _ := cmd.Flags().GetString("path")
	workers, _ := cmd.Flags().GetInt("workers")
	test, _ := cmd.Flags().GetBool("test")
	bootstrapPath, _ := cmd.Flags().GetString("bootstrap")

	if hostExt == "" {
		hostExt = host
	}
	if portExt == 0 {
		portExt = port
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("openset: create data directory: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("sidelog", false, "opening")
	metrics.RegisterComponent("cluster", false, "initializing")
	metrics.RegisterComponent("async", false, "initializing")

	self := cluster.Route{NodeID: time.Now().UnixMilli(), Host: hostExt, Port: portExt}
	svc, err := openset.New(dataDir, self, workers)
	if err != nil {
		return fmt.Errorf("openset: initialize services: %w", err)
	}
	metrics.RegisterComponent("sidelog", true, "open")
	metrics.RegisterComponent("cluster", true, "ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	metrics.RegisterComponent("async", true, "workers started")
	fmt.Println("✓ Async pool and sentinel started")

	if test {
		if err := svc.Cluster.InitPartitions(1); err != nil {
			return fmt.Errorf("openset: test-mode cluster init: %w", err)
		}
		fmt.Println("✓ Test mode: single-node cluster initialized with 1 partition")
	}

	if bootstrapPath != "" {
		cfg, err := loadBootstrapConfig(bootstrapPath)
		if err != nil {
			return err
		}
		joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
		for _, seed := range cfg.Seeds {
			route := cluster.Route{Host: seed.Host, Port: seed.Port}
			if err := svc.Transport.JoinToCluster(joinCtx, route, self); err != nil {
				fmt.Fprintf(os.Stderr, "  ! failed to join seed %s:%d: %v\n", seed.Host, seed.Port, err)
				continue
			}
			svc.Cluster.AddRoute(route)
			fmt.Printf("✓ Joined cluster via seed %s:%d\n", seed.Host, seed.Port)
		}
		joinCancel()
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{Addr: addr, Handler: openset.NewServer(svc)}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	fmt.Printf("✓ HTTP server listening on %s (advertised as %s:%d)\n", addr, hostExt, portExt)
	fmt.Printf("  Node id: %d\n", self.NodeID)
	fmt.Printf("  Data directory: %s\n", dataDir)
	fmt.Println()
	fmt.Println("Node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	cancel()
	svc.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}
