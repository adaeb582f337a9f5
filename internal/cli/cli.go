// ============================================================================
// CLI
// Command structure:
//   computed                       # root command
//   ├── run                        # start the compute server
//   │   ├── --config, -c           # config file path
//   │   ├── --port                 # override server.port
//   │   └── --data-dir             # override server.data_dir
//   ├── enqueue                    # submit jobs from a JSON file to a
//   │   │                          # running server over HTTP
//   │   ├── --server               # server base URL
//   │   └── --file, -f             # job definitions file
//   ├── status                     # probe a running server's /status
//   └── --version
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/redunix/computed/internal/commands"
	"github.com/redunix/computed/internal/dispatch"
	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/internal/jobs"
	"github.com/redunix/computed/internal/metrics"
	"github.com/redunix/computed/internal/pool"
	"github.com/redunix/computed/internal/registry"
	"github.com/redunix/computed/internal/server"
	"github.com/redunix/computed/pkg/types"
)

var log = slog.Default()

const defaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "computed",
		Short: "computed: a concurrent HTTP compute server",
		Long: `computed is an HTTP/1.0 compute server with:
- three bounded worker pools (basic, cpu, io)
- an asynchronous job facility with priorities and cancellation
- crash-recoverable job records (jobs.json snapshot)
- latency metrics with percentiles and Prometheus export`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var port int
	var dataDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the compute server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(port, dataDir)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override listen port")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override data directory")
	return cmd
}

func loadRunConfig(port int, dataDir string) (*Config, error) {
	cfg, err := LoadConfig(configFile, configFile != defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if dataDir != "" {
		cfg.Server.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runServer assembles the full stack and serves until SIGINT/SIGTERM.
func runServer(cfg *Config) error {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	clock := ident.SystemClock{}
	ids := ident.NewGenerator()
	collector := metrics.NewCollector(clock)

	reg := registry.New()
	commands.RegisterAll(reg, commands.Timeouts{
		types.CategoryBasic: cfg.Pools.Basic.Timeout(),
		types.CategoryCPU:   cfg.Pools.CPU.Timeout(),
		types.CategoryIO:    cfg.Pools.IO.Timeout(),
	})

	poolConfigs := map[types.Category]PoolConfig{
		types.CategoryBasic: cfg.Pools.Basic,
		types.CategoryCPU:   cfg.Pools.CPU,
		types.CategoryIO:    cfg.Pools.IO,
	}

	pools := map[types.Category]*pool.Pool{}
	for cat, pc := range poolConfigs {
		p := pool.New(pool.Config{
			Category: cat,
			Workers:  pc.Workers,
			Capacity: pc.Capacity,
			Grace:    pc.Grace(),
		}, clock, collector)
		if err := p.Start(); err != nil {
			return fmt.Errorf("failed to start %s pool: %w", cat, err)
		}
		defer p.Stop()
		collector.RegisterSyncPool(cat, p.Gauges)
		pools[cat] = p
	}

	jobCategories := map[types.Category]jobs.CategoryConfig{}
	for cat, pc := range poolConfigs {
		jobCategories[cat] = jobs.CategoryConfig{
			Workers:  pc.JobWorkers,
			Capacity: pc.JobCapacity,
			Timeout:  pc.Timeout(),
			Grace:    pc.Grace(),
		}
	}

	var aging time.Duration
	if cfg.Jobs.AgingEnabled {
		aging = time.Duration(cfg.Jobs.AgingThresholdMs) * time.Millisecond
	}
	manager := jobs.NewManager(jobs.Config{
		Categories:     jobCategories,
		AgingThreshold: aging,
		StorePath:      cfg.Jobs.StorePath,
		DataDir:        cfg.Server.DataDir,
		CleanupAge:     time.Duration(cfg.Jobs.CleanupAgeSecs) * time.Second,
	}, reg, collector, clock, ids)
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}
	defer manager.Stop()

	disp := dispatch.New(dispatch.Config{
		DataDir:        cfg.Server.DataDir,
		RetryAfterSecs: cfg.Backpressure.RetryAfterSecs,
	}, reg, pools, manager, collector, clock, ids)

	srv := server.New(disp, reg, manager, collector, clock)

	log.Info("starting computed",
		"addr", cfg.Address(),
		"data_dir", cfg.Server.DataDir,
		"commands", len(reg.Commands()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, cfg.Address())
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("computed stopped")
	return nil
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string
	var serverURL string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit jobs from a JSON file to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueJobs(serverURL, jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	cmd.MarkFlagRequired("file")
	return cmd
}

// jobFileEntry is one entry of the enqueue file.
type jobFileEntry struct {
	Command  string            `json:"command"`
	Params   map[string]string `json:"params"`
	Priority string            `json:"priority"`
}

func enqueueJobs(serverURL, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}

	var entries []jobFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse job file: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	submitted := 0
	for _, entry := range entries {
		payload, err := json.Marshal(map[string]any{
			"command":  entry.Command,
			"params":   entry.Params,
			"priority": entry.Priority,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		resp, err := client.Post(serverURL+"/jobs/submit", "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Error("failed to submit job", "command", entry.Command, "error", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			log.Error("server rejected job",
				"command", entry.Command,
				"status", resp.StatusCode,
				"body", string(body))
			continue
		}
		submitted++
		fmt.Printf("%s\n", string(body))
	}

	fmt.Printf("submitted %d/%d jobs to %s\n", submitted, len(entries), serverURL)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running server's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	return cmd
}

func showStatus(serverURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/status")
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return fmt.Errorf("unexpected status payload: %w", err)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
