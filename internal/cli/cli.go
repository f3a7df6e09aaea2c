// ============================================================================
// Offload CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra front end for the offload engine
//
// Command Structure:
//   offload                        # Root command
//   ├── run                        # Execute a job file
//   │   ├── --job, -f             # Job YAML file
//   │   └── --repeat, -n          # Run the job n times (cache reuse)
//   ├── explain                    # Print logical and physical plans
//   │   └── --dump                # Deep-dump the physical plan
//   ├── serve                      # Executor: control service + metrics
//   ├── status                     # Manifest and executor counters
//   ├── cache mark|evict           # Mark or evict a dataset on executors
//   ├── --version
//   └── --help
//
// Configuration:
//   YAML file (default: configs/default.yaml). A missing default file
//   falls back to built-in defaults; an explicit --config must exist.
//
// serve Command:
//   1. Load config
//   2. Create and start the engine session (cache marks restored)
//   3. Start the metrics HTTP server (if enabled)
//   4. Serve the cache control service on control.listen
//   5. On SIGINT/SIGTERM: stop servers, stop session, save manifest
//
// Examples:
//   ./offload run -f examples/points.yaml -n 3
//   ./offload explain -f examples/points.yaml --dump
//   ./offload cache mark -f examples/points.yaml --peers 10.0.0.2:50061
//   ./offload status
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/gpu-offload/internal/config"
	"github.com/ChuLiYu/gpu-offload/internal/control"
	"github.com/ChuLiYu/gpu-offload/internal/engine"
	"github.com/ChuLiYu/gpu-offload/internal/exec"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/internal/metrics"
	"github.com/ChuLiYu/gpu-offload/internal/snapshot"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/default.yaml"

var configFile string

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offload",
		Short: "Offload: accelerator execution with device-resident caching",
		Long: `Offload runs accelerated map stages on an emulated device with:
- plan-identity keyed device buffer caching
- automatic launch dimension planning
- Prometheus metrics
- a gRPC control service for cache marks across executors`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildExplainCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCacheCommand())

	return rootCmd
}

// Execute runs the CLI and prints errors in red.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		errColor.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func sessionConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		TaskTimeout:      cfg.Worker.TaskTimeout,
		QueueSize:        cfg.Worker.QueueSize,
		DefaultBlockSize: cfg.Launch.DefaultBlockSize,
		UserGrid:         cfg.Launch.GridSizes,
		UserBlock:        cfg.Launch.BlockSizes,
		MemoryLimitBytes: cfg.Device.MemoryLimitBytes,
		ManifestPath:     cfg.Manifest.Path,
	}
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var jobFile string
	var repeat int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session and execute a job file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			job, err := LoadJob(jobFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, cfg, job, repeat, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "job", "f", "", "job YAML file")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "number of times to run the job")
	cmd.MarkFlagRequired("job")

	return cmd
}

func runJob(ctx context.Context, cfg *config.Config, job *Job, repeat int, out io.Writer) error {
	if repeat < 1 {
		return fmt.Errorf("repeat must be positive, got %d", repeat)
	}
	root, cached, err := job.Build()
	if err != nil {
		return err
	}

	metricsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session, err := engine.NewSession(sessionConfig(cfg), serveMetrics(metricsCtx, cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	for _, ds := range cached {
		id, err := session.CacheOnDevice(ds)
		if err != nil {
			return err
		}
		okColor.Fprintf(out, "cache on device: %s\n", id.Short())
	}

	for i := 0; i < repeat; i++ {
		parts, err := session.Collect(ctx, root)
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}
		headerColor.Fprintf(out, "== run %d ==\n", i+1)
		printRows(out, root.Schema(), parts)
	}

	st := session.GetStatus()
	headerColor.Fprintln(out, "== device ==")
	fmt.Fprintf(out, "uploads=%d downloads=%d resident_buffers=%d bytes_in_use=%d\n",
		st.Device.Uploads, st.Device.Downloads, st.Cache.ResidentBuffers, st.Device.UsedBytes)
	return nil
}

// serveMetrics exposes /metrics until ctx is done and returns the session
// option feeding it. Nothing is served when metrics are disabled.
func serveMetrics(ctx context.Context, cfg *config.Config) []engine.Option {
	if !cfg.Metrics.Enabled {
		return nil
	}
	collector := metrics.NewCollector()
	go func() {
		if err := metrics.StartServer(ctx, cfg.Metrics.Port); err != nil {
			warnColor.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
		}
	}()
	return []engine.Option{engine.WithMetrics(collector)}
}

func printRows(out io.Writer, schema types.Schema, parts [][]types.Row) {
	for p, rows := range parts {
		warnColor.Fprintf(out, "partition %d (%d rows)\n", p, len(rows))
		for _, row := range rows {
			for i, v := range row {
				if i > 0 {
					fmt.Fprint(out, " ")
				}
				name := "?"
				if i < len(schema) {
					name = schema[i].Name
				}
				fmt.Fprintf(out, "%s=%v", name, v)
			}
			fmt.Fprintln(out)
		}
	}
}

// ============================================================================
// explain
// ============================================================================

func buildExplainCommand() *cobra.Command {
	var jobFile string
	var dump bool

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print the logical and physical plans of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			job, err := LoadJob(jobFile)
			if err != nil {
				return err
			}
			return explainJob(cfg, job, dump, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "job", "f", "", "job YAML file")
	cmd.Flags().BoolVar(&dump, "dump", false, "deep-dump the physical plan")
	cmd.MarkFlagRequired("job")

	return cmd
}

var planDumper = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                5,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func explainJob(cfg *config.Config, job *Job, dump bool, out io.Writer) error {
	root, cached, err := job.Build()
	if err != nil {
		return err
	}

	// explain never touches the manifest
	sc := sessionConfig(cfg)
	sc.ManifestPath = ""
	session, err := engine.NewSession(sc)
	if err != nil {
		return err
	}
	defer session.Stop()

	for _, ds := range cached {
		if _, err := session.CacheOnDevice(ds); err != nil {
			return err
		}
	}

	text, err := session.Explain(root)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)

	if dump {
		plan, err := session.Plan(root)
		if err != nil {
			return err
		}
		headerColor.Fprintln(out, "== Dump ==")
		for _, off := range offloads(plan) {
			planDumper.Fdump(out, off.Config)
		}
	}
	return nil
}

func offloads(p exec.Plan) []*exec.OffloadExec {
	var out []*exec.OffloadExec
	if off, ok := p.(*exec.OffloadExec); ok {
		out = append(out, off)
	}
	for _, c := range p.Children() {
		out = append(out, offloads(c)...)
	}
	return out
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start an executor serving the cache control service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	var opts []engine.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, engine.WithMetrics(metrics.NewCollector()))
	}
	session, err := engine.NewSession(sessionConfig(cfg), opts...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := session.Start(); err != nil {
		return err
	}
	defer session.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartServer(ctx, cfg.Metrics.Port) })
	}
	g.Go(func() error { return control.Serve(ctx, cfg.Control.Listen, session) })

	okColor.Printf("Executor serving on %s\n", cfg.Control.Listen)
	err = g.Wait()
	fmt.Println("\nShutting down executor...")
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var peers []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cache manifest and executor counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				peers = cfg.Control.Peers
			}
			return showStatus(cmd.Context(), cfg, peers, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "executor control addresses (default: control.peers)")
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, peers []string, out io.Writer) error {
	headerColor.Fprintln(out, "== Configuration ==")
	fmt.Fprintf(out, "  config file:    %s\n", configFile)
	fmt.Fprintf(out, "  workers:        %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  block size:     %d\n", cfg.Launch.DefaultBlockSize)
	fmt.Fprintf(out, "  device memory:  %d bytes\n", cfg.Device.MemoryLimitBytes)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  metrics:        http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  metrics:        disabled")
	}

	headerColor.Fprintln(out, "== Manifest ==")
	m := snapshot.NewManager(cfg.Manifest.Path)
	if !m.Exists() {
		warnColor.Fprintf(out, "  no manifest at %s\n", m.GetPath())
	} else {
		data, err := m.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  saved at:       %s\n", data.SavedAt.Format("2006-01-02 15:04:05"))
		for _, e := range data.Entries {
			buffers := 0
			for _, names := range e.Partitions {
				buffers += len(names)
			}
			fmt.Fprintf(out, "  %s  partitions=%d buffers=%d\n", e.Plan, len(e.Partitions), buffers)
		}
		if len(data.Entries) == 0 {
			fmt.Fprintln(out, "  no cacheable plans")
		}
	}

	if len(peers) == 0 {
		return nil
	}
	headerColor.Fprintln(out, "== Executors ==")
	fleet, err := control.DialFleet(peers, cfg.Control.Dial)
	if err != nil {
		return err
	}
	defer fleet.Close()

	stats, err := fleet.Stats(ctx)
	if err != nil {
		return err
	}
	for _, st := range stats {
		fmt.Fprintf(out, "  %s  up=%s plans=%d partitions=%d resident=%d device_bytes=%d uploads=%d\n",
			st.Address, st.Uptime.Truncate(time.Second), st.CacheablePlans, st.Partitions,
			st.ResidentBuffers, st.DeviceBytes, st.Uploads)
	}
	return nil
}

// ============================================================================
// cache mark|evict
// ============================================================================

func buildCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Mark or evict device-cached datasets on executors",
	}
	cmd.AddCommand(buildCacheActionCommand("mark", "Mark datasets cache-eligible", (*control.Fleet).MarkCacheable))
	cmd.AddCommand(buildCacheActionCommand("evict", "Evict datasets from device memory", (*control.Fleet).Evict))
	return cmd
}

type fleetAction func(*control.Fleet, context.Context, types.PlanIdentity) error

func buildCacheActionCommand(use, short string, action fleetAction) *cobra.Command {
	var jobFile string
	var peers []string

	cmd := &cobra.Command{
		Use:   use + " [plan-id...]",
		Short: short,
		Long:  short + ". Plan ids are hex identities; --job uses the job's `cache: true` steps.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				peers = cfg.Control.Peers
			}
			if len(peers) == 0 {
				return errors.New("no executors: set --peers or control.peers")
			}
			ids, err := planIDs(args, jobFile)
			if err != nil {
				return err
			}

			fleet, err := control.DialFleet(peers, cfg.Control.Dial)
			if err != nil {
				return err
			}
			defer fleet.Close()

			for _, id := range ids {
				if err := action(fleet, cmd.Context(), id); err != nil {
					return fmt.Errorf("%s %s: %w", use, id.Short(), err)
				}
				okColor.Fprintf(cmd.OutOrStdout(), "%s %s on %d executors\n", use, id.Short(), fleet.Size())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobFile, "job", "f", "", "job YAML file")
	cmd.Flags().StringSliceVar(&peers, "peers", nil, "executor control addresses (default: control.peers)")
	return cmd
}

// planIDs resolves hex arguments and the cached datasets of jobFile.
func planIDs(args []string, jobFile string) ([]types.PlanIdentity, error) {
	var ids []types.PlanIdentity
	for _, a := range args {
		id, err := types.ParsePlanIdentity(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if jobFile != "" {
		job, err := LoadJob(jobFile)
		if err != nil {
			return nil, err
		}
		_, cached, err := job.Build()
		if err != nil {
			return nil, err
		}
		for _, ds := range cached {
			ids = append(ids, logical.DatasetIdentity(ds))
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no plan ids: pass hex ids or --job")
	}
	return ids, nil
}
