// ============================================================================
// bulkop CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running an agent and driving bulk
//          operations on it
//
// Command Structure:
//   bulkop                                   # Root command
//   ├── serve                                # Run the agent
//   ├── submit <plugin> -p key=value ...     # Start an operation and follow it
//   ├── command <plugin> <command>           # progress | cancel | pause | resume
//   ├── catalog
//   │   ├── import <dir> <collection>        # Register files already in the vault
//   │   └── ls <collection> [-r]             # List data objects
//   ├── status                               # Configuration and agent health
//   └── --config, -c                         # Config file (default configs/default.yaml)
//
// serve Command:
//   1. Load config, install the logger
//   2. Open catalog and vault, build the plugin registry and controller
//   3. Start the gRPC agent and the metrics HTTP endpoint
//   4. On SIGINT/SIGTERM cancel running operations, then stop the server
//
// submit Command:
//   Sends the request, then polls "progress" every engine.progress_interval
//   and prints status changes. Ctrl+C sends "cancel" and keeps polling until
//   the operation reports a final status. Exits non-zero on "failed".
//
//   Examples:
//     bulkop submit remove -p logical_path=/tempZone/home/rods/run42 -p recursive=true
//     bulkop submit checksum -p logical_path=/tempZone/home/rods/a.dat --sync
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/logging"
	"github.com/ChuLiYu/bulkop/internal/metrics"
	"github.com/ChuLiYu/bulkop/internal/objstore"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/internal/plugins"
	"github.com/ChuLiYu/bulkop/internal/rpc"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bulkop",
		Short: "bulkop: asynchronous bulk operations over a data-object catalog",
		Long: `bulkop runs bulk operations (remove, copy, checksum) on a pool of
workers with:
- pooled, refreshed connections to the storage agent
- progress polling, cancel, pause and resume
- per-item error reporting
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildCommandCommand())
	rootCmd.AddCommand(buildCatalogCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the config file and installs the configured logger.
func setup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bulkop agent",
		Long:  "Serve the control channel and the storage vault until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}
}

// serve runs the agent until ctx ends. ready, when set, gets the bound
// address once the server accepts calls.
func serve(ctx context.Context, cfg *Config, ready func(net.Addr)) error {
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	store, err := objstore.New(cfg.Storage.Root, cfg.Engine.TransferBufferSize)
	if err != nil {
		return err
	}

	registry, err := plugins.NewRegistry(cat)
	if err != nil {
		return fmt.Errorf("failed to build plugin registry: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	ep := cfg.Endpoint()
	if ep.Port == 0 {
		ep.Host, ep.Port = loopback(lis.Addr())
		if ep.Password == "" {
			ep.Password = cfg.Server.Password
		}
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	factory := rpc.Factory(
		grpc.WithReadBufferSize(cfg.Engine.ProbeBufferSize),
		grpc.WithWriteBufferSize(cfg.Engine.ProbeBufferSize))
	ctrl, err := operation.NewController(
		cfg.controllerConfig(connpool.Options{Endpoint: ep, Factory: factory}, collector),
		registry)
	if err != nil {
		lis.Close()
		return fmt.Errorf("failed to create controller: %w", err)
	}

	g := rpc.NewGRPCServer(rpc.RequirePassword(cfg.Server.Password))
	rpc.NewServer(ctrl, store).Register(g)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := g.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(runCtx, cfg.Server.MetricsAddress, promReg); err != nil {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	slog.Info("Agent started",
		"listen", lis.Addr().String(),
		"remote", ep.Address(),
		"catalog", cfg.Catalog.Path,
		"vault", store.Root(),
		"plugins", registry.Names())
	if ready != nil {
		ready(lis.Addr())
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully")
	case runErr = <-errCh:
		slog.Error("Agent failed", "error", runErr)
	}

	for _, s := range ctrl.Sessions() {
		if st := blackboard.Status(s); !st.Terminal() {
			slog.Info("Cancelling operation", "plugin", s[types.KeyPlugin], "op_id", s[types.KeyOpID],
				"status", st, "progress", s[types.KeyProgress])
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := ctrl.Close(shutdownCtx); err != nil {
		slog.Warn("Operations did not stop in time", "error", err)
		g.Stop()
	} else {
		g.GracefulStop()
	}

	slog.Info("Agent stopped")
	return runErr
}

// loopback returns a dialable host and port for a listener address.
func loopback(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "127.0.0.1", 0
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return "127.0.0.1", tcp.Port
	}
	return tcp.IP.String(), tcp.Port
}

// ============================================================================
// Client commands
// ============================================================================

// agent is the client side of the control channel; *rpc.Conn is one.
type agent interface {
	Execute(ctx context.Context, doc types.Document) (types.Document, error)
}

// clientEndpoint is the agent to talk to; port 0 means the locally
// configured listener and its password.
func clientEndpoint(cfg *Config) (connpool.Endpoint, error) {
	ep := cfg.Endpoint()
	if ep.Port != 0 {
		return ep, nil
	}
	if ep.Password == "" {
		ep.Password = cfg.Server.Password
	}
	_, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return ep, fmt.Errorf("invalid server.listen %q: %w", cfg.Server.Listen, err)
	}
	ep.Port, err = strconv.Atoi(port)
	if err != nil || ep.Port == 0 {
		return ep, fmt.Errorf("no agent port configured (remote.port or server.listen)")
	}
	return ep, nil
}

func dialAgent(ctx context.Context, cfg *Config) (*rpc.Conn, error) {
	ep, err := clientEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := rpc.Dial(dialCtx, ep)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	return conn, nil
}

func commandDoc(plugin string, c types.Command) types.Document {
	return types.Document{
		types.KeyRequest: string(types.RequestCommand),
		types.KeyPlugin:  plugin,
		types.KeyCommand: string(c),
	}
}

// parseParams turns key=value pairs into request fields. Values that parse as
// JSON (true, 42, "x", [..]) keep their type; anything else is a string.
func parseParams(pairs []string) (types.Document, error) {
	doc := types.Document{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		var v any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &v); err != nil {
			v = raw
		}
		doc[key] = v
	}
	return doc, nil
}

func buildSubmitCommand() *cobra.Command {
	var params []string
	var sync bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "submit <plugin>",
		Short: "Start a bulk operation and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseParams(params)
			if err != nil {
				return err
			}
			if sync {
				doc[types.KeyAsync] = false
			}

			cfg, err := setup()
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.Engine.ProgressInterval
			}

			conn, err := dialAgent(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, err = submit(cmd.Context(), cmd.OutOrStdout(), conn, args[0], doc, interval, sigCtx.Done())
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "request field as key=value (repeatable)")
	cmd.Flags().BoolVar(&sync, "sync", false, "run synchronously on the agent")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default engine.progress_interval)")

	return cmd
}

// submit starts plugin and polls until it reports a final status. A signal
// on interrupt sends cancel once.
func submit(ctx context.Context, out io.Writer, a agent, plugin string, params types.Document,
	interval time.Duration, interrupt <-chan struct{}) (types.Document, error) {

	req := blackboard.Clone(params)
	req[types.KeyRequest] = string(types.RequestOperation)
	req[types.KeyPlugin] = plugin

	reply, err := a.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !blackboard.Status(reply).Terminal() && len(blackboard.Errors(reply)) > 0 {
		printErrors(out, reply)
		return reply, fmt.Errorf("operation %s not started", plugin)
	}

	id, _ := blackboard.String(reply, types.KeyOpID)
	fmt.Fprintf(out, "Started %s (op_id %s)\n", plugin, id)
	last := printProgress(out, plugin, reply, "")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !blackboard.Status(reply).Terminal() {
		select {
		case <-interrupt:
			interrupt = nil
			fmt.Fprintf(out, "Interrupted, cancelling %s\n", plugin)
			if _, err := a.Execute(ctx, commandDoc(plugin, types.CommandCancel)); err != nil {
				return nil, fmt.Errorf("failed to cancel: %w", err)
			}
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		reply, err = a.Execute(ctx, commandDoc(plugin, types.CommandProgress))
		if err != nil {
			return nil, err
		}
		if blackboard.Status(reply) == types.StatusUnknown {
			return reply, fmt.Errorf("operation %s is no longer known to the agent", plugin)
		}
		last = printProgress(out, plugin, reply, last)
	}

	printErrors(out, reply)
	if blackboard.Status(reply) == types.StatusFailed {
		return reply, fmt.Errorf("operation %s failed", plugin)
	}
	return reply, nil
}

// printProgress prints a status line when it differs from last.
func printProgress(out io.Writer, plugin string, reply types.Document, last string) string {
	progress, _ := blackboard.String(reply, types.KeyProgress)
	line := fmt.Sprintf("[%s] %s %s%%", plugin, blackboard.Status(reply), progress)
	if line != last {
		fmt.Fprintln(out, line)
	}
	return line
}

func printErrors(out io.Writer, reply types.Document) {
	errs := blackboard.Errors(reply)
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(out, "%d error(s):\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(out, "  [%d]::[%s]\n", e.Code, e.Message)
	}
}

func buildCommandCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "command <plugin> <progress|cancel|pause|resume>",
		Short:     "Send one command to a running operation",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"progress", "cancel", "pause", "resume"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if !types.Command(args[1]).Valid() {
				return fmt.Errorf("invalid command %q", args[1])
			}
			cfg, err := setup()
			if err != nil {
				return err
			}
			conn, err := dialAgent(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			return sendCommand(cmd.Context(), cmd.OutOrStdout(), conn, args[0], types.Command(args[1]))
		},
	}
}

func sendCommand(ctx context.Context, out io.Writer, a agent, plugin string, c types.Command) error {
	reply, err := a.Execute(ctx, commandDoc(plugin, c))
	if err != nil {
		return err
	}
	data, err := blackboard.EncodeIndent(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// ============================================================================
// catalog
// ============================================================================

func buildCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and populate the data-object catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import <dir> <collection>",
		Short: "Register every file below dir (inside the vault) under collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			defer cat.Close()

			n, err := cat.Import(cmd.Context(), args[0], args[1], cfg.Storage.Root)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %d data objects under %s\n", n, catalog.CleanPath(args[1]))
			return nil
		},
	}

	var recursive bool
	lsCmd := &cobra.Command{
		Use:   "ls <collection>",
		Short: "List the data objects of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			defer cat.Close()

			return listObjects(cmd.Context(), cmd.OutOrStdout(), cat, args[0], recursive)
		},
	}
	lsCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "include sub-collections")

	cmd.AddCommand(importCmd, lsCmd)
	return cmd
}

func listObjects(ctx context.Context, out io.Writer, cat *catalog.Catalog, coll string, recursive bool) error {
	n := 0
	for obj, err := range cat.Walk(ctx, coll, recursive) {
		if err != nil {
			return err
		}
		sum := obj.Checksum
		if sum == "" {
			sum = "-"
		}
		fmt.Fprintf(out, "%10d  %s  %s\n", obj.Size, sum, obj.LogicalPath)
		n++
	}
	fmt.Fprintf(out, "%d data object(s)\n", n)
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent status",
		Long:  "Display the configuration in effect and whether the agent answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func showStatus(ctx context.Context, out io.Writer, cfg *Config) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           bulkop Agent Status                             ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:       %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Listen:            %s\n", cfg.Server.Listen)
	fmt.Fprintf(out, "  ├─ Workers:           %d per operation, %d operations\n", cfg.Engine.WorkerCount, cfg.Engine.MaxOperations)
	fmt.Fprintf(out, "  ├─ Connection Pool:   %d, refreshed every %s\n", cfg.Engine.ConnectionPoolSize, cfg.Engine.RefreshInterval)
	fmt.Fprintf(out, "  └─ Progress Interval: %s\n", cfg.Engine.ProgressInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Catalog:           %s\n", cfg.Catalog.Path)
	fmt.Fprintf(out, "  └─ Vault:             %s\n", cfg.Storage.Root)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Agent:")
	ep, err := clientEndpoint(cfg)
	if err != nil {
		fmt.Fprintf(out, "  └─ Status: ⚠️  %v\n", err)
	} else {
		fmt.Fprintf(out, "  ├─ Address:  %s as %s#%s\n", ep.Address(), ep.User, ep.Zone)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if conn, err := rpc.Dial(pingCtx, ep); err != nil {
			fmt.Fprintln(out, "  └─ Status:   ⚠️  unreachable")
		} else {
			conn.Close()
			fmt.Fprintln(out, "  └─ Status:   ✅ reachable")
		}
	}
	fmt.Fprintln(out)

	if cfg.Server.MetricsAddress != "" {
		fmt.Fprintf(out, "📈 Metrics: http://%s/metrics\n", cfg.Server.MetricsAddress)
	} else {
		fmt.Fprintln(out, "📈 Metrics: disabled")
	}
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}
