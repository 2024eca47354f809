package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkop/internal/blackboard"
	"github.com/ChuLiYu/bulkop/internal/catalog"
	"github.com/ChuLiYu/bulkop/internal/connpool"
	"github.com/ChuLiYu/bulkop/internal/monitor"
	"github.com/ChuLiYu/bulkop/internal/operation"
	"github.com/ChuLiYu/bulkop/internal/rpc"
	"github.com/ChuLiYu/bulkop/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "bulkop", cmd.Use, "Root command should be 'bulkop'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	for _, name := range []string{"serve", "submit", "command", "catalog", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Name())

	paramFlag := cmd.Flags().Lookup("param")
	require.NotNil(t, paramFlag, "Should have --param flag")
	assert.Equal(t, "p", paramFlag.Shorthand, "Should have -p shorthand")
	assert.NotNil(t, cmd.Flags().Lookup("sync"))
	assert.NotNil(t, cmd.Flags().Lookup("interval"))

	assert.Error(t, cmd.Args(cmd, nil), "plugin argument is required")
}

func TestBuildCommandCommand(t *testing.T) {
	cmd := buildCommandCommand()

	assert.Equal(t, "command", cmd.Name())
	assert.Error(t, cmd.Args(cmd, []string{"remove"}))
	assert.NoError(t, cmd.Args(cmd, []string{"remove", "cancel"}))

	err := cmd.RunE(cmd, []string{"remove", "explode"})
	assert.ErrorContains(t, err, "invalid command")
}

func TestBuildCatalogCommand(t *testing.T) {
	cmd := buildCatalogCommand()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["import"])
	assert.True(t, names["ls"])
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use, "Command should be 'status'")
	assert.Contains(t, cmd.Short, "status", "Short description should mention 'status'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

// ============================================================================
// Configuration
// ============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen: "0.0.0.0:2247"
  metrics_address: "127.0.0.1:9191"

engine:
  worker_count: 16
  max_operations: 2
  queue_size: 64
  connection_pool_size: 6
  refresh_interval: 2m
  progress_interval: 250ms
  transfer_buffer_size: 1048576
  probe_buffer_size: 65536

remote:
  host: "storage.example.org"
  port: 1247
  user: "alice"
  zone: "labZone"
  proxy_user: "rods"
  proxy_zone: "tempZone"

catalog:
  path: "/var/lib/bulkop/catalog.db"

storage:
  root: "/var/lib/bulkop/vault"

log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0:2247", cfg.Server.Listen)
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.MetricsAddress)

	assert.Equal(t, 16, cfg.Engine.WorkerCount)
	assert.Equal(t, 2, cfg.Engine.MaxOperations)
	assert.Equal(t, 64, cfg.Engine.QueueSize)
	assert.Equal(t, 6, cfg.Engine.ConnectionPoolSize)
	assert.Equal(t, 2*time.Minute, cfg.Engine.RefreshInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.ProgressInterval)
	assert.Equal(t, 1<<20, cfg.Engine.TransferBufferSize)
	assert.Equal(t, 64<<10, cfg.Engine.ProbeBufferSize)

	ep := cfg.Endpoint()
	assert.Equal(t, "storage.example.org:1247", ep.Address())
	assert.Equal(t, "alice", ep.User)
	assert.Equal(t, "labZone", ep.Zone)
	assert.Equal(t, "rods", ep.ProxyUser)
	assert.Equal(t, "tempZone", ep.ProxyZone)

	assert.Equal(t, "/var/lib/bulkop/catalog.db", cfg.Catalog.Path)
	assert.Equal(t, "/var/lib/bulkop/vault", cfg.Storage.Root)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
engine:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err, "Empty YAML file should parse without error")

	assert.Equal(t, "127.0.0.1:1247", cfg.Server.Listen)
	assert.Empty(t, cfg.Server.MetricsAddress)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 4, cfg.Engine.MaxOperations)
	assert.Equal(t, 1024, cfg.Engine.QueueSize)
	assert.Equal(t, 4, cfg.Engine.ConnectionPoolSize)
	assert.Equal(t, connpool.DefaultRefreshInterval, cfg.Engine.RefreshInterval)
	assert.Equal(t, 300*time.Second, cfg.Engine.RefreshInterval)
	assert.Equal(t, monitor.DefaultInterval, cfg.Engine.ProgressInterval)
	assert.Equal(t, 4<<20, cfg.Engine.TransferBufferSize)
	assert.Equal(t, 32<<10, cfg.Engine.ProbeBufferSize)
	assert.Equal(t, "rods", cfg.Remote.User)
	assert.Equal(t, "tempZone", cfg.Remote.Zone)
	assert.Zero(t, cfg.Remote.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
engine:
  worker_count: 2
`))
	require.NoError(t, err, "Partial config should parse successfully")
	assert.Equal(t, 2, cfg.Engine.WorkerCount, "Worker count should be set")
	assert.Equal(t, 4, cfg.Engine.ConnectionPoolSize, "Unset fields should get defaults")
}

func TestLoadConfig_RejectsNegativeValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"workers", "engine:\n  worker_count: -1\n"},
		{"pool", "engine:\n  connection_pool_size: -4\n"},
		{"interval", "engine:\n  progress_interval: -1s\n"},
		{"port", "remote:\n  port: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestClientEndpoint(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	ep, err := clientEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1247, ep.Port, "port 0 follows server.listen")

	cfg.Remote.Port = 5000
	ep, err = clientEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5000, ep.Port)

	cfg.Remote.Port = 0
	cfg.Server.Password = "s3cret"
	ep, err = clientEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", ep.Password, "the local agent's password")

	cfg.Remote.Password = "other"
	ep, err = clientEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, "other", ep.Password)

	cfg.Server.Listen = "127.0.0.1:0"
	_, err = clientEndpoint(cfg)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	doc, err := parseParams([]string{
		"logical_path=/tempZone/home/rods/x",
		"recursive=true",
		"limit=5",
		`name="quoted"`,
		"expr=a=b",
		"empty=",
	})
	require.NoError(t, err)

	assert.Equal(t, types.Document{
		"logical_path": "/tempZone/home/rods/x",
		"recursive":    true,
		"limit":        float64(5),
		"name":         "quoted",
		"expr":         "a=b",
		"empty":        "",
	}, doc)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

// ============================================================================
// Client flow against an in-process controller
// ============================================================================

// controllerAgent calls the controller directly instead of over gRPC.
type controllerAgent struct {
	ctrl *operation.Controller
}

func (a controllerAgent) Execute(ctx context.Context, doc types.Document) (types.Document, error) {
	return a.ctrl.Handle(ctx, doc), nil
}

type countingPlugin struct {
	items   int
	delay   time.Duration
	fail    error
	started atomic.Int64
}

func (p *countingPlugin) Name() string { return "remove" }
func (p *countingPlugin) Async() bool  { return true }

func (p *countingPlugin) Run(ctx context.Context, env *operation.Env, _ types.Document) error {
	if p.fail != nil {
		return p.fail
	}
	seq := iter.Seq2[int, error](func(yield func(int, error) bool) {
		for i := 0; i < p.items; i++ {
			if !yield(i, nil) {
				return
			}
		}
	})
	_, err := operation.RunBulk(ctx, env, p.items, seq, func(ctx context.Context, i int) error {
		p.started.Add(1)
		time.Sleep(p.delay)
		if i == 3 {
			return errors.New("item three is broken")
		}
		return nil
	})
	return err
}

func newAgent(t *testing.T, p operation.Plugin) controllerAgent {
	t.Helper()
	reg, err := operation.NewRegistry(p)
	require.NoError(t, err)
	ctrl, err := operation.NewController(operation.Config{Workers: 2, ProgressInterval: 5 * time.Millisecond}, reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, ctrl.Close(ctx))
	})
	return controllerAgent{ctrl: ctrl}
}

func TestSubmitFollowsToCompletion(t *testing.T) {
	a := newAgent(t, &countingPlugin{items: 20, delay: time.Millisecond})
	var out bytes.Buffer

	reply, err := submit(context.Background(), &out, a, "remove", types.Document{}, 5*time.Millisecond, nil)
	require.NoError(t, err)

	assert.Equal(t, types.StatusComplete, blackboard.Status(reply))
	assert.Contains(t, out.String(), "Started remove")
	assert.Contains(t, out.String(), "[remove] complete 100%")
	assert.Contains(t, out.String(), "1 error(s):")
	assert.Contains(t, out.String(), "item three is broken")
}

func TestSubmitReportsFailure(t *testing.T) {
	a := newAgent(t, &countingPlugin{fail: errors.New("catalog unavailable")})
	var out bytes.Buffer

	reply, err := submit(context.Background(), &out, a, "remove", types.Document{}, 5*time.Millisecond, nil)
	assert.ErrorContains(t, err, "operation remove failed")
	assert.Equal(t, types.StatusFailed, blackboard.Status(reply))
	assert.Contains(t, out.String(), "catalog unavailable")
}

func TestSubmitInterruptCancels(t *testing.T) {
	p := &countingPlugin{items: 500, delay: 2 * time.Millisecond}
	a := newAgent(t, p)
	var out bytes.Buffer

	interrupt := make(chan struct{})
	close(interrupt)

	reply, err := submit(context.Background(), &out, a, "remove", types.Document{}, 5*time.Millisecond, interrupt)
	require.NoError(t, err)

	assert.Equal(t, types.StatusComplete, blackboard.Status(reply))
	assert.Contains(t, out.String(), "Interrupted, cancelling remove")
	assert.Less(t, p.started.Load(), int64(500))
}

func TestSubmitUnknownPlugin(t *testing.T) {
	a := newAgent(t, &countingPlugin{items: 1})
	var out bytes.Buffer

	_, err := submit(context.Background(), &out, a, "replicate", types.Document{}, 5*time.Millisecond, nil)
	assert.ErrorContains(t, err, "replicate failed")
	assert.Contains(t, out.String(), "replicate: unknown plugin")
}

func TestSubmitWhileRunning(t *testing.T) {
	a := newAgent(t, &countingPlugin{items: 200, delay: 2 * time.Millisecond})
	first := a.ctrl.Handle(context.Background(), types.Document{
		types.KeyRequest: string(types.RequestOperation),
		types.KeyPlugin:  "remove",
	})
	require.Equal(t, types.StatusRunning, blackboard.Status(first))

	var out bytes.Buffer
	_, err := submit(context.Background(), &out, a, "remove", types.Document{}, 5*time.Millisecond, nil)
	assert.ErrorContains(t, err, "not started")
	assert.Contains(t, out.String(), "operation already running")

	a.ctrl.Handle(context.Background(), commandDoc("remove", types.CommandCancel))
}

func TestSendCommand(t *testing.T) {
	a := newAgent(t, &countingPlugin{items: 1})
	var out bytes.Buffer

	require.NoError(t, sendCommand(context.Background(), &out, a, "remove", types.CommandProgress))
	doc, err := blackboard.Decode(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "unknown", doc[types.KeyStatus])
}

func TestListObjects(t *testing.T) {
	cat, err := catalog.Open(":memory:")
	require.NoError(t, err)
	defer cat.Close()

	ctx := context.Background()
	require.NoError(t, cat.Register(ctx, catalog.Object{LogicalPath: "/z/a", Size: 3, Checksum: "sha2:x"}))
	require.NoError(t, cat.Register(ctx, catalog.Object{LogicalPath: "/z/sub/b", Size: 12}))

	var out bytes.Buffer
	require.NoError(t, listObjects(ctx, &out, cat, "/z", true))
	assert.Contains(t, out.String(), "sha2:x  /z/a")
	assert.Contains(t, out.String(), "-  /z/sub/b")
	assert.Contains(t, out.String(), "2 data object(s)")
}

func TestShowStatus(t *testing.T) {
	// reserve a port nobody listens on
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	cfg := &Config{}
	cfg.Server.Listen = addr
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), &out, cfg))
	assert.Contains(t, out.String(), "bulkop Agent Status")
	assert.Contains(t, out.String(), addr)
	assert.Contains(t, out.String(), "unreachable")
	assert.Contains(t, out.String(), "Metrics: disabled")
}

// ============================================================================
// serve end to end
// ============================================================================

func TestServeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Engine.WorkerCount = 4
	cfg.Engine.ProgressInterval = 5 * time.Millisecond
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.Storage.Root = filepath.Join(dir, "vault")
	cfg.Server.Password = "s3cret"
	require.NoError(t, cfg.Validate())

	// files already in the vault, registered before the agent starts
	incoming := filepath.Join(cfg.Storage.Root, "tempZone", "home", "rods", "run")
	for i := 0; i < 12; i++ {
		p := filepath.Join(incoming, fmt.Sprintf("sub%d", i%3), fmt.Sprintf("f%02d.dat", i))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", i+1)), 0o644))
	}
	cat, err := catalog.Open(cfg.Catalog.Path)
	require.NoError(t, err)
	n, err := cat.Import(context.Background(), incoming, "/tempZone/home/rods/run", cfg.Storage.Root)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.NoError(t, cat.Close())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	served := make(chan error, 1)
	go func() { served <- serve(ctx, cfg, func(a net.Addr) { ready <- a }) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-served:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not start")
	}

	ep := cfg.Endpoint()
	ep.Host, ep.Port = loopback(addr)
	_, err = rpc.Dial(context.Background(), ep)
	require.Error(t, err, "the agent requires server.password")

	ep.Password = cfg.Server.Password
	conn, err := rpc.Dial(context.Background(), ep)
	require.NoError(t, err)
	defer conn.Close()

	var out bytes.Buffer
	reply, err := submit(context.Background(), &out, conn, "remove", types.Document{
		"logical_path": "/tempZone/home/rods/run",
		"recursive":    true,
	}, 5*time.Millisecond, nil)
	require.NoError(t, err, out.String())
	assert.Equal(t, types.StatusComplete, blackboard.Status(reply))
	assert.Empty(t, blackboard.Errors(reply))
	assert.EqualValues(t, 12, reply[types.KeyCollected])

	entries, err := os.ReadDir(cfg.Storage.Root)
	require.NoError(t, err)
	assert.Empty(t, entries, "every file removed and directories pruned")

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}
