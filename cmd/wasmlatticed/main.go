// wasmlatticed entrypoint.
//
// Host process entrypoint plus the thin CLI contract spec.md §6
// describes: scale-component, start-provider, stop-provider, put-link,
// remove-link, put-config, stop-host, get-hosts, get-host-inventory,
// get-claims, get-links. The CLI is explicitly out of scope for the
// lattice's core per spec.md — "specified only as the contract the
// orchestrator accepts" — so these operations do not implement a
// lattice-wide control-plane RPC (wasmCloud calls that mechanism
// "lattice control" and treats it as an external capability provider,
// itself out of scope here). Operations that only touch the
// Redis-backed claims & link store (put-link, remove-link, put-config,
// get-links, get-claims) work correctly against an already-running
// host process, since the store is shared state. Operations that touch
// in-process engine/supervisor state (scale-component, start-provider,
// stop-provider, get-host-inventory) instead wire and drive a local,
// ephemeral host for the duration of the command — see DESIGN.md.
//
// Usage:
//
//	wasmlatticed serve                       # run the host process
//	wasmlatticed serve --config config.yaml
//	wasmlatticed version
//	wasmlatticed health --addr http://localhost:4000
//	wasmlatticed put-link --source ... --target ... --namespace ... --package ... --link-name ...
//	wasmlatticed remove-link --source ... --namespace ... --package ... --link-name ...
//	wasmlatticed put-config --name ... --values k=v,k2=v2
//	wasmlatticed get-links
//	wasmlatticed get-claims --subject ...
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wasmlattice/wasmlatticed/config"
	"github.com/wasmlattice/wasmlatticed/internal/telemetry"
	"github.com/wasmlattice/wasmlatticed/lattice"
	"github.com/wasmlattice/wasmlatticed/lattice/host"
	"github.com/wasmlattice/wasmlatticed/lattice/store"
	"github.com/wasmlattice/wasmlatticed/lattice/supervisor"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "scale-component":
		runScaleComponent(os.Args[2:])
	case "start-provider":
		runStartProvider(os.Args[2:])
	case "stop-provider":
		runStopProvider(os.Args[2:])
	case "put-link":
		runPutLink(os.Args[2:])
	case "remove-link":
		runRemoveLink(os.Args[2:])
	case "put-config":
		runPutConfig(os.Args[2:])
	case "get-links":
		runGetLinks(os.Args[2:])
	case "get-claims":
		runGetClaims(os.Args[2:])
	case "get-hosts":
		runGetHosts(os.Args[2:])
	case "get-host-inventory":
		runGetHostInventory(os.Args[2:])
	case "stop-host":
		runStopHost(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// serve
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, logger := loadConfigOrExit(*configPath)
	defer logger.Sync()

	logger.Info("starting wasmlatticed",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, *configPath, logger, otelProviders)
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("wasmlatticed stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:4000", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

// =============================================================================
// store-backed operations: connect directly to the shared Redis store,
// which is correct against a remote, already-running host.
// =============================================================================

func openStoreOrExit(configPath string) (*store.Store, *zap.Logger) {
	cfg, logger := loadConfigOrExit(configPath)
	s := store.New(cfg.Store, cfg.Host.LatticeID, "cli", logger)
	if err := s.Refresh(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: refresh store: %v\n", err)
		os.Exit(1)
	}
	return s, logger
}

func runPutLink(args []string) {
	fs := flag.NewFlagSet("put-link", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	source := fs.String("source", "", "Source component ID")
	target := fs.String("target", "", "Target provider ID")
	namespace := fs.String("namespace", "", "WIT namespace")
	pkg := fs.String("package", "", "WIT package")
	linkName := fs.String("link-name", "default", "Link name")
	interfaces := fs.String("interfaces", "", "Comma-separated WIT interfaces")
	sourceConfig := fs.String("source-config", "", "Comma-separated named config entries applied at source")
	targetConfig := fs.String("target-config", "", "Comma-separated named config entries applied at target")
	fs.Parse(args)

	if *source == "" || *target == "" || *namespace == "" || *pkg == "" {
		fmt.Fprintln(os.Stderr, "rejected: --source, --target, --namespace, and --package are required")
		os.Exit(1)
	}

	s, _ := openStoreOrExit(*configPath)
	link := lattice.Link{
		SourceID:     *source,
		TargetID:     *target,
		Namespace:    *namespace,
		Package:      *pkg,
		LinkName:     *linkName,
		Interfaces:   splitCSV(*interfaces),
		SourceConfig: splitCSV(*sourceConfig),
		TargetConfig: splitCSV(*targetConfig),
	}
	if err := s.PutLink(context.Background(), link); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runRemoveLink(args []string) {
	fs := flag.NewFlagSet("remove-link", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	source := fs.String("source", "", "Source component ID")
	namespace := fs.String("namespace", "", "WIT namespace")
	pkg := fs.String("package", "", "WIT package")
	linkName := fs.String("link-name", "default", "Link name")
	fs.Parse(args)

	if *source == "" || *namespace == "" || *pkg == "" {
		fmt.Fprintln(os.Stderr, "rejected: --source, --namespace, and --package are required")
		os.Exit(1)
	}

	s, _ := openStoreOrExit(*configPath)
	if err := s.RemoveLink(context.Background(), *source, *namespace, *pkg, *linkName); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runPutConfig(args []string) {
	fs := flag.NewFlagSet("put-config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	name := fs.String("name", "", "Config name")
	values := fs.String("values", "", "Comma-separated key=value pairs")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "rejected: --name is required")
		os.Exit(1)
	}

	s, _ := openStoreOrExit(*configPath)
	if err := s.PutConfig(context.Background(), lattice.Config{Name: *name, Values: splitKV(*values)}); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runGetLinks(args []string) {
	fs := flag.NewFlagSet("get-links", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	s, _ := openStoreOrExit(*configPath)
	printJSON(s.GetLinks())
}

func runGetClaims(args []string) {
	fs := flag.NewFlagSet("get-claims", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	subject := fs.String("subject", "", "Claims subject")
	fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "rejected: --subject is required")
		os.Exit(1)
	}

	s, _ := openStoreOrExit(*configPath)
	c, ok := s.GetClaims(*subject)
	if !ok {
		fmt.Fprintf(os.Stderr, "rejected: no claims for subject %q\n", *subject)
		os.Exit(1)
	}
	printJSON(c)
}

// =============================================================================
// host-scoped operations. Without a lattice-wide control-plane RPC these
// wire and drive a local, short-lived host rather than an already
// running remote process — see DESIGN.md.
// =============================================================================

func wireLocalHostOrExit(configPath string) (*host.Host, *zap.Logger, func()) {
	cfg, logger := loadConfigOrExit(configPath)
	h, err := host.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rejected: wire host: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "rejected: start host: %v\n", err)
		os.Exit(1)
	}
	return h, logger, func() {
		_ = h.Shutdown(context.Background())
		cancel()
	}
}

func runScaleComponent(args []string) {
	fs := flag.NewFlagSet("scale-component", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	componentID := fs.String("component-id", "", "Component ID")
	imageRef := fs.String("image-ref", "", "Component image reference")
	count := fs.Int("count", 1, "Desired instance count")
	maxExecTime := fs.Duration("max-exec-time", 10*time.Second, "Per-invocation execution deadline")
	fs.Parse(args)

	if *componentID == "" || *imageRef == "" {
		fmt.Fprintln(os.Stderr, "rejected: --component-id and --image-ref are required")
		os.Exit(1)
	}

	h, _, done := wireLocalHostOrExit(*configPath)
	defer done()

	err := h.Orchestrator.ScaleComponent(context.Background(), *componentID, *imageRef, nil, "", *count, *maxExecTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runStartProvider(args []string) {
	fs := flag.NewFlagSet("start-provider", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	providerID := fs.String("provider-id", "", "Provider ID")
	imageRef := fs.String("image-ref", "", "Provider image reference")
	controlURL := fs.String("control-url", "", "Provider control-channel websocket URL")
	fs.Parse(args)

	if *providerID == "" || *controlURL == "" {
		fmt.Fprintln(os.Stderr, "rejected: --provider-id and --control-url are required")
		os.Exit(1)
	}

	h, _, done := wireLocalHostOrExit(*configPath)
	defer done()

	conn, err := supervisor.DialControlConn(context.Background(), *controlURL, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rejected: dial provider control channel: %v\n", err)
		os.Exit(1)
	}

	if err := h.Orchestrator.StartProvider(context.Background(), lattice.Provider{ID: *providerID, ImageRef: *imageRef}, conn); err != nil {
		_ = conn.Close()
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runStopProvider(args []string) {
	fs := flag.NewFlagSet("stop-provider", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	providerID := fs.String("provider-id", "", "Provider ID")
	fs.Parse(args)

	if *providerID == "" {
		fmt.Fprintln(os.Stderr, "rejected: --provider-id is required")
		os.Exit(1)
	}

	h, _, done := wireLocalHostOrExit(*configPath)
	defer done()

	if err := h.Orchestrator.StopProvider(context.Background(), *providerID); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("accepted")
}

func runGetHosts(args []string) {
	fs := flag.NewFlagSet("get-hosts", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	h, _, done := wireLocalHostOrExit(*configPath)
	defer done()

	printJSON([]struct {
		ID        string            `json:"id"`
		LatticeID string            `json:"lattice_id"`
		Labels    map[string]string `json:"labels"`
		StartedAt time.Time         `json:"started_at"`
	}{{ID: h.ID, LatticeID: h.LatticeID, Labels: h.Labels, StartedAt: h.StartedAt}})
}

func runGetHostInventory(args []string) {
	fs := flag.NewFlagSet("get-host-inventory", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	h, _, done := wireLocalHostOrExit(*configPath)
	defer done()

	printJSON(h.Engine.Inventory())
}

func runStopHost(args []string) {
	fs := flag.NewFlagSet("stop-host", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	h, logger, _ := wireLocalHostOrExit(*configPath)
	if err := h.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
		os.Exit(1)
	}
	logger.Info("host stopped")
	fmt.Println("accepted")
}

// =============================================================================
// shared helpers
// =============================================================================

func loadConfigOrExit(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rejected: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "rejected: invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg, initLogger(cfg.Log)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitKV(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitCSV(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printVersion() {
	fmt.Printf("wasmlatticed %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`wasmlatticed - WebAssembly component lattice host

Usage:
  wasmlatticed <command> [options]

Commands:
  serve               Start the host process
  version             Show version information
  health               Check server health
  scale-component      Load/scale a component on a local host
  start-provider       Start a provider against a local host
  stop-provider        Stop a provider on a local host
  put-link             Create or update a link (shared store)
  remove-link          Remove a link (shared store)
  put-config           Create or update a named config (shared store)
  get-links            List links (shared store)
  get-claims           Fetch claims for a subject (shared store)
  get-hosts            Describe a local host
  get-host-inventory   List components loaded on a local host
  stop-host            Stop a local host
  help                 Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  wasmlatticed serve
  wasmlatticed serve --config /etc/wasmlatticed/config.yaml
  wasmlatticed put-link --source MCOMP --target VPROV --namespace wasi --package keyvalue
  wasmlatticed health --addr http://localhost:4000
  wasmlatticed version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	} else {
		zapConfig.Encoding = "json"
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
