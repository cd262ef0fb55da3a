// csms-server is the reference CSMS binary: it loads ocppws.jsonc,
// mounts a single /ocpp/:identity route with handlers for the common
// ocpp1.6 bootstrap actions, and serves the WebSocket upgrade endpoint
// alongside /health, /ready and /metrics. Operators building a real
// central system embed internal/csms directly; this binary is the
// smallest deployable assembly of the same parts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocppware/ocppws-go/internal/auth"
	"github.com/ocppware/ocppws-go/internal/cluster"
	"github.com/ocppware/ocppws-go/internal/config"
	"github.com/ocppware/ocppws-go/internal/csms"
	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/plugin"
	"github.com/ocppware/ocppws-go/internal/router"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config-dir", "", "Directory containing ocppws.jsonc")
	addrFlag := flag.String("addr", "", "Listen address override")
	dataDir := flag.String("data-dir", "data", "Directory for the credential store")
	logDir := flag.String("log-dir", "logs", "Directory for log files")
	jsonLogs := flag.Bool("json-logs", true, "Structured logs as JSON (text when false)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("csms-server %s\n", Version)
		return
	}

	if err := logger.Init(*logDir); err != nil {
		fmt.Fprintf(os.Stderr, "csms-server: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(*logDir, *jsonLogs); err != nil {
		fmt.Fprintf(os.Stderr, "csms-server: initializing structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.CloseSlog() }()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		logger.Fatalf("csms-server: %v", err)
	}

	addr := cfg.Server.Address
	if *addrFlag != "" {
		addr = *addrFlag
	}

	var store *auth.Store
	if cfg.Server.SecurityProfile >= 1 {
		store, err = auth.NewStore(*dataDir)
		if err != nil {
			logger.Fatalf("csms-server: opening credential store: %v", err)
		}
		defer func() { _ = store.Close() }()
		if cfg.Security != nil && len(cfg.Security.SeedAccounts) > 0 {
			seeds := make([]auth.SeedAccount, 0, len(cfg.Security.SeedAccounts))
			for _, a := range cfg.Security.SeedAccounts {
				seeds = append(seeds, auth.SeedAccount{Identity: a.Identity, Password: a.Password})
			}
			if err := store.Seed(seeds); err != nil {
				logger.Fatalf("csms-server: seeding credentials: %v", err)
			}
		}
	}

	var adapter *cluster.Adapter
	if cfg.ConfigDefaults.Cluster.Enabled {
		cc := cfg.ConfigDefaults.Cluster
		redisOpts := cluster.RedisOptions{Addrs: []string{cc.Addr}}
		if cfg.Security != nil {
			redisOpts.Username = cfg.Security.Cluster.Username
			redisOpts.Password = cfg.Security.Cluster.Password
		}
		drv, err := cluster.NewDriver(cc.Mode, redisOpts)
		if err != nil {
			logger.Fatalf("csms-server: %v", err)
		}
		drv.OnError(func(err error) { logger.Error("csms-server: cluster driver: %v", err) })
		adapter = cluster.New(drv, cluster.Options{
			NodeID:        cc.NodeID,
			ChannelPrefix: cc.ChannelPrefix,
			StreamMaxLen:  cc.StreamMaxLen,
		})
	}

	plugins := plugin.NewRegistry()
	if err := plugins.Register(context.Background(), plugin.Funcs{
		Connection: func(ctx context.Context, identity string) {
			logger.Info("station connected: %s", identity)
		},
		Disconnect: func(ctx context.Context, identity string, reason error) {
			logger.Info("station disconnected: %s (%v)", identity, reason)
		},
	}); err != nil {
		logger.Fatalf("csms-server: registering plugin: %v", err)
	}

	r := router.New()
	r.Handle("ocpp1.6", "BootNotification", func(ctx context.Context, action string, payload json.RawMessage) (any, error) {
		return map[string]any{
			"status":      "Accepted",
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    300,
		}, nil
	})
	r.Handle("ocpp1.6", "Heartbeat", func(ctx context.Context, action string, payload json.RawMessage) (any, error) {
		return map[string]any{"currentTime": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	r.Register("/ocpp/:identity")

	server := csms.New(csms.Options{
		Config:      cfg,
		Variants:    cfg.Variants,
		AuthStore:   store,
		Cluster:     clusterOrNil(adapter),
		Plugins:     []csms.Plugin{plugins},
		MaxSessions: cfg.Server.MaxSessions,
	})
	if err := server.Mount(r); err != nil {
		logger.Fatalf("csms-server: %v", err)
	}

	if adapter != nil {
		adapter.Start()
	}

	httpServer := &http.Server{Addr: addr, Handler: server.Mux()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("csms-server %s listening on %s (security profile %d)", Version, addr, cfg.Server.SecurityProfile)
		if cfg.Server.SecurityProfile >= 2 {
			errCh <- httpServer.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("csms-server: received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("csms-server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	server.Shutdown(shutdownCtx)
	plugins.Close(shutdownCtx)
	if adapter != nil {
		adapter.Stop()
	}
}

// clusterOrNil avoids handing csms.New a typed-nil interface value.
func clusterOrNil(a *cluster.Adapter) csms.ClusterAdapter {
	if a == nil {
		return nil
	}
	return a
}

func loadConfig(configDir string) (*config.LoadedConfig, error) {
	path, err := config.FindConfigPath(configDir)
	if err != nil {
		// No config file is fine: run on defaults.
		return config.DefaultLoadedConfig(), nil
	}
	unified, err := config.LoadUnifiedConfig(path)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(); err != nil {
		return nil, err
	}
	return unified.ToLoadedConfig(configDir), nil
}
