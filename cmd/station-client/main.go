// station-client is a minimal charge-point simulator: it dials a CSMS,
// negotiates ocpp1.6, sends BootNotification and then heartbeats on
// the interval the CSMS returned. It exercises the client half of the
// runtime - dialing, reconnect with backoff, outbound buffering while
// reconnecting - against any OCPP-J central system.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/rpcengine"
	"github.com/ocppware/ocppws-go/internal/station"
	"github.com/ocppware/ocppws-go/internal/transport"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	urlFlag := flag.String("url", "ws://127.0.0.1:8080/ocpp/CP001", "CSMS endpoint including identity")
	vendor := flag.String("vendor", "ocppws", "chargePointVendor reported in BootNotification")
	model := flag.String("model", "sim-1", "chargePointModel reported in BootNotification")
	reconnects := flag.Int("max-reconnects", 5, "Reconnect attempts before giving up")
	logDir := flag.String("log-dir", "logs", "Directory for log files")
	flag.Parse()

	if *showVersion {
		fmt.Printf("station-client %s\n", Version)
		return
	}

	if err := logger.Init(*logDir); err != nil {
		fmt.Fprintf(os.Stderr, "station-client: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	conn := station.New(station.Config{
		Variant:       ocpp.Variant16,
		Dialer:        transport.NewGorillaDialer(10 * time.Second),
		URL:           *urlFlag,
		Protocols:     []string{string(ocpp.Variant16)},
		Reconnect:     true,
		MaxReconnects: *reconnects,
	})

	opened := make(chan struct{}, 1)
	conn.OnEvent(func(ev station.Event) {
		switch ev.Type {
		case station.EventOpen:
			select {
			case opened <- struct{}{}:
			default:
			}
		case station.EventDisconnect:
			logger.Info("station-client: transport lost, reconnecting")
		case station.EventClose:
			logger.Info("station-client: closed (code %d): %s", ev.Code, ev.Reason)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		logger.Fatalf("station-client: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-opened:
	case <-conn.Done():
		logger.Fatalf("station-client: could not reach %s", *urlFlag)
	case <-sigCh:
		_ = conn.Close(station.CloseOpts{Code: ocpp.CloseNormal, Reason: "interrupted", Force: true})
		return
	}

	interval, err := boot(ctx, conn, *vendor, *model)
	if err != nil {
		logger.Error("station-client: BootNotification: %v", err)
		interval = 300
	}
	logger.Info("station-client: booted, heartbeat every %ds", interval)

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := conn.Engine().Call(ctx, "Heartbeat", map[string]any{}, rpcengine.CallOpts{}); err != nil {
				logger.Error("station-client: Heartbeat: %v", err)
			}
		case <-conn.Done():
			logger.Info("station-client: connection closed for good")
			return
		case sig := <-sigCh:
			logger.Info("station-client: received %s, closing", sig)
			_ = conn.Close(station.CloseOpts{Code: ocpp.CloseNormal, Reason: "shutting down"})
			return
		}
	}
}

// boot sends BootNotification and returns the heartbeat interval the
// central system asked for.
func boot(ctx context.Context, conn *station.Connection, vendor, model string) (int, error) {
	raw, err := conn.Engine().Call(ctx, "BootNotification", map[string]any{
		"chargePointVendor": vendor,
		"chargePointModel":  model,
	}, rpcengine.CallOpts{})
	if err != nil {
		return 0, err
	}
	var reply struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return 0, err
	}
	if reply.Status != "Accepted" {
		return 0, fmt.Errorf("boot rejected: %s", reply.Status)
	}
	if reply.Interval <= 0 {
		reply.Interval = 300
	}
	return reply.Interval, nil
}
