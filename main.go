package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwoglom/btsession/pkg/api"
	"github.com/jwoglom/btsession/pkg/bluetooth"
	"github.com/jwoglom/btsession/pkg/config"
	"github.com/jwoglom/btsession/pkg/session"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")

	var backend = flag.String("backend", "", "bluetooth backend: bluez, gatt or ctl (env BTSESSION_BACKEND, default bluez)")
	var adapterID = flag.String("adapter", "", "local controller, e.g. hci0 (env BTSESSION_ADAPTER)")
	var listen = flag.String("listen", "", "HTTP/WebSocket listen address (env BTSESSION_LISTEN, default :8080)")
	var grants = flag.String("grants", "", "comma separated permissions: scan, connect, all or none (env BTSESSION_GRANTS, default all)")
	var transport = flag.String("transport", "", "discovery transport: auto, le or bredr (env BTSESSION_TRANSPORT)")
	var ctlPath = flag.String("ctl-path", "", "bluetoothctl binary for the ctl backend (env BTSESSION_CTL_PATH)")
	var rfcommMax = flag.String("rfcomm-max-channel", "", "highest RFCOMM channel probed when pairing (env BTSESSION_RFCOMM_MAX_CHANNEL)")

	flag.Parse()

	logLevel := "debug"
	if *traceLevel {
		log.SetLevel(log.TraceLevel)
		logLevel = "trace"
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
		logLevel = "info"
	} else {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg, err := config.New(*backend, *adapterID, *listen, *grants, *transport, *ctlPath, *rfcommMax, logLevel)
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	log.Info("Starting Bluetooth session service")
	log.Info("Backend:     ", cfg.Backend)
	log.Info("Adapter:     ", cfg.AdapterID)
	log.Info("Transport:   ", cfg.Transport)
	log.Info("Permissions: ", cfg.Grants)

	adapter, err := bluetooth.Open(cfg.Backend, cfg.AdapterOptions())
	if err != nil {
		log.Fatalf("Could not open bluetooth adapter: %s", err)
	}

	server := api.New(cfg.Listen)

	sess, err := session.New(adapter, cfg.Grants, session.WithNotifier(server))
	if err != nil {
		log.Fatalf("Could not create session: %s", err)
	}
	server.SetController(sess)

	if !sess.IsBluetoothEnabled() {
		log.Warn("Bluetooth adapter is disabled, discovery and pairing will fail until it is powered on")
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("%s", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	if err := sess.Release(); err != nil {
		log.Warnf("Session release: %v", err)
	}
	if err := adapter.Close(); err != nil {
		log.Warnf("Adapter close: %v", err)
	}
}
