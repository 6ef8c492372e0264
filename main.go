package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"device-opcua/config"
	dataforwarding "device-opcua/data-forwarding"
	opcua "device-opcua/driver/opcua"
	"device-opcua/logic"
	"device-opcua/mqtt_broker"
	"device-opcua/webui"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEVICE_OPCUA_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("MAIN: Error loading config: %v", err)
	}
	if err := logic.SetupLogging(cfg.Log.Level, cfg.Log.Format, cfg.Log.MaxEntries); err != nil {
		logrus.Fatalf("MAIN: Error setting up logging: %v", err)
	}

	db, err := logic.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logrus.Fatalf("MAIN: Error initializing database: %v", err)
	}
	defer db.Close()

	// Broker user of the service's own MQTT clients
	servicePassword, err := logic.EnsureServiceUser(db, cfg.Broker.ServiceUser,
		cfg.Broker.EventTopic, cfg.Broker.StateTopic, cfg.Commands.Topic)
	if err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}
	ledger, err := logic.LoadAuthLedger(db)
	if err != nil {
		logrus.Fatalf("MAIN: Error loading broker users: %v", err)
	}

	// Start MQTT-Broker
	brokerOpts := mqtt_broker.Options{
		AuthLedger: ledger,
		AllowAll:   cfg.Broker.AllowAll,
		TLS:        cfg.Broker.TLS,
		Listeners:  cfg.Broker.Listeners,
		EventTopic: cfg.Broker.EventTopic,
	}
	if cfg.Broker.TLS || hasTLSListener(cfg.Broker.Listeners) {
		cert, err := logic.LoadOrCreateCert(cfg.Broker.CertFile, cfg.Broker.KeyFile)
		if err != nil {
			logrus.Fatalf("MAIN: Error loading broker certificate: %v", err)
		}
		brokerOpts.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	publisher := mqtt_broker.New(brokerOpts)
	if err := publisher.Start(cfg.Broker.Port); err != nil {
		logrus.Fatalf("MAIN: %v", err)
	}
	logrus.Info("MAIN: Broker started.")

	// OPC-UA driver
	certDir := "."
	if cfg.Database.Driver == "sqlite" {
		certDir = filepath.Dir(cfg.Database.DSN)
	}
	protocol := opcua.NewProtocolManager(opcua.ClientConfig{
		SecurityMode:      cfg.OPCUA.SecurityMode,
		SecurityPolicy:    cfg.OPCUA.SecurityPolicy,
		CertFile:          cfg.OPCUA.CertFile,
		KeyFile:           cfg.OPCUA.KeyFile,
		CertDir:           certDir,
		Username:          cfg.OPCUA.Username,
		Password:          cfg.OPCUA.Password,
		RequestTimeout:    cfg.OPCUA.RequestTimeout,
		AutoReconnect:     cfg.OPCUA.AutoReconnect,
		ReconnectInterval: cfg.OPCUA.ReconnectInterval,
	})
	objects := logic.NewObjectStore()
	transactions := logic.NewTransactions()
	driver := opcua.NewDriver(protocol,
		opcua.NewDispatcher(protocol, cfg.OPCUA.RequestTimeout),
		objects,
		transactions,
		opcua.NewDiscoverer(cfg.OPCUA.DiscoveryURLs, nil))

	// Metadata store
	ctx := context.Background()
	store, err := logic.NewDeviceStore(ctx, db)
	if err != nil {
		logrus.Fatalf("MAIN: Error loading metadata: %v", err)
	}
	if len(cfg.Devices) > 0 {
		if err := store.Seed(ctx, cfg.Devices); err != nil {
			logrus.Fatalf("MAIN: Error seeding devices: %v", err)
		}
	}

	if err := driver.Initialize(ctx, store.Devices()); err != nil {
		logrus.Fatalf("MAIN: Error starting OPC-UA driver: %v", err)
	}

	// Start Driver
	manager := logic.NewManager(store, driver, publisher, logic.NewPublishPolicy(), cfg.Broker.StateTopic)
	manager.StartAll()

	commands := logic.NewCommands(store, driver, transactions, cfg.Commands.Timeout)

	var listener *logic.CommandListener
	if cfg.Commands.Enabled {
		listener = logic.NewCommandListener(cfg.Commands.BrokerURL, cfg.Broker.ServiceUser, servicePassword,
			cfg.Commands.Topic, commands, cfg.Commands.Timeout)
		if err := listener.Start(); err != nil {
			logrus.Errorf("MAIN: %v", err)
		}
	}

	var (
		forwarder *dataforwarding.Forwarder
		routes    *dataforwarding.Routes
	)
	if cfg.Forwarding.Enabled {
		if cfg.Forwarding.BrokerURL != "" {
			forwarder = dataforwarding.NewForwarder(cfg.Forwarding, cfg.Broker.EventTopic, publisher)
			if err := forwarder.Start(); err != nil {
				logrus.Errorf("MAIN: %v", err)
			}
		}
		if routes, err = dataforwarding.StartDataRoutes(cfg.Forwarding, cfg.Broker.EventTopic, publisher); err != nil {
			logrus.Errorf("MAIN: %v", err)
		}
	}

	// Web-UI
	var web *webui.Server
	if cfg.WebUI.Enabled {
		web = webui.New(cfg.WebUI, webui.Deps{
			DB:         db,
			Commands:   commands,
			Cache:      objects,
			Discovery:  driver,
			Manager:    manager,
			Devices:    store,
			Broker:     publisher,
			EventTopic: cfg.Broker.EventTopic,
		})
		if err := web.Start(); err != nil {
			logrus.Fatalf("MAIN: %v", err)
		}
		logrus.Info("MAIN: Web-UI-server started.")
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	if *configPath != "" {
		watcher := logic.NewConfigWatcher(*configPath, 10*time.Second)
		go watcher.Run(watchCtx, func() { reloadDevices(watchCtx, *configPath, store, objects, manager) })
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	logrus.Infof("MAIN: received %v, shutting down", <-sig)

	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if web != nil {
		if err := web.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("MAIN: Web-UI shutdown: %v", err)
		}
	}
	if listener != nil {
		listener.Stop()
	}
	if forwarder != nil {
		forwarder.Stop()
	}
	if routes != nil {
		routes.Stop()
	}
	manager.Close()
	if err := protocol.Close(shutdownCtx); err != nil {
		logrus.Warnf("MAIN: OPC-UA shutdown: %v", err)
	}
	if err := publisher.Stop(); err != nil {
		logrus.Warnf("MAIN: broker shutdown: %v", err)
	}
	logrus.Info("MAIN: stopped.")
}

// reloadDevices re-seeds the metadata store from the config file and
// restarts the sampling loops. Cached responses of removed devices are
// dropped.
func reloadDevices(ctx context.Context, path string, store *logic.DeviceStore, objects *logic.ObjectStore, manager *logic.Manager) {
	seeds, err := config.LoadDevices(path)
	if err != nil {
		logrus.Errorf("MAIN: %v", err)
		return
	}

	keep := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		keep[s.Name] = true
	}
	old := store.Devices()

	if err := store.Seed(ctx, seeds); err != nil {
		logrus.Errorf("MAIN: Error seeding devices: %v", err)
		return
	}
	// removed devices are pruned and stay stopped before their cache goes
	manager.RestartAll()
	for _, d := range old {
		if !keep[d.Name] {
			objects.Forget(d.Name)
		}
	}
}

func hasTLSListener(listeners []config.ListenerConfig) bool {
	for _, l := range listeners {
		if l.TLS {
			return true
		}
	}
	return false
}
