package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ble-central/pkg/central"
	"ble-central/pkg/config"
	"ble-central/pkg/logging"
	"ble-central/pkg/radio"
	"ble-central/pkg/runner"
	"ble-central/pkg/server"
)

var stopChan = make(chan os.Signal, 1)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %s\n", err)
		os.Exit(1)
	}

	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %s\n", err)
		os.Exit(1)
	}
	defer closeLog()

	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)

	r, err := radio.Open(cfg, log)
	if err != nil {
		log.Fatalf("error opening %s radio: %s", cfg.Radio, err)
	}

	controller := central.New(r, log)

	services := runner.NewDefaultRunner(log)
	services.Add(controller)

	if cfg.Server.Enabled {
		services.Add(server.New(controller, cfg.Server, log))
	}

	if err := services.Run(); err != nil {
		log.Fatal(err)
	}

	log.Info("Runner started")

	<-stopChan

	// Teardown
	if err := services.Stop(); err != nil {
		log.Error(err)
	}

	log.Info("Runner stopped")

	if err := r.Close(); err != nil {
		log.Errorf("error closing radio: %s", err)
	}

	log.Info("Done")
}
