// Command telemetrynode boots the durable-delivery core and drives its
// main loop against the configuration file named as the sole argument.
//
// Grounded on rtcmlogger.go's main, generalized from a hard-coded control
// file name to an explicit argument, since this repository has more than
// one candidate deployable entry point in its history.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acequia-iot/telemetry-node/config"
	"github.com/acequia-iot/telemetry-node/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("usage: %s <config.json>", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1], nil)
	if err != nil {
		log.Fatalf("cannot load config %s: %v", os.Args[1], err)
	}

	drivers := supervisor.Drivers{
		// The real link, NTP, RSSI, and heap readouts are out of scope
		// (spec §1): this placeholder always reports "no IP" so the
		// binary runs standalone against sensor.mode=SIMULATION until a
		// platform-specific main wires the real collaborators in.
		LinkHasIP: func() bool { return false },
		MAC:       "000000000000",
	}

	sup, err := supervisor.New(cfg, ".", drivers)
	if err != nil {
		log.Fatalf("cannot boot supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	sup.Run(ctx, ticker.C)
}
