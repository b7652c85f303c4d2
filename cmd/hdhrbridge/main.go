// Command hdhrbridge bridges a home-DVR recorder and HDHomeRun-family
// network tuners: it discovers tuners on the LAN, hands out capture
// devices, and runs the streaming/switchover engine for active
// recordings. It does not implement the recorder-facing control
// socket; that surface is out of scope and attaches through the
// capture.Facade API this command wires up and logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hdhrbridge/hdhrbridge/internal/capture"
	"github.com/hdhrbridge/hdhrbridge/internal/metrics"
	"github.com/hdhrbridge/hdhrbridge/internal/optstore"
)

func main() {
	optsPath := flag.String("opts", "hdhrbridge.properties", "path to the persisted option store")
	enableDiscovery := flag.Bool("discover", true, "enable HDHomeRun discovery on startup")
	friendlyName := flag.String("friendly-name", "", "override the hdhr.friendly_name option on startup")
	staticAddrs := flag.String("static-addrs", "", "comma-separated tuner addresses to unicast-probe in addition to broadcast")
	flag.Parse()

	store := optstore.LoadOrDefault(*optsPath, capture.DefaultOptions())

	if *friendlyName != "" {
		if err := store.SetString(capture.OptFriendlyName, *friendlyName); err != nil {
			log.Fatalf("hdhrbridge: setting friendly name: %v", err)
		}
	}

	metricsReg := metrics.NewRegistry()
	facade := capture.New(store, metricsReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *staticAddrs != "" {
		addrs := strings.Split(*staticAddrs, ",")
		for i := range addrs {
			addrs[i] = strings.TrimSpace(addrs[i])
		}
		if err := facade.SetStaticAddresses(addrs); err != nil {
			log.Fatalf("hdhrbridge: setting static addresses: %v", err)
		}
	}

	if *enableDiscovery {
		if err := facade.Enable(ctx); err != nil {
			log.Fatalf("hdhrbridge: enabling discovery: %v", err)
		}
		log.Printf("hdhrbridge: discovery enabled")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("hdhrbridge: shutting down")

	facade.Disable()
}
