// Command hwio-server runs the poll-driven request/response server over an
// in-memory demo bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/VlastikK/libhwio/bus/memory"
	"github.com/VlastikK/libhwio/internal/logging"
	"github.com/VlastikK/libhwio/internal/rawsock"
	"github.com/VlastikK/libhwio/server"
	"github.com/VlastikK/libhwio/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		address     string
		metricsAddr string
		verbose     bool
		busyWait    bool
	)

	flag.StringVar(&address, "address", wire.DefaultServerAddress, "address to listen on")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&busyWait, "busy-wait", false, "has no effect: the server always retries EAGAIN on accepted client sockets")
	flag.Parse()

	log := logging.New(verbose)

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics server listening", "address", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	demoBus := memory.New(
		memory.NewDevice(1, "pci0/bar0", 4096),
		memory.NewDevice(2, "pci0/bar1", 4096),
		memory.NewDevice(3, "i2c0/temp-sensor", 64),
	)

	cfg := server.DefaultConfig()
	cfg.Address = address
	cfg.BusyWait = busyWait

	srv := server.New(cfg, demoBus, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mask := rawsock.NewSignalMask(unix.SIGINT, unix.SIGTERM)

	return srv.Run(ctx, mask)
}
