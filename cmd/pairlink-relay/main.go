// Command pairlink-relay serves the reference pairlink relay: a WebSocket
// pub/sub endpoint on /ws and Prometheus metrics on /metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/broker"
	"github.com/opd-ai/pairlink/relay"
)

func main() {
	addr := flag.String("addr", ":8980", "listen address")
	retention := flag.Int("retention", broker.DefaultRetention, "publications retained per channel")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logrus.StandardLogger()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	server := relay.NewServer(broker.NewHubWithRetention(*retention), log)

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":      *addr,
			"retention": *retention,
		}).Info("Relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Relay server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Shutdown incomplete")
	}
}
