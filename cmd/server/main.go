// Command udpft-server listens on a UDP port and serves exactly one file
// transfer request before exiting, per SPEC_FULL.md §6.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/ventosilenzioso/udpft/internal/server"
	"github.com/ventosilenzioso/udpft/internal/stats"
	"github.com/ventosilenzioso/udpft/internal/transmitter"
)

func main() {
	var (
		port          = flag.IntP("port", "p", 9000, "UDP port to listen on")
		root          = flag.StringP("root", "r", ".", "directory files are served from")
		logLevel      = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
		metricsAddr   = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
		maxRetries    = flag.Int("max-retries", 0, "consecutive RTO timeouts before abandoning the transfer (0 = unlimited)")
		receiveWindow = flag.Int("receive-window", 0, "advertised receive window in segments (0 = default)")
	)
	flag.Parse()

	// Backward-compatible positional form: udpft-server <port>.
	if flag.NArg() > 0 {
		if p, err := strconv.Atoi(flag.Arg(0)); err == nil {
			*port = p
		}
	}

	log := newLogger(*logLevel)

	conn, err := net.ListenPacket("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)))
	if err != nil {
		log.WithError(err).Fatal("failed to bind UDP socket")
	}
	defer conn.Close()
	log.WithField("addr", conn.LocalAddr()).Info("listening")

	st := stats.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(st)

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		log.WithField("addr", *metricsAddr).Info("serving metrics")
	}

	srv := server.New(conn, *root, st, log, transmitter.Options{
		MaxRetries:    *maxRetries,
		ReceiveWindow: *receiveWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeOne(ctx) }()

	select {
	case err := <-errCh:
		cancel()
		if err != nil {
			log.WithError(err).Fatal("transfer failed")
		}
		log.Info("transfer complete, exiting")
	case sig := <-sigCh:
		log.WithField("signal", sig).Warn("shutting down")
		cancel()
		<-errCh
	}

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return logrus.NewEntry(l)
}
