// Command udpft-client requests one file from a udpft-server and writes it
// to stdout (or a named output file), per SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/faultinjector"
	"github.com/ventosilenzioso/udpft/internal/receiver"
	"github.com/ventosilenzioso/udpft/internal/stats"
)

func main() {
	var (
		logLevel = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
		output   = flag.StringP("output", "o", "", "write the received file here instead of stdout")
		seed     = flag.Int64("seed", 0, "seed for the fault injector's RNG (0 = time-seeded)")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) != 6 {
		fmt.Fprintln(os.Stderr, "usage: udpft-client [flags] <server-ip> <server-port> <file-name> <receiver-window> <control-param> <drop-or-delay-percent>")
		os.Exit(2)
	}

	serverIP := args[0]
	serverPort := args[1]
	fileName := args[2]

	rwnd, err := strconv.Atoi(args[3])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid receiver-window %q: %v\n", args[3], err)
		os.Exit(2)
	}
	controlParam, err := strconv.Atoi(args[4])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid control-param %q: %v\n", args[4], err)
		os.Exit(2)
	}
	mode, ok := config.ParseControlMode(controlParam)
	if !ok {
		fmt.Fprintf(os.Stderr, "control-param must be 0-3, got %d\n", controlParam)
		os.Exit(2)
	}
	percent, err := strconv.Atoi(args[5])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid drop-or-delay-percent %q: %v\n", args[5], err)
		os.Exit(2)
	}

	log := newLogger(*logLevel).WithField("transfer", xid.New().String())

	out, err := openOutput(*output)
	if err != nil {
		log.WithError(err).Fatal("failed to open output")
	}
	if out != os.Stdout {
		defer out.Close()
	}

	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		log.WithError(err).Fatal("failed to open UDP socket")
	}
	defer conn.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(serverIP, serverPort))
	if err != nil {
		log.WithError(err).Fatal("failed to resolve server address")
	}

	rng := rand.New(rand.NewSource(*seed))
	if *seed == 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	injector := faultinjector.New(mode, percent, rng)

	st := stats.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(st)

	rcv := receiver.New(conn, serverAddr, out, st, log, receiver.Options{
		ReceiveWindow: config.NormalizeReceiveWindow(rwnd),
		Injector:      injector,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("interrupted, canceling transfer")
		cancel()
	}()

	if err := rcv.RequestFile(fileName); err != nil {
		log.WithError(err).Fatal("failed to request file")
	}
	if err := rcv.Run(ctx); err != nil {
		log.WithError(err).Fatal("transfer failed")
	}
	log.Info("transfer complete")
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.Stdout, nil
	}
	return os.Create(path)
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
