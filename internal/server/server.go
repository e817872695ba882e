// Package server implements the request dispatcher described in
// SPEC_FULL.md §4.8: read the client's bootstrap request, open the file,
// and either reply with the FILE NOT FOUND literal or hand off to
// internal/transmitter.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/stats"
	"github.com/ventosilenzioso/udpft/internal/transmitter"
)

const fileNotFoundReply = "FILE NOT FOUND"

// pollInterval bounds how long a single ReadFrom call blocks before the
// request loop rechecks ctx.Err(); it is not a protocol timeout.
const pollInterval = 200 * time.Millisecond

// Server owns the listening socket and the file root for the lifetime of
// the process. Per SPEC_FULL.md §6, a server process serves exactly one
// request and then exits.
type Server struct {
	conn net.PacketConn
	root string
	st   *stats.Stats
	log  *logrus.Entry
	opts transmitter.Options
}

// New builds a Server bound to conn, reading files relative to root.
func New(conn net.PacketConn, root string, st *stats.Stats, log *logrus.Entry, opts transmitter.Options) *Server {
	return &Server{conn: conn, root: root, st: st, log: log, opts: opts}
}

// ServeOne reads one bootstrap request, opens the requested file, and runs
// the transmitter loop to completion (or failure).
func (s *Server) ServeOne(ctx context.Context) error {
	fileName, peer, err := s.getRequest(ctx)
	if err != nil {
		return err
	}

	// filepath.Base strips any path the request tried to smuggle in; the
	// server never reads outside its configured root.
	path := filepath.Join(s.root, filepath.Base(fileName))

	f, err := os.Open(path)
	if err != nil {
		s.log.WithField("file", fileName).Warn("file not found, replying to peer")
		if _, werr := s.conn.WriteTo([]byte(fileNotFoundReply), peer); werr != nil {
			return fmt.Errorf("server: sending FILE NOT FOUND: %w", werr)
		}
		return fmt.Errorf("server: opening %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("server: stat %q: %w", path, err)
	}

	s.log.WithFields(logrus.Fields{"file": fileName, "size": info.Size(), "peer": peer}).Info("serving file")

	tx, err := transmitter.New(s.conn, peer, f, info.Size(), s.st, s.log, s.opts)
	if err != nil {
		return fmt.Errorf("server: preparing transmitter: %w", err)
	}
	return tx.Run(ctx)
}

func (s *Server) getRequest(ctx context.Context) (fileName string, peer net.Addr, err error) {
	buf := make([]byte, config.MaxPacketSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return "", nil, err
		}
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return "", nil, fmt.Errorf("server: reading request: %w", err)
		}

		name := string(buf[:n])
		s.log.WithFields(logrus.Fields{"file": name, "peer": addr}).Info("received request")
		return name, addr, nil
	}
}
