// Package receiver drives the client-side receiver loop described in
// SPEC_FULL.md §4.7: issue the file request, then reassemble the incoming
// segment stream into the output writer while emitting cumulative ACKs.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/udpft/internal/config"
	"github.com/ventosilenzioso/udpft/internal/faultinjector"
	"github.com/ventosilenzioso/udpft/internal/reassembly"
	"github.com/ventosilenzioso/udpft/internal/segment"
	"github.com/ventosilenzioso/udpft/internal/stats"
)

// ErrFileNotFound is returned when the server's bootstrap error literal is
// received in place of a segment stream.
var ErrFileNotFound = errors.New("receiver: file not found on server")

const fileNotFoundLiteral = "FILE NOT FOUND"

// pollInterval bounds how long a single ReadFrom call blocks before the
// loop rechecks ctx.Err(); it is not a protocol timeout.
const pollInterval = 200 * time.Millisecond

// Options configures a Receiver beyond the protocol defaults.
type Options struct {
	InitialSeqNumber uint32
	ReceiveWindow    int
	Injector         *faultinjector.Injector // nil disables fault injection
}

func (o *Options) setDefaults() {
	if o.InitialSeqNumber == 0 {
		o.InitialSeqNumber = config.InitialSeqNumber
	}
	if o.ReceiveWindow == 0 {
		o.ReceiveWindow = config.DefaultReceiveWindow
	}
}

// Receiver owns one client's reassembly buffer and output file for the
// duration of a transfer.
type Receiver struct {
	conn   net.PacketConn
	server net.Addr
	out    io.Writer

	buffer   *reassembly.Buffer
	injector *faultinjector.Injector
	stats    *stats.Stats
	log      *logrus.Entry
}

// New builds a Receiver that will reassemble into out.
func New(conn net.PacketConn, server net.Addr, out io.Writer, st *stats.Stats, log *logrus.Entry, opts Options) *Receiver {
	opts.setDefaults()
	return &Receiver{
		conn:     conn,
		server:   server,
		out:      out,
		buffer:   reassembly.New(opts.InitialSeqNumber, opts.ReceiveWindow, st),
		injector: opts.Injector,
		stats:    st,
		log:      log,
	}
}

// RequestFile sends the bootstrap request: the raw file name, no header.
func (r *Receiver) RequestFile(fileName string) error {
	_, err := r.conn.WriteTo([]byte(fileName), r.server)
	if err != nil {
		return fmt.Errorf("receiver: requesting %q: %w", fileName, err)
	}
	r.log.WithField("file", fileName).Info("requested file")
	return nil
}

// Run processes datagrams until the transfer completes, the server reports
// the file missing, or ctx is canceled.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, config.MaxPacketSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("receiver: read failed: %w", err)
		}
		if r.server != nil && addr.String() != r.server.String() {
			continue
		}

		if n >= len(fileNotFoundLiteral) && string(buf[:len(fileNotFoundLiteral)]) == fileNotFoundLiteral {
			r.log.Warn("server reported file not found")
			return ErrFileNotFound
		}

		seg, err := segment.Parse(buf[:n])
		if err != nil {
			r.stats.RecordMalformed()
			r.log.WithError(err).Debug("dropped malformed datagram")
			continue
		}

		if r.injector != nil {
			if r.injector.ShouldDrop() {
				r.log.WithField("seq", seg.Seq).Debug("fault injector dropped segment")
				continue
			}
			r.injector.Delay()
		}

		outcome, err := r.buffer.Ingest(seg, r.out)
		if err != nil {
			return fmt.Errorf("receiver: writing output: %w", err)
		}

		if outcome.ShouldAck {
			if err := r.sendAck(outcome.Ack); err != nil {
				return err
			}
		}

		if outcome.Complete {
			r.log.Info("transfer complete")
			return nil
		}
	}
}

func (r *Receiver) sendAck(ack uint32) error {
	wire, err := segment.Serialize(segment.NewAck(ack))
	if err != nil {
		return err
	}
	_, err = r.conn.WriteTo(wire, r.server)
	return err
}
