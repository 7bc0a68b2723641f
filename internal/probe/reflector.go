package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dantte-lp/udpsas"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
)

// Reflector echoes every received datagram back to its sender, using
// the address the datagram arrived on as the source of the reply. On a
// multihomed host this answers from whichever local address the peer
// targeted, the behavior strict peers and stateful middleboxes expect
// from a UDP responder.
type Reflector struct {
	conn      *udpsas.Conn
	metrics   *sasmetrics.Collector
	logger    *slog.Logger
	bufSize   int
	echoLimit int
}

// NewReflector creates a Reflector reading from conn, sized and
// limited per cfg.
func NewReflector(
	conn *udpsas.Conn,
	cfg *Config,
	collector *sasmetrics.Collector,
	logger *slog.Logger,
) *Reflector {
	return &Reflector{
		conn:      conn,
		metrics:   collector,
		logger:    logger.With(slog.String("component", "probe.reflector")),
		bufSize:   cfg.ReadBufferSize,
		echoLimit: cfg.EchoLimit,
	}
}

// Run reads and echoes datagrams until ctx is cancelled. Read and
// write failures are counted and logged but do not stop the loop;
// only context cancellation or a closed connection terminates it.
func (r *Reflector) Run(ctx context.Context) error {
	// Unblock the pending read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	r.logger.Info("reflector listening",
		slog.String("listen", r.conn.LocalAddrPort().String()),
	)

	buf := make([]byte, r.bufSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.reflectOne(buf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("reflector: %w", err)
			}
			r.metrics.IncReflectErrors()
			r.logger.Warn("reflect error", slog.String("error", err.Error()))
		}
	}
}

// reflectOne performs a single receive-echo cycle. The reply reuses
// the received pktinfo unchanged, so it leaves from the address the
// datagram arrived on.
func (r *Reflector) reflectOne(buf []byte) error {
	n, peer, local, err := r.conn.ReadMsg(buf)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if !local.Addr.IsValid() {
		// No pktinfo record: the reply source is left to the kernel.
		r.metrics.IncPktinfoMissing()
	}

	m := n
	if r.echoLimit > 0 && m > r.echoLimit {
		m = r.echoLimit
	}

	if _, err := r.conn.WriteMsg(buf[:m], local, peer); err != nil {
		return fmt.Errorf("echo to %s: %w", peer, err)
	}

	r.metrics.ObserveReflected(local.Addr, m)
	r.logger.Debug("reflected",
		slog.String("peer", peer.String()),
		slog.String("local", local.Addr.String()),
		slog.Int("ifindex", local.IfIndex),
		slog.Int("bytes", m),
	)

	return nil
}
