package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/dantte-lp/udpsas"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
)

// Observation describes a single datagram seen by the Watcher.
type Observation struct {
	// Time is when the datagram was read.
	Time time.Time `json:"time" yaml:"time"`

	// Peer is the datagram's source endpoint.
	Peer netip.AddrPort `json:"peer" yaml:"peer"`

	// Local is the address the datagram arrived on. The zero Addr
	// means no pktinfo record was present.
	Local netip.Addr `json:"local" yaml:"local"`

	// IfIndex is the arrival interface index, zero when unknown.
	IfIndex int `json:"ifindex" yaml:"ifindex"`

	// Size is the payload length in bytes.
	Size int `json:"size" yaml:"size"`
}

// Watcher passively reports the arrival address of every datagram on a
// bind, tcpdump-style, without replying. It makes visible which local
// address peers are actually targeting on a multihomed host.
type Watcher struct {
	conn    *udpsas.Conn
	metrics *sasmetrics.Collector
	logger  *slog.Logger
	bufSize int
}

// NewWatcher creates a Watcher reading from conn with the given
// receive buffer length.
func NewWatcher(
	conn *udpsas.Conn,
	bufSize int,
	collector *sasmetrics.Collector,
	logger *slog.Logger,
) *Watcher {
	return &Watcher{
		conn:    conn,
		metrics: collector,
		logger:  logger.With(slog.String("component", "probe.watcher")),
		bufSize: bufSize,
	}
}

// Run streams one Observation per datagram into out until ctx is
// cancelled. Run closes out on return; it is the channel's only
// writer. Read failures are logged but do not stop the loop.
func (w *Watcher) Run(ctx context.Context, out chan<- Observation) error {
	defer close(out)

	// Unblock the pending read when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	w.logger.Info("watcher listening",
		slog.String("listen", w.conn.LocalAddrPort().String()),
	)

	buf := make([]byte, w.bufSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, peer, local, err := w.conn.ReadMsg(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("watcher: %w", err)
			}
			w.logger.Warn("watch read error", slog.String("error", err.Error()))
			continue
		}

		if !local.Addr.IsValid() {
			w.metrics.IncPktinfoMissing()
		}
		w.metrics.ObserveDatagram(local.Addr, peer.Addr())

		obs := Observation{
			Time:    time.Now(),
			Peer:    peer,
			Local:   local.Addr,
			IfIndex: local.IfIndex,
			Size:    n,
		}

		select {
		case out <- obs:
		case <-ctx.Done():
			return nil
		}
	}
}
