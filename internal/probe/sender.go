package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpsas"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
)

// seqLen is the length of the big-endian sequence number that prefixes
// every probe payload. Replies shorter than this cannot be matched to
// a probe and are ignored.
const seqLen = 8

// Probe option errors.
var (
	// ErrInvalidTarget indicates the probe target is not a valid
	// address and port.
	ErrInvalidTarget = errors.New("probe target is not a valid address")

	// ErrSourceFamilyMismatch indicates the forced source address and
	// the target belong to different address families.
	ErrSourceFamilyMismatch = errors.New("probe source and target address families differ")
)

// SendOptions configures a one-shot probe run.
type SendOptions struct {
	// Target is the reflector endpoint to probe.
	Target netip.AddrPort

	// Source pins the probe source address through the socket's
	// pktinfo record. The zero Addr leaves source selection to the
	// kernel.
	Source netip.Addr

	// Count is the number of probe datagrams to send. Values below
	// one are raised to one.
	Count int

	// Interval is the pause between consecutive probes.
	Interval time.Duration

	// Timeout is how long to wait for outstanding replies after the
	// last probe was sent.
	Timeout time.Duration

	// Size is the probe payload length in bytes. Values below the
	// sequence prefix length are raised to it.
	Size int
}

// Report describes the outcome of a single probe.
type Report struct {
	// Seq is the probe sequence number, starting at zero.
	Seq int `json:"seq" yaml:"seq"`

	// Lost reports that no reply arrived before the timeout.
	Lost bool `json:"lost" yaml:"lost"`

	// RTT is the observed round-trip time. Zero when Lost.
	RTT time.Duration `json:"rtt" yaml:"rtt"`

	// ReplyFrom is the source endpoint of the reply.
	ReplyFrom netip.AddrPort `json:"reply_from" yaml:"reply_from"`

	// ReplyLocal is the local address the reply arrived on, as
	// recovered from its pktinfo record.
	ReplyLocal netip.Addr `json:"reply_local" yaml:"reply_local"`

	// SourceMatch reports whether the reply's source endpoint equals
	// the probed target.
	SourceMatch bool `json:"source_match" yaml:"source_match"`
}

// Sender performs a one-shot probe run against a reflector and reports
// which address each reply came from and which local address it landed
// on.
type Sender struct {
	opts    SendOptions
	metrics *sasmetrics.Collector
	logger  *slog.Logger
}

// NewSender creates a Sender for the given options.
func NewSender(opts SendOptions, collector *sasmetrics.Collector, logger *slog.Logger) *Sender {
	return &Sender{
		opts:    opts,
		metrics: collector,
		logger:  logger.With(slog.String("component", "probe.sender")),
	}
}

// Run sends the configured probes and collects replies until every
// sent probe is answered or the timeout after the last send expires.
// The returned slice has one entry per probe in sequence order. On
// context cancellation the reports collected so far are returned with
// a nil error.
func (s *Sender) Run(ctx context.Context) ([]Report, error) {
	if !s.opts.Target.IsValid() {
		return nil, ErrInvalidTarget
	}
	if s.opts.Source.IsValid() && s.opts.Source.Is4() != s.opts.Target.Addr().Is4() {
		return nil, fmt.Errorf("source %s, target %s: %w",
			s.opts.Source, s.opts.Target.Addr(), ErrSourceFamilyMismatch)
	}

	count := s.opts.Count
	if count < 1 {
		count = 1
	}
	size := s.opts.Size
	if size < seqLen {
		size = seqLen
	}

	network := "udp4"
	if s.opts.Target.Addr().Is6() {
		network = "udp6"
	}

	conn, err := udpsas.Listen(ctx, network, ":0")
	if err != nil {
		return nil, fmt.Errorf("bind probe socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	target := s.opts.Target.Addr()
	local := udpsas.PacketInfo{Addr: s.opts.Source}

	reports := make([]Report, count)
	for i := range reports {
		reports[i] = Report{Seq: i, Lost: true}
	}

	var (
		mu           sync.Mutex
		sentAt       = make([]time.Time, count)
		sentOK       int
		matched      int
		sendFinished bool
	)

	sendDone := make(chan struct{})
	allDone := make(chan struct{})

	// Closed by whichever side notices last that every sent probe has
	// been answered. Both can notice at once, hence the Once.
	var doneOnce sync.Once
	signalDone := func() { doneOnce.Do(func() { close(allDone) }) }

	g, ctx := errgroup.WithContext(ctx)

	// Send phase: one datagram per sequence number, interval apart.
	g.Go(func() error {
		defer close(sendDone)

		payload := make([]byte, size)
		for seq := 0; seq < count && ctx.Err() == nil; seq++ {
			binary.BigEndian.PutUint64(payload[:seqLen], uint64(seq))

			now := time.Now()
			if _, err := conn.WriteMsg(payload, local, s.opts.Target); err != nil {
				s.logger.Warn("probe send failed",
					slog.Int("seq", seq),
					slog.String("error", err.Error()),
				)
			} else {
				mu.Lock()
				sentAt[seq] = now
				sentOK++
				mu.Unlock()
				s.metrics.IncProbesSent(target)
				s.logger.Debug("probe sent",
					slog.Int("seq", seq),
					slog.String("target", s.opts.Target.String()),
					slog.String("source", s.opts.Source.String()),
				)
			}

			if seq+1 < count && s.opts.Interval > 0 {
				timer := time.NewTimer(s.opts.Interval)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
		}

		mu.Lock()
		sendFinished = true
		done := matched == sentOK
		mu.Unlock()
		if done {
			signalDone()
		}

		return nil
	})

	// Reply window: once sending is over, give stragglers Timeout to
	// arrive, then unblock the reader. Sole writer of the read
	// deadline, so cancellation and expiry cannot race.
	g.Go(func() error {
		select {
		case <-sendDone:
			timer := time.NewTimer(s.opts.Timeout)
			select {
			case <-timer.C:
			case <-allDone:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
			}
		case <-ctx.Done():
		}

		if err := conn.SetReadDeadline(time.Now()); err != nil {
			return fmt.Errorf("unblock probe read: %w", err)
		}
		return nil
	})

	// Collect phase: match replies to probes by sequence prefix.
	g.Go(func() error {
		buf := make([]byte, size)
		for {
			if ctx.Err() != nil {
				return nil
			}

			n, from, replyLocal, err := conn.ReadMsg(buf)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					return nil
				case errors.Is(err, os.ErrDeadlineExceeded):
					return nil // reply window closed
				case errors.Is(err, net.ErrClosed):
					return fmt.Errorf("probe read: %w", err)
				default:
					s.logger.Warn("probe read error", slog.String("error", err.Error()))
					continue
				}
			}

			if n < seqLen {
				continue
			}
			seq64 := binary.BigEndian.Uint64(buf[:seqLen])
			if seq64 >= uint64(count) {
				continue // not one of ours
			}
			seq := int(seq64)

			mu.Lock()
			rep := &reports[seq]
			if sentAt[seq].IsZero() || !rep.Lost {
				mu.Unlock()
				continue // never sent, or duplicate reply
			}
			rtt := time.Since(sentAt[seq])
			rep.Lost = false
			rep.RTT = rtt
			rep.ReplyFrom = from
			rep.ReplyLocal = replyLocal.Addr
			rep.SourceMatch = from == s.opts.Target
			matched++
			finished := sendFinished && matched == sentOK
			mu.Unlock()

			s.metrics.IncRepliesReceived(target)
			s.metrics.ObserveReplyRTT(target, rtt)
			if !rep.SourceMatch {
				s.metrics.IncSourceMismatches(target)
			}

			s.logger.Debug("reply received",
				slog.Int("seq", seq),
				slog.String("from", from.String()),
				slog.String("local", replyLocal.Addr.String()),
				slog.Bool("source_match", rep.SourceMatch),
				slog.Duration("rtt", rtt),
			)

			if finished {
				signalDone()
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return reports, err
	}

	s.logger.Debug("probe run complete",
		slog.Int("sent", sentOK),
		slog.Int("received", matched),
	)

	return reports, nil
}
