package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/peicuiping/cfx-nettest/p2p"
)

// ConnectOptions bounds ConnectNodes.
type ConnectOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	// Strict also waits for the second node to list the first one.
	Strict bool

	Metrics Metrics
	Tracer  *Tracer
	Logger  log.Logger
}

// ConnectNodes instructs a to connect to b and waits until a reports b as a
// peer with at least one negotiated protocol. Calling it again for connected
// nodes succeeds.
func ConnectNodes(ctx context.Context, a, b Node, opts ConnectOptions) (err error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Root()
	}
	ctx, span := opts.Tracer.StartConnect(ctx, a.Name(), b.Name())
	start := time.Now()
	defer func() {
		metrics.ConnectResult(ResultOf(err))
		if err == nil {
			metrics.ConnectDuration(time.Since(start).Seconds())
		}
		EndSpan(span, err)
	}()

	if opts.Timeout <= 0 {
		return &ConfigError{Field: "timeout", Err: fmt.Errorf("must be positive, got %v", opts.Timeout)}
	}
	target := b.Enode()
	if target == nil || target.Pubkey() == nil {
		return &ConfigError{Field: "enode", Err: fmt.Errorf("node %s has no usable enode", b.Name())}
	}
	var self *enode.Node
	if opts.Strict {
		if self = a.Enode(); self == nil || self.Pubkey() == nil {
			return &ConfigError{Field: "enode", Err: fmt.Errorf("node %s has no usable enode", a.Name())}
		}
	}

	// One deadline covers the add request and both directions.
	deadline := start.Add(opts.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := a.AddPeer(ctx, target); err != nil {
		return &ConnectionError{Addr: target.URLv4(), Op: "add peer", Err: err}
	}

	poller := Poller{Interval: opts.Interval, Metrics: metrics}
	if err := poller.WaitUntil(ctx, lists(ctx, a, p2p.NodeIDString(target.Pubkey())), remaining(deadline)); err != nil {
		return fmt.Errorf("%s -> %s: %w", a.Name(), b.Name(), asTimeout(err, deadline, opts.Timeout, start))
	}
	if opts.Strict {
		if err := poller.WaitUntil(ctx, lists(ctx, b, p2p.NodeIDString(self.Pubkey())), remaining(deadline)); err != nil {
			return fmt.Errorf("%s -> %s: %w", b.Name(), a.Name(), asTimeout(err, deadline, opts.Timeout, start))
		}
	}
	logger.Debug("Nodes connected", "from", a.Name(), "to", b.Name(), "elapsed", time.Since(start))
	return nil
}

// remaining is the time left until deadline. It never returns zero so the
// poller still evaluates the condition once when the deadline has passed.
func remaining(deadline time.Time) time.Duration {
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Nanosecond
}

// asTimeout reports a wait or RPC cut off by the connect deadline as a
// *TimeoutError.
func asTimeout(err error, deadline time.Time, timeout time.Duration, start time.Time) error {
	var terr *TimeoutError
	if errors.As(err, &terr) || time.Now().Before(deadline) || !isTimeout(err) {
		return err
	}
	return &TimeoutError{Elapsed: time.Since(start), Timeout: timeout}
}

// lists reports whether n has a peer with nodeID that negotiated a protocol.
func lists(ctx context.Context, n Node, nodeID string) Condition {
	return func() (bool, error) {
		peers, err := n.Peers(ctx)
		if err != nil {
			return false, err
		}
		for _, p := range peers {
			if p.Is(nodeID) && p.HasProtocols() {
				return true, nil
			}
		}
		return false, nil
	}
}

// ConnectAll connects every node to its successor.
func ConnectAll(ctx context.Context, nodes []Node, opts ConnectOptions) error {
	if len(nodes) < 2 {
		return &ConfigError{Field: "nodes", Err: errors.New("need at least two nodes")}
	}
	for i := 0; i+1 < len(nodes); i++ {
		if err := ConnectNodes(ctx, nodes[i], nodes[i+1], opts); err != nil {
			return err
		}
	}
	return nil
}
