package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/peicuiping/cfx-nettest/harness"
	"github.com/peicuiping/cfx-nettest/mininode"
)

// ErrUnexpectedHandshake is returned when a mininode completed a handshake
// that the node should have refused.
var ErrUnexpectedHandshake = errors.New("handshake unexpectedly completed")

// Func is a scenario body.
type Func func(ctx context.Context, c *Context) error

var registry = map[string]Func{
	"handshake":        Handshake,
	"genesis-mismatch": GenesisMismatch,
}

// Names lists the registered scenarios.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the scenario registered under name.
func Lookup(name string) (Func, bool) {
	f, ok := registry[name]
	return f, ok
}

// Run executes the named scenarios in order. Every scenario runs even if an
// earlier one failed; the returned error joins all failures.
func Run(ctx context.Context, c *Context, names ...string) error {
	if len(names) == 0 {
		return &harness.ConfigError{Field: "scenario", Err: errors.New("nothing to run")}
	}
	funcs := make([]Func, len(names))
	for i, name := range names {
		f, ok := registry[name]
		if !ok {
			return &harness.ConfigError{Field: "scenario", Err: fmt.Errorf("unknown scenario %q, have %v", name, Names())}
		}
		funcs[i] = f
	}
	var errs []error
	for i, name := range names {
		if err := runOne(ctx, c, name, funcs[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func runOne(ctx context.Context, c *Context, name string, f Func) (err error) {
	logger := c.logger().New("scenario", name)
	ctx, span := c.Tracer.StartScenario(ctx, name)
	start := time.Now()
	defer func() {
		c.metrics().ScenarioResult(name, harness.ResultOf(err))
		harness.EndSpan(span, err)
		if err != nil {
			logger.Error("Scenario failed", "elapsed", time.Since(start), "err", err)
		} else {
			logger.Info("Scenario passed", "elapsed", time.Since(start))
		}
	}()
	logger.Info("Running scenario")
	return f(ctx, c)
}

// Handshake connects a mininode to the first node and waits for the node's
// status, then connects the first node to the second one.
func Handshake(ctx context.Context, c *Context) error {
	n0, err := c.node(0)
	if err != nil {
		return err
	}
	n1, err := c.node(1)
	if err != nil {
		return err
	}
	genesis, err := c.FetchGenesis(ctx)
	if err != nil {
		return err
	}
	peer, err := c.NewMininode(genesis)
	if err != nil {
		return err
	}
	defer peer.Close()

	if err := peer.Connect(ctx, n0.Enode()); err != nil {
		return err
	}
	if err := c.poller().WaitUntil(ctx, observed(peer), c.Config.HandshakeTimeout); err != nil {
		return fmt.Errorf("mininode handshake with %s: %w", n0.Name(), err)
	}
	c.logger().Debug("Mininode handshake observed", "node", n0.Name())

	return harness.ConnectNodes(ctx, n0, n1, harness.ConnectOptions{
		Timeout:  c.Config.ConnectTimeout,
		Interval: c.Config.PollInterval,
		Metrics:  c.metrics(),
		Tracer:   c.Tracer,
		Logger:   c.logger(),
	})
}

// observed holds once the node's status was accepted and fails as soon as the
// handshake did.
func observed(peer *mininode.Peer) harness.Condition {
	return func() (bool, error) {
		if peer.HandshakeObserved() {
			return true, nil
		}
		if peer.State() == mininode.StateFailed {
			return false, peer.Err()
		}
		return false, nil
	}
}

// GenesisMismatch connects a mininode announcing a different genesis to the
// first node. The handshake must fail and never complete.
func GenesisMismatch(ctx context.Context, c *Context) error {
	n0, err := c.node(0)
	if err != nil {
		return err
	}
	genesis, err := c.FetchGenesis(ctx)
	if err != nil {
		return err
	}
	wrong, err := otherGenesis(genesis)
	if err != nil {
		return err
	}
	peer, err := c.NewMininode(wrong)
	if err != nil {
		return err
	}
	defer peer.Close()

	if err := peer.Connect(ctx, n0.Enode()); err != nil {
		return err
	}
	rejected := func() (bool, error) {
		if peer.HandshakeObserved() {
			return false, ErrUnexpectedHandshake
		}
		return peer.State() == mininode.StateFailed, nil
	}
	if err := c.poller().WaitUntil(ctx, rejected, c.Config.HandshakeTimeout); err != nil {
		return fmt.Errorf("genesis mismatch with %s: %w", n0.Name(), err)
	}
	c.logger().Debug("Mismatched genesis rejected", "node", n0.Name(), "reason", peer.Err())
	return nil
}
