package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	cfxcommon "github.com/peicuiping/cfx-nettest/common"
	"github.com/peicuiping/cfx-nettest/harness"
	"github.com/peicuiping/cfx-nettest/mininode"
	"github.com/peicuiping/cfx-nettest/params"
)

// Config holds the bounds of the scenario steps and the template for every
// mininode a scenario creates.
type Config struct {
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	PollInterval     time.Duration
	// RPCTimeout bounds single node queries such as the genesis lookup.
	RPCTimeout time.Duration

	Mininode mininode.Config
}

var DefaultConfig = Config{
	HandshakeTimeout: params.ScenarioHandshakeTimeout,
	ConnectTimeout:   params.ScenarioConnectTimeout,
	PollInterval:     params.PollInterval,
	RPCTimeout:       params.ScenarioRPCTimeout,
	Mininode:         mininode.DefaultConfig,
}

// Context is the state of one run: the nodes under test and the genesis hash
// fetched from the first of them.
type Context struct {
	Nodes   []harness.Node
	Config  Config
	Logger  log.Logger
	Metrics harness.Metrics
	Tracer  *harness.Tracer

	mu      sync.Mutex
	genesis string
}

// NewContext returns a Context for nodes with the defaults filled in.
func NewContext(nodes []harness.Node, config Config) *Context {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig.HandshakeTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConfig.ConnectTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig.PollInterval
	}
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = DefaultConfig.RPCTimeout
	}
	return &Context{
		Nodes:   nodes,
		Config:  config,
		Logger:  log.Root(),
		Metrics: harness.NopMetrics{},
	}
}

func (c *Context) logger() log.Logger {
	if c.Logger == nil {
		return log.Root()
	}
	return c.Logger
}

func (c *Context) metrics() harness.Metrics {
	if c.Metrics == nil {
		return harness.NopMetrics{}
	}
	return c.Metrics
}

func (c *Context) poller() *harness.Poller {
	return &harness.Poller{Interval: c.Config.PollInterval, Metrics: c.metrics()}
}

// node returns the i-th node or a ConfigError when there are too few.
func (c *Context) node(i int) (harness.Node, error) {
	if i >= len(c.Nodes) {
		return nil, &harness.ConfigError{Field: "nodes", Err: fmt.Errorf("need at least %d nodes, have %d", i+1, len(c.Nodes))}
	}
	return c.Nodes[i], nil
}

// FetchGenesis returns the genesis hash announced by the first node. The
// node is queried once per Context; failures are not cached.
func (c *Context) FetchGenesis(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genesis != "" {
		return c.genesis, nil
	}
	n, err := c.node(0)
	if err != nil {
		return "", err
	}
	timeout := c.Config.RPCTimeout
	if timeout <= 0 {
		timeout = DefaultConfig.RPCTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := n.GenesisHash(ctx)
	if err != nil {
		return "", &harness.ConnectionError{Addr: n.Name(), Op: "fetch genesis", Err: err}
	}
	hash, err := cfxcommon.ParseHash(raw)
	if err != nil {
		return "", &harness.ConfigError{Field: "genesis", Err: fmt.Errorf("node %s reported %q: %w", n.Name(), raw, err)}
	}
	c.genesis = hash.Hex()
	c.logger().Debug("Fetched genesis", "node", n.Name(), "hash", c.genesis)
	return c.genesis, nil
}

// NewMininode creates a mininode expecting genesis, sharing the Context's
// logger, metrics and tracer unless the template sets its own.
func (c *Context) NewMininode(genesis string) (*mininode.Peer, error) {
	cfg := c.Config.Mininode
	if cfg.Logger == nil {
		cfg.Logger = c.logger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = c.metrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = c.Tracer
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = params.ProtocolVersion
	}
	return mininode.New(genesis, cfg)
}

// otherGenesis returns a valid hash that differs from genesis.
func otherGenesis(genesis string) (string, error) {
	hash, err := cfxcommon.ParseHash(genesis)
	if err != nil {
		return "", err
	}
	other := hash
	other[common.HashLength-1] ^= 0xff
	if other == (common.Hash{}) {
		other[0] = 0x01
	}
	return other.Hex(), nil
}
