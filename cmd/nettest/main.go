package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"gopkg.in/urfave/cli.v1"

	"github.com/peicuiping/cfx-nettest/harness"
	"github.com/peicuiping/cfx-nettest/internal/debug"
	"github.com/peicuiping/cfx-nettest/metrics"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/params"
	"github.com/peicuiping/cfx-nettest/scenario"
)

const clientIdentifier = "nettest"

var (
	app = cli.NewApp()

	nodeFlag = cli.StringSliceFlag{
		Name:  "node",
		Usage: "被测节点: <rpc url>[,<enode url>]，至少两个",
	}
	scenarioFlag = cli.StringFlag{
		Name:  "scenario",
		Usage: "逗号分开的场景列表: " + strings.Join(scenario.Names(), ", "),
		Value: "handshake",
	}
	handshakeTimeoutFlag = cli.DurationFlag{
		Name:  "handshake.timeout",
		Usage: "mininode 等待节点 status 的时间",
		Value: params.ScenarioHandshakeTimeout,
	}
	connectTimeoutFlag = cli.DurationFlag{
		Name:  "connect.timeout",
		Usage: "节点互连的等待时间",
		Value: params.ScenarioConnectTimeout,
	}
	pollIntervalFlag = cli.DurationFlag{
		Name:  "poll.interval",
		Usage: "条件轮询间隔",
		Value: params.PollInterval,
	}
	rpcTimeoutFlag = cli.DurationFlag{
		Name:  "rpc.timeout",
		Usage: "单次节点 RPC 查询的超时时间",
		Value: params.ScenarioRPCTimeout,
	}
	networkIDFlag = cli.Uint64Flag{
		Name:  "networkid",
		Usage: "mininode 声明的 network id",
		Value: params.DefaultNetworkID,
	}
	proxyFlag = cli.StringFlag{
		Name:  "p2p.proxy",
		Usage: "mininode 拨号使用的代理 (e.g. socks5://127.0.0.1:1080)",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Prometheus 指标的监听地址 (e.g. 127.0.0.1:6060)",
	}
)

func init() {
	app.Name = clientIdentifier
	app.Usage = "cfx handshake conformance harness"
	app.Action = nettest
	app.Flags = append([]cli.Flag{
		nodeFlag,
		scenarioFlag,
		handshakeTimeoutFlag,
		connectTimeoutFlag,
		pollIntervalFlag,
		rpcTimeoutFlag,
		networkIDFlag,
		proxyFlag,
		metricsAddrFlag,
	}, debug.Flags...)
	app.Before = debug.Setup
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func nettest(ctx *cli.Context) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcTimeout := ctx.GlobalDuration(rpcTimeoutFlag.Name)
	nodes, err := dialNodes(runCtx, ctx.GlobalStringSlice(nodeFlag.Name), rpcTimeout)
	for _, n := range nodes {
		defer n.Close()
	}
	if err != nil {
		return err
	}

	config := scenario.DefaultConfig
	config.HandshakeTimeout = ctx.GlobalDuration(handshakeTimeoutFlag.Name)
	config.ConnectTimeout = ctx.GlobalDuration(connectTimeoutFlag.Name)
	config.PollInterval = ctx.GlobalDuration(pollIntervalFlag.Name)
	config.RPCTimeout = rpcTimeout
	config.Mininode.NetworkID = ctx.GlobalUint64(networkIDFlag.Name)
	if rawurl := ctx.GlobalString(proxyFlag.Name); rawurl != "" {
		dialer, err := p2p.NewProxyDialer(rawurl, config.Mininode.DialTimeout)
		if err != nil {
			return &harness.ConfigError{Field: proxyFlag.Name, Err: err}
		}
		config.Mininode.Dialer = dialer
	}

	c := scenario.NewContext(nodes, config)
	c.Tracer = harness.NewTracer(otel.GetTracerProvider())
	if addr := ctx.GlobalString(metricsAddrFlag.Name); addr != "" {
		registry := prometheus.NewRegistry()
		c.Metrics = metrics.New("", registry)
		srv, err := serveMetrics(addr, registry)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	names := strings.Split(ctx.GlobalString(scenarioFlag.Name), ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	if err := scenario.Run(runCtx, c, names...); err != nil {
		return err
	}
	log.Info("All scenarios passed", "scenarios", names)
	return nil
}

// dialNodes attaches to every --node value, each within timeout. The nodes
// dialed before a failure are returned with the error.
func dialNodes(ctx context.Context, args []string, timeout time.Duration) ([]harness.Node, error) {
	if len(args) < 2 {
		return nil, &harness.ConfigError{Field: nodeFlag.Name, Err: fmt.Errorf("need at least two nodes, have %d", len(args))}
	}
	var nodes []harness.Node
	for i, arg := range args {
		rpcURL, enodeURL, _ := strings.Cut(arg, ",")
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		n, err := harness.DialNode(dialCtx, harness.NodeConfig{
			Name:  fmt.Sprintf("node%d", i),
			RPC:   strings.TrimSpace(rpcURL),
			Enode: strings.TrimSpace(enodeURL),
		})
		cancel()
		if err != nil {
			return nodes, err
		}
		log.Info("Attached to node", "name", n.Name(), "rpc", rpcURL, "enode", n.Enode().URLv4())
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func serveMetrics(addr string, registry *prometheus.Registry) (*http.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &harness.ConfigError{Field: metricsAddrFlag.Name, Err: err}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "err", err)
		}
	}()
	log.Info("Serving metrics", "addr", fmt.Sprintf("http://%s/metrics", listener.Addr()))
	return srv, nil
}
