package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/urfave/cli.v1"

	cfxcommon "github.com/peicuiping/cfx-nettest/common"
	"github.com/peicuiping/cfx-nettest/internal/debug"
	"github.com/peicuiping/cfx-nettest/node"
	"github.com/peicuiping/cfx-nettest/params"
)

const (
	clientIdentifier = "devnode"
)

var (
	app = cli.NewApp()

	countFlag = cli.IntFlag{
		Name:  "nodes",
		Usage: "启动的节点数量",
		Value: 2,
	}
	networkIDFlag = cli.Uint64Flag{
		Name:  "networkid",
		Usage: "network id",
		Value: params.DefaultNetworkID,
	}
	genesisFlag = cli.StringFlag{
		Name:  "genesis",
		Usage: "所有节点共享的 genesis hash",
		Value: node.DefaultConfig.Genesis.Hex(),
	}
)

func init() {
	app.Name = clientIdentifier
	app.Usage = "runs in-process cfx nodes on loopback"
	app.Action = devnode
	app.Flags = append([]cli.Flag{countFlag, networkIDFlag, genesisFlag}, debug.Flags...)
	app.Before = debug.Setup
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func devnode(ctx *cli.Context) error {
	count := ctx.GlobalInt(countFlag.Name)
	if count < 1 {
		return fmt.Errorf("--%s must be positive", countFlag.Name)
	}
	genesis, err := cfxcommon.ParseHash(ctx.GlobalString(genesisFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", genesisFlag.Name, err)
	}

	var nodes []*node.Node
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	for i := 0; i < count; i++ {
		conf := node.DefaultConfig
		conf.Name = fmt.Sprintf("%s-%d", node.DefaultConfig.Name, i)
		conf.NetworkID = ctx.GlobalUint64(networkIDFlag.Name)
		conf.Genesis = genesis
		n, err := node.New(conf)
		if err != nil {
			return err
		}
		if err := startNode(n); err != nil {
			return err
		}
		nodes = append(nodes, n)
		fmt.Printf("--node %s,%s\n", n.HTTPEndpoint(), n.Enode().URLv4())
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	log.Info("Got interrupt, shutting down...")
	return nil
}

func startNode(n *node.Node) error {
	if err := n.Start(); err != nil {
		log.Error(fmt.Sprintf("Error starting protocol stack: %v", err))
		return err
	}
	log.Info("Node started", "name", n.Name(), "rpc", n.HTTPEndpoint(), "enode", n.Enode().URLv4())
	return nil
}
