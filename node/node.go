package node

import (
	"fmt"
	"net"
	"reflect"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/peicuiping/cfx-nettest/cfx"
	"github.com/peicuiping/cfx-nettest/p2p"
	"github.com/peicuiping/cfx-nettest/rpc"
)

// Node is an in-process cfx peer: a devp2p server running the cfx status
// exchange plus a JSON-RPC endpoint.
type Node struct {
	config       Config
	serverConfig p2p.Config
	server       *p2p.Server

	serviceFuncs []ServiceConstructor
	services     map[reflect.Type]Service

	http *rpc.HTTPEndpoint
	log  log.Logger

	stop chan struct{}
	lock sync.RWMutex
}

// New creates a node with the cfx service registered.
func New(conf Config) (*Node, error) {
	if conf.Genesis == (common.Hash{}) {
		conf.Genesis = DefaultConfig.Genesis
	}
	if conf.Name == "" {
		conf.Name = clientIdentifier
	}
	if conf.ListenAddr == "" {
		conf.ListenAddr = DefaultConfig.ListenAddr
	}
	if conf.HTTPHost == "" {
		conf.HTTPHost = DefaultConfig.HTTPHost
	}
	if conf.PrivateKey == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		conf.PrivateKey = key
	}
	logger := conf.Logger
	if logger == nil {
		logger = log.Root()
	}
	n := &Node{
		config: conf,
		log:    logger.New("node", conf.Name),
	}
	err := n.Register(func(ctx *ServiceContext) (Service, error) {
		c := ctx.NodeConfig()
		return cfx.New(cfx.Config{
			NetworkID: c.NetworkID,
			Genesis:   c.Genesis,
			Logger:    n.log,
		})
	})
	return n, err
}

// Register adds a service constructor. It fails once the node is running.
func (n *Node) Register(constructor ServiceConstructor) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.server != nil {
		return ErrNodeRunning
	}
	n.serviceFuncs = append(n.serviceFuncs, constructor)
	return nil
}

func (n *Node) Start() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.server != nil {
		return ErrNodeRunning
	}

	n.serverConfig = p2p.Config{
		PrivateKey: n.config.PrivateKey,
		MaxPeers:   n.config.MaxPeers,
		Name:       n.config.Name,
		ListenAddr: n.config.ListenAddr,
		NoDial:     n.config.NoDial,
		Logger:     n.log,
	}

	// 构造所有 Service
	services := make(map[reflect.Type]Service)
	for _, constructor := range n.serviceFuncs {
		ctx := &ServiceContext{config: &n.config, services: services}
		service, err := constructor(ctx)
		if err != nil {
			return err
		}
		kind := reflect.TypeOf(service)
		if _, exists := services[kind]; exists {
			return &DuplicateServiceError{Kind: kind}
		}
		services[kind] = service
	}
	for _, service := range services {
		n.serverConfig.Protocols = append(n.serverConfig.Protocols, service.Protocols()...)
	}

	running := &p2p.Server{Config: n.serverConfig}
	if err := running.Start(); err != nil {
		return err
	}

	// 启动 Service
	var started []reflect.Type
	for kind, service := range services {
		if err := service.Start(running); err != nil {
			for _, kind := range started {
				services[kind].Stop()
			}
			running.Stop()
			return err
		}
		started = append(started, kind)
	}

	apis := []gethrpc.API{{Namespace: "test", Service: NewPrivateTestAPI(n, running)}}
	for _, service := range services {
		apis = append(apis, service.APIs()...)
	}
	endpoint := net.JoinHostPort(n.config.HTTPHost, strconv.Itoa(n.config.HTTPPort))
	http, err := rpc.StartHTTPEndpoint(endpoint, apis, n.config.HTTPModules, n.config.HTTPCors, n.config.HTTPVirtualHosts)
	if err != nil {
		for _, service := range services {
			service.Stop()
		}
		running.Stop()
		return fmt.Errorf("http endpoint: %w", err)
	}
	n.log.Info("Node started", "enode", running.Self().URLv4(), "rpc", http.URL())

	n.services = services
	n.server = running
	n.http = http
	n.stop = make(chan struct{})
	return nil
}

// Stop shuts down the RPC endpoint, the p2p server and the services, in that
// order, and releases Wait.
func (n *Node) Stop() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.server == nil {
		return ErrNodeStopped
	}

	failure := &StopError{Services: make(map[reflect.Type]error)}
	if err := n.http.Close(); err != nil {
		failure.Server = err
	}
	n.server.Stop()
	for kind, service := range n.services {
		if err := service.Stop(); err != nil {
			failure.Services[kind] = err
		}
	}
	n.server = nil
	n.http = nil
	n.services = nil
	close(n.stop)

	if failure.Server != nil || len(failure.Services) > 0 {
		return failure
	}
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	n.lock.RLock()
	if n.server == nil {
		n.lock.RUnlock()
		return
	}
	stop := n.stop
	n.lock.RUnlock()

	<-stop
}

// Service retrieves a running service of the type pointed to by service.
func (n *Node) Service(service interface{}) error {
	n.lock.RLock()
	defer n.lock.RUnlock()

	if n.server == nil {
		return ErrNodeStopped
	}
	element := reflect.ValueOf(service).Elem()
	if running, ok := n.services[element.Type()]; ok {
		element.Set(reflect.ValueOf(running))
		return nil
	}
	return ErrServiceUnknown
}

// Server returns the running p2p server, or nil.
func (n *Node) Server() *p2p.Server {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.server
}

// Enode returns the node's p2p endpoint. It is nil while stopped.
func (n *Node) Enode() *enode.Node {
	if srv := n.Server(); srv != nil {
		return srv.Self()
	}
	return nil
}

// HTTPEndpoint returns the JSON-RPC URL, or "" while stopped.
func (n *Node) HTTPEndpoint() string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	if n.http == nil {
		return ""
	}
	return n.http.URL()
}

func (n *Node) Genesis() common.Hash { return n.config.Genesis }

func (n *Node) Name() string { return n.config.Name }
