package rpc

import (
	"context"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// HTTPEndpoint is a running JSON-RPC over HTTP listener.
type HTTPEndpoint struct {
	listener net.Listener
	server   *http.Server
	handler  *gethrpc.Server
}

// StartHTTPEndpoint registers the whitelisted apis and serves them on
// endpoint. An empty modules list exposes every api.
func StartHTTPEndpoint(endpoint string, apis []gethrpc.API, modules []string, cors []string, vhosts []string) (*HTTPEndpoint, error) {
	whitelist := make(map[string]bool)
	for _, module := range modules {
		whitelist[module] = true
	}

	// 构建 Server 对象
	handler := gethrpc.NewServer()

	// 注册 Service 对象
	for _, api := range apis {
		if len(whitelist) == 0 || whitelist[api.Namespace] {
			if err := handler.RegisterName(api.Namespace, api.Service); err != nil {
				handler.Stop()
				return nil, err
			}
			log.Debug("HTTP registered", "namespace", api.Namespace)
		}
	}

	// 启动 Listener
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		handler.Stop()
		return nil, err
	}

	// 启动HTTP服务，守护 Listener
	server := NewHTTPServer(cors, vhosts, handler)
	go server.Serve(listener)
	return &HTTPEndpoint{listener: listener, server: server, handler: handler}, nil
}

// Addr returns the listening address.
func (e *HTTPEndpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// URL returns the http URL of the endpoint.
func (e *HTTPEndpoint) URL() string {
	return "http://" + e.listener.Addr().String()
}

func (e *HTTPEndpoint) Close() error {
	err := e.server.Shutdown(context.Background())
	e.handler.Stop()
	return err
}
