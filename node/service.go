package node

import (
	"reflect"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/peicuiping/cfx-nettest/p2p"
)

// Service is a protocol and RPC bundle run by a Node.
type Service interface {
	Protocols() []p2p.Protocol
	APIs() []gethrpc.API
	Start(server *p2p.Server) error
	Stop() error
}

// ServiceContext is handed to constructors during Start.
type ServiceContext struct {
	config   *Config
	services map[reflect.Type]Service
}

// NodeConfig returns a copy of the node configuration.
func (ctx *ServiceContext) NodeConfig() Config {
	return *ctx.config
}

// Service retrieves an already constructed service of the type pointed to by
// service.
func (ctx *ServiceContext) Service(service interface{}) error {
	element := reflect.ValueOf(service).Elem()
	if running, ok := ctx.services[element.Type()]; ok {
		element.Set(reflect.ValueOf(running))
		return nil
	}
	return ErrServiceUnknown
}

type ServiceConstructor func(ctx *ServiceContext) (Service, error)
