package common

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
)

// TraceDump logs a spew dump of v at trace level. The dump is only built
// when the logger emits trace records.
func TraceDump(logger log.Logger, msg, key string, v interface{}) {
	if !logger.Enabled(context.Background(), log.LevelTrace) {
		return
	}
	logger.Trace(msg, key, spew.Sdump(v))
}
