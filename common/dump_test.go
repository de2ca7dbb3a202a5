package common

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
)

type countingStringer struct{ calls *int }

func (c countingStringer) String() string {
	*c.calls++
	return "status"
}

func TestTraceDump(t *testing.T) {
	var calls int
	v := countingStringer{calls: &calls}

	var buf bytes.Buffer
	quiet := log.NewLogger(log.NewTerminalHandlerWithLevel(&buf, log.LevelInfo, false))
	TraceDump(quiet, "Received status", "status", v)
	assert.Equal(t, 0, calls)
	assert.Empty(t, buf.String())

	verbose := log.NewLogger(log.NewTerminalHandlerWithLevel(&buf, log.LevelTrace, false))
	TraceDump(verbose, "Received status", "status", v)
	assert.Equal(t, 1, calls)
	assert.Contains(t, buf.String(), "Received status")
}
