package cfx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBlockByEpochNumber(t *testing.T) {
	api := NewPublicCfxAPI(newTestService(t))

	for _, epoch := range []string{"0x0", "earliest", "latest_state", "LATEST_MINED"} {
		b, err := api.GetBlockByEpochNumber(epoch, false)
		require.NoError(t, err, epoch)
		require.NotNil(t, b, epoch)
		assert.Equal(t, testGenesis, b.Hash)
	}

	b, err := api.GetBlockByEpochNumber("0x5", true)
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = api.GetBlockByEpochNumber("pending", false)
	assert.Error(t, err)
	assert.EqualValues(t, 0, api.EpochNumber())
}
