package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/ligun0805/mempool-guardian/internal/chain"
)

func TestHostOf(t *testing.T) {
	assert.Equal(t, "relay.flashbots.net", hostOf("https://relay.flashbots.net"))
	assert.Equal(t, "not a url", hostOf("not a url"))
}

func TestAssetLabels(t *testing.T) {
	usdt := common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
	got := assetLabels(137, []chain.AssetRef{chain.Native, chain.Token(usdt)})
	assert.Equal(t, "POL", got[0])
	assert.Equal(t, "USDT", got[1])
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "netcheck", "presign"} {
		assert.True(t, names[want], want)
	}
}
