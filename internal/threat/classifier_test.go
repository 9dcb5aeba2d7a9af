package threat

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/mempool-guardian/internal/chain"
)

var (
	safe     = common.HexToAddress("0x5afe000000000000000000000000000000005afe")
	vault    = common.HexToAddress("0x7a01700000000000000000000000000000007a01")
	attacker = common.HexToAddress("0xbad0000000000000000000000000000000000bad")
	token    = common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F")
	acct     = Account{Address: safe, Vault: vault}
	now      = time.Unix(1_700_000_000, 0)
)

func addr(a common.Address) *common.Address { return &a }

func transferFromData(from, to common.Address, amount int64) []byte {
	d := append([]byte{}, selTransferFrom[:]...)
	d = append(d, common.LeftPadBytes(from.Bytes(), 32)...)
	d = append(d, common.LeftPadBytes(to.Bytes(), 32)...)
	return append(d, common.LeftPadBytes(big.NewInt(amount).Bytes(), 32)...)
}

func TestOutgoingNativeDrain(t *testing.T) {
	tx := chain.PendingTx{From: safe, To: addr(attacker), Data: common.FromHex("0x"), Value: big.NewInt(1)}
	got := Classify(tx, acct, now)
	require.NotNil(t, got)
	assert.Equal(t, UnauthorizedOutgoing, got.Type)
	assert.Equal(t, Critical, got.Severity)
	assert.True(t, got.Asset.IsNative())
	assert.Equal(t, now, got.DetectedAt)
}

func TestOutgoingToVaultIsNotAThreat(t *testing.T) {
	tx := chain.PendingTx{From: safe, To: addr(vault), Data: []byte{1, 2, 3, 4}}
	assert.Nil(t, Classify(tx, acct, now))
}

func TestOutgoingTokenCall(t *testing.T) {
	data := append(selTransfer[:], make([]byte, 64)...)
	got := Classify(chain.PendingTx{From: safe, To: addr(token), Data: data}, acct, now)
	require.NotNil(t, got)
	assert.Equal(t, UnauthorizedOutgoing, got.Type)
	assert.Equal(t, chain.Token(token), got.Asset)

	got = Classify(chain.PendingTx{From: safe, Data: []byte{0x60, 0x80}}, acct, now)
	require.NotNil(t, got)
	assert.True(t, got.Asset.Multiple)
}

func TestOutgoingEveryNonVaultRecipient(t *testing.T) {
	for i := 0; i < 64; i++ {
		to := common.BigToAddress(big.NewInt(int64(i*7919 + 1)))
		if to == vault {
			continue
		}
		got := Classify(chain.PendingTx{From: safe, To: addr(to)}, acct, now)
		require.NotNil(t, got, "recipient %s", to)
		assert.Equal(t, UnauthorizedOutgoing, got.Type)
	}
}

func TestDangerousContractCall(t *testing.T) {
	for sel := range dangerous {
		data := append(append([]byte{}, sel[:]...), make([]byte, 64)...)
		got := Classify(chain.PendingTx{From: attacker, To: addr(safe), Data: data}, acct, now)
		require.NotNil(t, got, "selector %x", sel)
		assert.Equal(t, DangerousContractCall, got.Type)
		assert.Equal(t, High, got.Severity)
		assert.True(t, got.Asset.Multiple)
	}

	benign := chain.PendingTx{From: attacker, To: addr(safe), Data: common.FromHex("0x12345678")}
	assert.Nil(t, Classify(benign, acct, now))
	assert.Nil(t, Classify(chain.PendingTx{From: attacker, To: addr(safe)}, acct, now))
}

func TestTransferFromAttackAnyContract(t *testing.T) {
	for _, c := range []common.Address{token, attacker, common.HexToAddress("0x01")} {
		tx := chain.PendingTx{From: attacker, To: addr(c), Data: transferFromData(safe, attacker, 1_000_000)}
		got := Classify(tx, acct, now)
		require.NotNil(t, got)
		assert.Equal(t, ERC20TransferFromAttack, got.Type)
		assert.Equal(t, Critical, got.Severity)
		assert.Equal(t, chain.Token(c), got.Asset)
		assert.Equal(t, uint256.NewInt(1_000_000), got.Amount)
	}
}

func TestTransferFromOtherOwnerIgnored(t *testing.T) {
	tx := chain.PendingTx{From: attacker, To: addr(token), Data: transferFromData(vault, attacker, 5)}
	assert.Nil(t, Classify(tx, acct, now))
}

func TestMalformedCallDataIsNoMatch(t *testing.T) {
	short := transferFromData(safe, attacker, 5)[:60]
	assert.Nil(t, Classify(chain.PendingTx{From: attacker, To: addr(token), Data: short}, acct, now))

	dirty := transferFromData(safe, attacker, 5)
	dirty[4] = 0xff
	assert.Nil(t, Classify(chain.PendingTx{From: attacker, To: addr(token), Data: dirty}, acct, now))

	assert.Nil(t, Classify(chain.PendingTx{From: attacker, To: addr(token), Data: []byte{0x23}}, acct, now))
}

func TestPrecedenceOutgoingWins(t *testing.T) {
	// The protected account calling transferFrom on itself matches rule 1 first.
	tx := chain.PendingTx{From: safe, To: addr(token), Data: transferFromData(safe, attacker, 1)}
	got := Classify(tx, acct, now)
	require.NotNil(t, got)
	assert.Equal(t, UnauthorizedOutgoing, got.Type)
}

func TestClassifyIsDeterministic(t *testing.T) {
	tx := chain.PendingTx{From: attacker, To: addr(token), Data: transferFromData(safe, attacker, 9)}
	a, b := Classify(tx, acct, now), Classify(tx, acct, now)
	assert.Equal(t, a, b)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "ERC20_TRANSFER_FROM_ATTACK", ERC20TransferFromAttack.String())
	assert.Equal(t, "CRITICAL", Critical.String())
	assert.Equal(t, "UNKNOWN", Type(0).String())
}
