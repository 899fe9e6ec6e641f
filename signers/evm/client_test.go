package evm

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenABI(t *testing.T) {
	tokenABI, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)

	t.Run("transferFrom selector", func(t *testing.T) {
		data, err := tokenABI.Pack("transferFrom",
			common.HexToAddress("0x1111111111111111111111111111111111111111"),
			common.HexToAddress("0x2222222222222222222222222222222222222222"),
			big.NewInt(10000),
		)
		require.NoError(t, err)
		// Canonical ERC-20 transferFrom(address,address,uint256) selector.
		assert.Equal(t, "0x23b872dd", hexutil.Encode(data[:4]))
		assert.Len(t, data, 4+3*32)
	})

	t.Run("balanceOf round trip", func(t *testing.T) {
		data, err := tokenABI.Pack("balanceOf",
			common.HexToAddress("0x1111111111111111111111111111111111111111"))
		require.NoError(t, err)
		assert.Equal(t, "0x70a08231", hexutil.Encode(data[:4]))

		out, err := tokenABI.Unpack("balanceOf", common.LeftPadBytes(big.NewInt(42).Bytes(), 32))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(42), out[0].(*big.Int))
	})

	t.Run("allowance selector", func(t *testing.T) {
		data, err := tokenABI.Pack("allowance",
			common.HexToAddress("0x1111111111111111111111111111111111111111"),
			common.HexToAddress("0x2222222222222222222222222222222222222222"))
		require.NoError(t, err)
		assert.Equal(t, "0xdd62ed3e", hexutil.Encode(data[:4]))
	})
}

func TestDialRejectsBadKey(t *testing.T) {
	_, err := Dial(t.Context(), "http://127.0.0.1:0", "not-a-key", big.NewInt(1))
	assert.Error(t, err)
}
