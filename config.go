package x402

import "math/big"

// ChainConfig pins the deployment a facilitator settles against. Payments
// bound to a different chain or token contract are rejected during verify.
type ChainConfig struct {
	ChainID *big.Int
	Network string
	RPCURL  string
}

// DefaultChainConfig returns the Tempo network configuration.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		ChainID: big.NewInt(TempoChainID),
		Network: NetworkTempo,
		RPCURL:  DefaultRPCURL,
	}
}
