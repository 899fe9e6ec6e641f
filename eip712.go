package x402

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP-712 domain parameters. The verifying contract is the token being
// transferred, so authorizations for one token can never be replayed
// against another.
const (
	EIP712DomainName    = "x402-tempo"
	EIP712DomainVersion = "1"
)

// secp256k1HalfN is half the curve order. Signatures with s above this
// value have a distinct but equally valid counterpart (EIP-2 malleability)
// and are rejected.
var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// SigningHash computes the EIP-712 digest a payer signs over a payment
// authorization: keccak256("\x19\x01" + domainSeparator + structHash).
//
// Args:
//
//	auth: The payment authorization to hash
//	chainID: The chain ID bound into the EIP-712 domain
//
// Returns:
//
//	32-byte digest suitable for signing or recovery
//	error if the authorization fields cannot be hashed
func SigningHash(auth PaymentAuthorization, chainID *big.Int) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	nonceBytes, err := hexutil.Decode(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"PaymentAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "token", Type: "address"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              EIP712DomainName,
			Version:           EIP712DomainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(auth.Token).Hex(),
		},
		Message: map[string]interface{}{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value,
			"token":       common.HexToAddress(auth.Token).Hex(),
			"validAfter":  big.NewInt(auth.ValidAfter),
			"validBefore": big.NewInt(auth.ValidBefore),
			"nonce":       nonceBytes,
		},
	}

	// Hash the struct data
	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	// Hash the domain
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	// Create EIP-712 digest: 0x19 0x01 <domainSeparator> <dataHash>
	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner recovers the address that produced signatureHex over the
// given authorization and checks it for canonical form.
//
// The signature must be 65 bytes (r, s, v). A high-s signature is rejected
// before any recovery work; v values of 27/28 are normalized to 0/1.
//
// Returns:
//
//	The recovered signer address
//	*PaymentError with code non_canonical_signature or invalid_signature
func RecoverSigner(auth PaymentAuthorization, signatureHex string, chainID *big.Int) (common.Address, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(signatureHex))
	if err != nil {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "signature is not valid hex", nil)
	}
	if len(sig) != 65 {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "signature must be 65 bytes", nil)
	}

	s := new(big.Int).SetBytes(sig[32:64])
	if s.Cmp(secp256k1HalfN) > 0 {
		return common.Address{}, NewPaymentError(ErrCodeNonCanonicalSignature, "signature s value is not canonical", nil)
	}

	v := sig[64]
	if v == 27 || v == 28 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "invalid recovery id", nil)
	}

	digest, err := SigningHash(auth, chainID)
	if err != nil {
		return common.Address{}, NewPaymentError(ErrCodeMalformedPayload, err.Error(), nil)
	}

	recovery := make([]byte, 65)
	copy(recovery, sig[:64])
	recovery[64] = v

	pubkeyBytes, err := crypto.Ecrecover(digest, recovery)
	if err != nil {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "signature recovery failed", nil)
	}
	pubkey, err := crypto.UnmarshalPubkey(pubkeyBytes)
	if err != nil {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "recovered public key is invalid", nil)
	}

	addr := crypto.PubkeyToAddress(*pubkey)
	if addr == (common.Address{}) {
		return common.Address{}, NewPaymentError(ErrCodeInvalidSignature, "recovered zero address", nil)
	}
	return addr, nil
}

// VerifySignature recovers the signer and checks it against the claimed
// payer. Pure function: no clock, no network.
func VerifySignature(auth PaymentAuthorization, signatureHex string, chainID *big.Int) error {
	signer, err := RecoverSigner(auth, signatureHex, chainID)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(auth.From) {
		return NewPaymentError(ErrCodeInvalidSignature, "signer does not match payer", nil)
	}
	return nil
}

// RandomNonce returns a fresh 32-byte nonce as 0x-prefixed hex. The raw
// entropy is keccak-hashed so the output never leaks RNG state directly.
func RandomNonce() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	return hexutil.Encode(crypto.Keccak256(raw[:])), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
