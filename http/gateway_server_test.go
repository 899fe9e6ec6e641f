package http

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"database/sql"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	x402 "github.com/tempo-x402/x402-go"

	"github.com/tempo-x402/x402-go/gateway"
)

const gatewayPayTo = "0x2222222222222222222222222222222222222222"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type stubSettler struct {
	settleErr error
	declined  bool
	calls     int
	lastReqs  *x402.PaymentRequirements
	lastPayer string
}

func (s *stubSettler) Verify(_ context.Context, payload *x402.PaymentPayload, _ *x402.PaymentRequirements) (x402.VerifyResponse, error) {
	return x402.VerifyResponse{IsValid: true, Payer: payload.Payload.From}, nil
}

func (s *stubSettler) Settle(_ context.Context, payload *x402.PaymentPayload, reqs *x402.PaymentRequirements) (x402.SettleResponse, error) {
	s.calls++
	s.lastReqs = reqs
	s.lastPayer = payload.Payload.From
	if s.settleErr != nil {
		return x402.SettleResponse{}, s.settleErr
	}
	if s.declined {
		return x402.SettleResponse{
			Success:     false,
			Network:     payload.Network,
			ErrorReason: "payment cannot be completed",
		}, nil
	}
	return x402.SettleResponse{
		Success:     true,
		Transaction: "0xfeedface",
		Network:     payload.Network,
		Payer:       payload.Payload.From,
	}, nil
}

type gatewayEnv struct {
	server   *GatewayServer
	settler  *stubSettler
	registry *gateway.Registry
	upstream *http.Request
	key      *ecdsa.PrivateKey
	owner    string
}

func newGatewayEnv(t *testing.T, mutate func(*GatewayServerConfig)) *gatewayEnv {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/gateway.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	registry := gateway.NewRegistry(db)
	require.NoError(t, registry.Migrate(context.Background()))

	env := &gatewayEnv{
		settler:  &stubSettler{},
		registry: registry,
	}

	proxy := gateway.NewProxy(nil)
	proxy.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		env.upstream = r
		return &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Type": []string{"application/json"},
				"Set-Cookie":   []string{"upstream=secret"},
			},
			Body: io.NopCloser(strings.NewReader(`{"data":"sunny"}`)),
		}, nil
	}))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env.key = key
	env.owner = crypto.PubkeyToAddress(key.PublicKey).Hex()

	cfg := GatewayServerConfig{
		Registry:      registry,
		Proxy:         proxy,
		Settler:       env.settler,
		PayTo:         gatewayPayTo,
		AdminPriceUSD: "$0.10",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewGatewayServer(cfg)
	require.NoError(t, err)
	env.server = server
	return env
}

// paymentHeader builds a structurally valid, genuinely signed envelope.
// The stub settler accepts anything, but the owner check on management
// routes recovers the real signer.
func paymentHeader(t *testing.T, key *ecdsa.PrivateKey, to, value string, secret []byte) string {
	t.Helper()

	nonce, err := x402.RandomNonce()
	require.NoError(t, err)
	now := time.Now().Unix()
	auth := x402.PaymentAuthorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          to,
		Value:       value,
		Token:       x402.DefaultTokenAddress,
		ValidAfter:  now - 60,
		ValidBefore: now + 240,
		Nonce:       nonce,
	}

	digest, err := x402.SigningHash(auth, big.NewInt(x402.TempoChainID))
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	payload := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeTempoTIP20,
		Network:     x402.NetworkTempo,
		Payload: x402.SignedAuthorization{
			PaymentAuthorization: auth,
			Signature:            hexutil.Encode(sig),
		},
	}

	var header string
	if secret != nil {
		header, err = x402.EncodePaymentHeaderWithTag(payload, secret)
	} else {
		header, err = x402.EncodePaymentHeader(payload)
	}
	require.NoError(t, err)
	return header
}

func (e *gatewayEnv) do(t *testing.T, method, path string, body interface{}, payment string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, "https://gw.example.com"+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if payment != "" {
		req.Header.Set(x402.HeaderPaymentSignature, payment)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func registerBody(slug string) map[string]string {
	return map[string]string{
		"slug":        slug,
		"targetUrl":   "https://api.example.com/v1",
		"priceUsd":    "$0.01",
		"description": "test endpoint",
	}
}

func (e *gatewayEnv) register(t *testing.T, slug string) {
	t.Helper()
	payment := paymentHeader(t, e.key, gatewayPayTo, "100000", nil)
	w := e.do(t, http.MethodPost, "/register", registerBody(slug), payment)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) PaymentRequired {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	var challenge PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	require.Len(t, challenge.Accepts, 1)
	return challenge
}

func TestGatewayRegisterPaywall(t *testing.T) {
	env := newGatewayEnv(t, nil)

	w := env.do(t, http.MethodPost, "/register", registerBody("weather"), "")
	challenge := decodeChallenge(t, w)

	reqs := challenge.Accepts[0]
	assert.Equal(t, x402.SchemeTempoTIP20, reqs.Scheme)
	assert.Equal(t, x402.NetworkTempo, reqs.Network)
	assert.Equal(t, gatewayPayTo, reqs.PayTo, "registration fees go to the gateway")
	assert.Equal(t, "100000", reqs.MaxAmountRequired, "$0.10 in 6-decimal units")
	assert.Equal(t, x402.DefaultTokenAddress, reqs.Asset)
}

func TestGatewayRegisterSuccess(t *testing.T) {
	env := newGatewayEnv(t, nil)
	payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)

	w := env.do(t, http.MethodPost, "/register", registerBody("weather"), payment)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var ep gateway.Endpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ep))
	assert.Equal(t, "weather", ep.Slug)
	assert.Equal(t, env.owner, ep.OwnerAddress, "payer becomes the owner")
	assert.Equal(t, gateway.StatusActive, ep.Status)

	settlement, err := x402.DecodeSettlementHeader(w.Header().Get(x402.HeaderPaymentResponse), nil)
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, "0xfeedface", settlement.Transaction)

	w = env.do(t, http.MethodGet, "/endpoints/weather", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGatewayRegisterRollbackOnDeclinedPayment(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.settler.declined = true

	payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)
	w := env.do(t, http.MethodPost, "/register", registerBody("weather"), payment)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	// The reservation was rolled back: the slug registers cleanly now.
	env.settler.declined = false
	env.register(t, "weather")
}

func TestGatewayRegisterValidation(t *testing.T) {
	env := newGatewayEnv(t, nil)
	payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)

	t.Run("bad slug", func(t *testing.T) {
		body := registerBody("Bad_Slug")
		w := env.do(t, http.MethodPost, "/register", body, payment)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reserved slug", func(t *testing.T) {
		body := registerBody("metrics")
		w := env.do(t, http.MethodPost, "/register", body, payment)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("plain http target", func(t *testing.T) {
		body := registerBody("weather")
		body["targetUrl"] = "http://api.example.com"
		w := env.do(t, http.MethodPost, "/register", body, payment)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("private target", func(t *testing.T) {
		body := registerBody("weather")
		body["targetUrl"] = "https://169.254.169.254/latest"
		w := env.do(t, http.MethodPost, "/register", body, payment)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad price", func(t *testing.T) {
		body := registerBody("weather")
		body["priceUsd"] = "ten cents"
		w := env.do(t, http.MethodPost, "/register", body, payment)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	assert.Zero(t, env.settler.calls, "invalid registrations must never charge")
}

func TestGatewayRegisterDuplicateSlug(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "weather")

	payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)
	w := env.do(t, http.MethodPost, "/register", registerBody("weather"), payment)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGatewayProxyPaywall(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "weather")

	w := env.do(t, http.MethodGet, "/g/weather", nil, "")
	challenge := decodeChallenge(t, w)

	reqs := challenge.Accepts[0]
	assert.Equal(t, env.owner, reqs.PayTo, "endpoint calls pay the owner")
	assert.Equal(t, "10000", reqs.MaxAmountRequired, "$0.01 in 6-decimal units")
}

func TestGatewayProxyForward(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "weather")

	payment := paymentHeader(t, env.key, env.owner, "10000", nil)
	w := env.do(t, http.MethodGet, "/g/weather/data?city=berlin", nil, payment)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, env.upstream)
	assert.Equal(t, "https://api.example.com/v1/data?city=berlin", env.upstream.URL.String())
	assert.Equal(t, "true", env.upstream.Header.Get("X-X402-Verified"))
	assert.Equal(t, "0xfeedface", env.upstream.Header.Get("X-X402-TxHash"))

	assert.JSONEq(t, `{"data":"sunny"}`, w.Body.String())
	assert.Empty(t, w.Header().Get("Set-Cookie"), "response allow-list filters upstream cookies")
	assert.NotEmpty(t, w.Header().Get(x402.HeaderPaymentResponse))

	// The settled call lands in the books.
	w = env.do(t, http.MethodGet, "/analytics/weather", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats gateway.Endpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.RequestCount)
	assert.Equal(t, "10000", stats.RevenueTotal)
}

func TestGatewayProxyUnknownSlug(t *testing.T) {
	env := newGatewayEnv(t, nil)
	w := env.do(t, http.MethodGet, "/g/nothing-here", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayUpdateOwnerCheckBeforeSettle(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "weather")
	settled := env.settler.calls

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	t.Run("non-owner is refused without being charged", func(t *testing.T) {
		payment := paymentHeader(t, otherKey, gatewayPayTo, "100000", nil)
		w := env.do(t, http.MethodPatch, "/endpoints/weather", map[string]string{"description": "hijacked"}, payment)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, settled, env.settler.calls, "the non-owner's payment must not settle")
	})

	t.Run("owner updates", func(t *testing.T) {
		payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)
		w := env.do(t, http.MethodPatch, "/endpoints/weather", map[string]string{"description": "updated"}, payment)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var ep gateway.Endpoint
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ep))
		assert.Equal(t, "updated", ep.Description)
	})
}

func TestGatewayDeactivate(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "weather")

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	payment := paymentHeader(t, otherKey, gatewayPayTo, "100000", nil)
	w := env.do(t, http.MethodDelete, "/endpoints/weather", nil, payment)
	assert.Equal(t, http.StatusForbidden, w.Code)

	payment = paymentHeader(t, env.key, gatewayPayTo, "100000", nil)
	w = env.do(t, http.MethodDelete, "/endpoints/weather", nil, payment)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/endpoints/weather", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayHeaderSecret(t *testing.T) {
	secret := []byte("gateway-header-secret")
	env := newGatewayEnv(t, func(cfg *GatewayServerConfig) {
		cfg.HeaderSecret = secret
	})

	t.Run("untagged header is refused", func(t *testing.T) {
		payment := paymentHeader(t, env.key, gatewayPayTo, "100000", nil)
		w := env.do(t, http.MethodPost, "/register", registerBody("weather"), payment)
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Zero(t, env.settler.calls)
	})

	t.Run("tagged header settles and the response is tagged back", func(t *testing.T) {
		payment := paymentHeader(t, env.key, gatewayPayTo, "100000", secret)
		w := env.do(t, http.MethodPost, "/register", registerBody("weather"), payment)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		settlement, err := x402.DecodeSettlementHeader(w.Header().Get(x402.HeaderPaymentResponse), secret)
		require.NoError(t, err)
		assert.True(t, settlement.Success)
	})
}

func TestGatewayAnalytics(t *testing.T) {
	env := newGatewayEnv(t, nil)
	env.register(t, "alpha")
	env.register(t, "beta")

	payment := paymentHeader(t, env.key, env.owner, "10000", nil)
	w := env.do(t, http.MethodGet, "/g/alpha", nil, payment)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/analytics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats gateway.GlobalStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Endpoints)
	assert.Equal(t, int64(1), stats.PaymentCount)
	assert.Equal(t, "$0.01", stats.RevenueUSD)
}

func TestGatewayHealth(t *testing.T) {
	env := newGatewayEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
