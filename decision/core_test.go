package decision

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardcredit/cache"
	"cardcredit/corestate"
	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/fixedpoint"
	common "cardcredit/native/common"
	"cardcredit/oracle"
	"cardcredit/queue"
	"cardcredit/webhook"
)

func testAddress(t *testing.T, seed byte) crypto.Address {
	t.Helper()
	b := make([]byte, 20)
	for i := range b {
		b[i] = seed
	}
	return crypto.MustNewAddress(crypto.AccountPrefix, b)
}

func authRequestBody(authID, cardToken string, amountMinor int64, mcc string) webhook.Event {
	evt := webhook.Event{
		EventID: "evt-" + authID,
		Type:    webhook.EventAuthorizationRequest,
		Data: webhook.Data{
			AuthorizationID: authID,
			AmountMinor:     amountMinor,
			CardToken:       cardToken,
		},
	}
	if mcc != "" {
		evt.Data.Merchant = &webhook.Merchant{Category: mcc}
	}
	return evt
}

func TestDecideAuthorizationRequestApproves(t *testing.T) {
	owner := testAddress(t, 0x01)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		CollateralValueUSDMicro: "1000000000",
		DebtUSDMicro:            "0",
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok1"}))

	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth1", "tok1", 5000, "")
	resp, dup, err := core.Handle(context.Background(), evt, "idem1")
	require.NoError(t, err)
	require.False(t, dup)
	out := resp.(Response)
	require.True(t, out.Approved)
	require.Empty(t, out.DeclineReason)

	pending, ok := core.pending.Get("auth1")
	require.True(t, ok)
	require.True(t, pending.Approved)
}

func TestDecideAuthorizationRequestDeclinesNoPosition(t *testing.T) {
	store := cache.NewInMemory()
	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth2", "unknown-token", 5000, "")
	resp, _, err := core.Handle(context.Background(), evt, "idem2")
	require.NoError(t, err)
	require.Equal(t, ReasonNoPosition, resp.(Response).DeclineReason)
}

func TestDecideAuthorizationRequestDeclinesStale(t *testing.T) {
	owner := testAddress(t, 0x02)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now().Add(-5 * time.Minute),
	}, nil, []string{"tok2"}))

	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth3", "tok2", 5000, "")
	resp, _, err := core.Handle(context.Background(), evt, "idem3")
	require.NoError(t, err)
	require.Equal(t, ReasonStalePosition, resp.(Response).DeclineReason)
}

func TestDecideAuthorizationRequestDeclinesHealthFactorLow(t *testing.T) {
	owner := testAddress(t, 0x03)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "10500",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok3"}))

	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth4", "tok3", 5000, "")
	resp, _, err := core.Handle(context.Background(), evt, "idem4")
	require.NoError(t, err)
	require.Equal(t, ReasonHealthFactorLow, resp.(Response).DeclineReason)
}

func TestDecideAuthorizationRequestDeclinesInsufficientCredit(t *testing.T) {
	owner := testAddress(t, 0x04)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "1000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok4"}))

	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth5", "tok4", 5000, "")
	resp, _, err := core.Handle(context.Background(), evt, "idem5")
	require.NoError(t, err)
	require.Equal(t, ReasonInsufficientCredit, resp.(Response).DeclineReason)
}

func TestDecideAuthorizationRequestDeclinesBlockedMCC(t *testing.T) {
	owner := testAddress(t, 0x05)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok5"}))

	cfg := Config{BlockedMCCs: map[string]struct{}{"7995": {}}}
	core := New(cfg, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := authRequestBody("auth6", "tok5", 5000, "7995")
	resp, _, err := core.Handle(context.Background(), evt, "idem6")
	require.NoError(t, err)
	require.Equal(t, ReasonBlockedMCC, resp.(Response).DeclineReason)
}

func TestDecideAuthorizationRequestDeclinesCapExceededOnVelocity(t *testing.T) {
	owner := testAddress(t, 0x06)
	store := cache.NewInMemory()
	require.NoError(t, store.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok6"}))

	cfg := Config{OwnerEpochQuota: common.Quota{MaxRequestsPerMin: 1, EpochSeconds: 60}}
	core := New(cfg, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)

	first := authRequestBody("auth7", "tok6", 5000, "")
	resp, _, err := core.Handle(context.Background(), first, "idem7a")
	require.NoError(t, err)
	require.True(t, resp.(Response).Approved)

	second := authRequestBody("auth8", "tok6", 5000, "")
	resp, _, err = core.Handle(context.Background(), second, "idem7b")
	require.NoError(t, err)
	require.Equal(t, ReasonCapExceeded, resp.(Response).DeclineReason)
}

func TestCommitWithoutPriorApprovalDoesNotEnqueue(t *testing.T) {
	store := cache.NewInMemory()
	core := New(Config{}, store, NewMemoryPendingStore(), nil, testAddress(t, 0xFF), nil)
	evt := webhook.Event{
		EventID: "evt-capture",
		Type:    webhook.EventTransactionCreated,
		Data:    webhook.Data{TransactionID: "auth-unknown", AmountMinor: 5000, CardToken: "tok-none"},
	}
	resp, _, err := core.Handle(context.Background(), evt, "idem-capture")
	require.NoError(t, err)
	require.True(t, resp.(AckResponse).Received)
}

// TestCaptureCommitsExactlyOnce exercises the full approve→capture→enqueue→
// on-chain-debt path, confirming a duplicate capture event for the same
// auth_id results in exactly one debt mutation.
func TestCaptureCommitsExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := corestate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter := oracle.NewMemoryAdapter()
	now := int64(1_000_000)
	adapter.Set(oracle.Quote{AssetID: "USDC", PriceRay: new(big.Int).Set(fixedpoint.Ray), PublishTSUnix: now, ConfidenceBps: 0})
	gate := oracle.NewGate(adapter, 0, 0)

	issuer := testAddress(t, 0xAA)
	owner := testAddress(t, 0x10)
	mint := testAddress(t, 0x20)

	engine := credit.NewEngine(store, gate, issuer)
	require.NoError(t, engine.InitConfig(credit.InitConfigParams{
		Admin:                   testAddress(t, 0x99),
		LTVMaxBps:               8_000,
		LiquidationThresholdBps: 8_500,
		InterestRateBps:         0,
		DebtMint:                testAddress(t, 0x30),
	}, now))
	require.NoError(t, engine.WhitelistToken(testAddress(t, 0x99), credit.WhitelistParams{
		Mint:                    mint,
		Decimals:                6,
		MaxLTVBps:               8_000,
		LiquidationThresholdBps: 8_500,
		OracleRef:               "USDC",
		Enabled:                 true,
	}))
	require.NoError(t, engine.InitPosition(owner))
	require.NoError(t, engine.AddCollateral(context.Background(), owner, mint, big.NewInt(1_000_000_000), now))

	q := queue.New(engine, queue.NewMemoryDeadLetter(), nil)
	t.Cleanup(q.Close)

	cacheStore := cache.NewInMemory()
	require.NoError(t, cacheStore.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok-capture"}))

	core := New(Config{}, cacheStore, NewMemoryPendingStore(), q, issuer, nil)

	reqEvt := authRequestBody("auth-capture", "tok-capture", 5000, "")
	resp, _, err := core.Handle(context.Background(), reqEvt, "idem-req")
	require.NoError(t, err)
	require.True(t, resp.(Response).Approved)

	captureEvt := webhook.Event{
		EventID: "evt-capture",
		Type:    webhook.EventTransactionCreated,
		Data:    webhook.Data{AuthorizationID: "auth-capture", AmountMinor: 5000, CardToken: "tok-capture"},
	}
	_, _, err = core.Handle(context.Background(), captureEvt, "idem-capture-1")
	require.NoError(t, err)
	// Duplicate capture for the same auth_id must coalesce, not double-spend.
	_, _, err = core.Handle(context.Background(), captureEvt, "idem-capture-2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pos, err := store.GetPosition(owner)
		if err != nil || pos.DebtPrincipal.Sign() == 0 {
			return false
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	pos, err := store.GetPosition(owner)
	require.NoError(t, err)
	// 50_000_000 micro-USD at a 1-ray index scales to the same principal.
	require.Equal(t, big.NewInt(50_000_000).String(), pos.DebtPrincipal.String())
}

// TestRefundReducesDebt drives the transaction.updated REFUNDED path: a $75
// capture followed by a $30 refund leaves ~$45 of debt on the position.
func TestRefundReducesDebt(t *testing.T) {
	dir := t.TempDir()
	store, err := corestate.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	adapter := oracle.NewMemoryAdapter()
	now := int64(1_000_000)
	adapter.Set(oracle.Quote{AssetID: "USDC", PriceRay: new(big.Int).Set(fixedpoint.Ray), PublishTSUnix: now, ConfidenceBps: 0})
	gate := oracle.NewGate(adapter, 0, 0)

	issuer := testAddress(t, 0xAB)
	owner := testAddress(t, 0x11)
	mint := testAddress(t, 0x21)

	engine := credit.NewEngine(store, gate, issuer)
	require.NoError(t, engine.InitConfig(credit.InitConfigParams{
		Admin:                   testAddress(t, 0x99),
		LTVMaxBps:               8_000,
		LiquidationThresholdBps: 8_500,
		InterestRateBps:         0,
		DebtMint:                testAddress(t, 0x31),
	}, now))
	require.NoError(t, engine.WhitelistToken(testAddress(t, 0x99), credit.WhitelistParams{
		Mint:                    mint,
		Decimals:                6,
		MaxLTVBps:               8_000,
		LiquidationThresholdBps: 8_500,
		OracleRef:               "USDC",
		Enabled:                 true,
	}))
	require.NoError(t, engine.InitPosition(owner))
	require.NoError(t, engine.AddCollateral(context.Background(), owner, mint, big.NewInt(1_000_000_000), now))

	q := queue.New(engine, queue.NewMemoryDeadLetter(), nil)
	t.Cleanup(q.Close)

	cacheStore := cache.NewInMemory()
	require.NoError(t, cacheStore.PutPosition(context.Background(), owner, cache.CachedPosition{
		Owner:                   owner,
		AvailableCreditUSDMicro: "800000000",
		HealthFactorBps:         "20000",
		WrittenAt:               time.Now(),
	}, nil, []string{"tok-refund"}))

	core := New(Config{}, cacheStore, NewMemoryPendingStore(), q, issuer, nil)

	reqEvt := authRequestBody("auth-refund", "tok-refund", 7500, "")
	resp, _, err := core.Handle(context.Background(), reqEvt, "idem-rr")
	require.NoError(t, err)
	require.True(t, resp.(Response).Approved)

	captureEvt := webhook.Event{
		EventID: "evt-rr-capture",
		Type:    webhook.EventTransactionCreated,
		Data:    webhook.Data{AuthorizationID: "auth-refund", AmountMinor: 7500, CardToken: "tok-refund"},
	}
	_, _, err = core.Handle(context.Background(), captureEvt, "idem-rr-capture")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pos, err := store.GetPosition(owner)
		return err == nil && pos.DebtPrincipal.Cmp(big.NewInt(75_000_000)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	refundEvt := webhook.Event{
		EventID: "evt-rr-refund",
		Type:    webhook.EventTransactionUpdated,
		Data:    webhook.Data{AuthorizationID: "auth-refund", AmountMinor: 3000, CardToken: "tok-refund", Status: "REFUNDED"},
	}
	_, _, err = core.Handle(context.Background(), refundEvt, "idem-rr-refund")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pos, err := store.GetPosition(owner)
		return err == nil && pos.DebtPrincipal.Cmp(big.NewInt(45_000_000)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
