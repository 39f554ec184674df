package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/ledger"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/reconciliation"
)

const (
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	carol   = "0x3333333333333333333333333333333333333333"
	nftA    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	feeAddr = "0x000000000000000000000000000000000000fee5"
	regAddr = "0x00000000000000000000000000000000000e5c40"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc     *Service
	mirror  *mirror.Service
	reg     *custody.Registry
	assets  *custody.MemoryAssets
	audit   *reconciliation.Service
	discrep *reconciliation.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := ledger.NewMemoryJournal()
	f := &fixture{assets: custody.NewMemoryAssets(), discrep: reconciliation.NewMemoryStore()}
	f.reg = custody.NewRegistry(custody.NewMemoryStore(), f.assets, journal, custody.Config{
		RegistryAddress: regAddr, FeeRecipient: feeAddr, FeeBasisPoints: 250,
	}, nil)
	store := mirror.NewMemoryStore()
	f.mirror = mirror.NewService(store, nil).
		WithVerifier(ledger.NewVerifier(journal)).
		WithCustody(f.reg)
	f.audit = reconciliation.NewService(store, f.reg, f.discrep, nil)
	f.svc = NewService(f.reg, f.mirror, f.discrep, nil)
	return f
}

func tokens(s string) *big.Int {
	v, err := amount.Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// lockedBuy creates a linked BUY deal (alice buys bob's token) and funds both
// legs in custody. The mirror is told about neither deposit, so it is behind.
func (f *fixture) lockedBuy(t *testing.T) (*mirror.Deal, *custody.Instance) {
	t.Helper()
	ctx := context.Background()
	req := mirror.CreateRequest{Type: "BUY", Counterparty: bob, NFTContract: nftA, NFTTokenID: "7", Price: "1"}
	d, err := f.mirror.Create(ctx, alice, req)
	require.NoError(t, err)

	inst, rcpt, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, Counterparty: bob,
		NFTContract: nftA, TokenID: "7", Price: tokens("1"),
	})
	require.NoError(t, err)
	d, applied, err := f.mirror.RecordLinkage(ctx, d.ID, alice, inst.DealID, inst.EscrowAddress, rcpt.TxHash)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.assets.Mint(ctx, nftA, "7", bob))
	require.NoError(t, f.assets.Approve(ctx, nftA, "7", bob, inst.EscrowAddress))
	_, err = f.reg.DepositNFT(ctx, inst.DealID, bob)
	require.NoError(t, err)

	require.NoError(t, f.assets.Fund(ctx, alice, tokens("1")))
	_, err = f.reg.DepositPayment(ctx, inst.DealID, alice, tokens("1"))
	require.NoError(t, err)
	return d, inst
}

func TestPlanRefunds(t *testing.T) {
	tests := []struct {
		typ  deal.Type
		want map[deal.Leg]string
	}{
		{deal.TypeBuy, map[deal.Leg]string{deal.LegPayment: alice, deal.LegNFT: bob}},
		{deal.TypeSell, map[deal.Leg]string{deal.LegNFT: alice, deal.LegPayment: bob}},
		{deal.TypeSwap, map[deal.Leg]string{deal.LegNFT: alice, deal.LegSwapNFT: bob}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			got := PlanRefunds(tt.typ, alice, bob)
			require.Len(t, got, len(tt.want))
			for _, r := range got {
				assert.Equal(t, tt.want[r.Leg], r.To, "leg %s", r.Leg)
				assert.Equal(t, deal.RoleOf(tt.typ, r.Depositor), r.Role)
			}
		})
	}
}

func TestRecover_RefundsEachDepositor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, inst := f.lockedBuy(t)

	disc, err := f.audit.CheckDeal(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, disc, "mirror should be behind custody")

	res, err := f.svc.Recover(ctx, d.ID, bob)
	require.NoError(t, err)
	assert.True(t, res.MirrorSynced)
	assert.Equal(t, deal.StatusCancelled, res.Deal.Status)
	assert.Equal(t, disc.ID, res.ResolvedDiscrepancy)
	assert.Len(t, res.Refunds, 2)

	owner, err := f.assets.OwnerOf(ctx, nftA, "7")
	require.NoError(t, err)
	assert.Equal(t, bob, owner)
	bal, err := f.assets.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cmp(tokens("1")), "payment should return in full, got %s", bal)

	snap, err := f.reg.GetDealInfo(ctx, inst.DealID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusCancelled, snap.Status)

	closed, err := f.discrep.Get(ctx, disc.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.ResolutionCancelled, closed.Resolution)
	assert.Equal(t, bob, closed.ResolvedBy)
}

func TestRecover_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, inst := f.lockedBuy(t)

	_, err := f.svc.Recover(ctx, d.ID, carol)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Recover(ctx, "missing", alice)
	assert.ErrorIs(t, err, mirror.ErrDealNotFound)

	_, err = f.reg.CompleteDeal(ctx, inst.DealID, alice)
	require.NoError(t, err)
	_, err = f.svc.Recover(ctx, d.ID, alice)
	assert.ErrorIs(t, err, ErrCompleted)

	unlinked, err := f.mirror.Create(ctx, alice, mirror.CreateRequest{Type: "BUY", Counterparty: bob, NFTContract: nftA, NFTTokenID: "8", Price: "1"})
	require.NoError(t, err)
	_, err = f.svc.Recover(ctx, unlinked.ID, alice)
	assert.ErrorIs(t, err, mirror.ErrNotLinked)
}

func TestRecover_NotStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.mirror.Create(ctx, alice, mirror.CreateRequest{Type: "BUY", Counterparty: bob, NFTContract: nftA, NFTTokenID: "9", Price: "1"})
	require.NoError(t, err)
	inst, rcpt, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, Counterparty: bob, NFTContract: nftA, TokenID: "9", Price: tokens("1"),
	})
	require.NoError(t, err)
	_, _, err = f.mirror.RecordLinkage(ctx, d.ID, alice, inst.DealID, inst.EscrowAddress, rcpt.TxHash)
	require.NoError(t, err)

	_, err = f.svc.Recover(ctx, d.ID, alice)
	assert.ErrorIs(t, err, ErrNotStuck)
}

type failingMirror struct{ Mirror }

func (failingMirror) RecordCancelled(context.Context, string, string, string) (*mirror.Deal, bool, error) {
	return nil, false, errors.New("mirror store unavailable")
}

func TestRecover_MirrorFailureStillRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, inst := f.lockedBuy(t)

	svc := NewService(f.reg, failingMirror{f.mirror}, f.discrep, nil)
	res, err := svc.Recover(ctx, d.ID, alice)
	require.NoError(t, err)
	assert.False(t, res.MirrorSynced)

	snap, err := f.reg.GetDealInfo(ctx, inst.DealID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusCancelled, snap.Status)

	// The mirror still shows the old status; the audit must flag it.
	disc, err := f.audit.CheckDeal(ctx, res.Deal)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Equal(t, deal.StatusCancelled, disc.CustodyStatus)
}

func TestResyncDiscrepancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, _ := f.lockedBuy(t)

	disc, err := f.audit.CheckDeal(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, disc)

	list, err := f.svc.ListDiscrepancies(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, closed, err := f.svc.ResyncDiscrepancy(ctx, disc.ID, carol)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusLockedInEscrow, got.Status)
	assert.True(t, got.CreatorDeposited && got.CounterpartyDeposited)
	assert.Equal(t, reconciliation.ResolutionResynced, closed.Resolution)

	_, _, err = f.svc.ResyncDiscrepancy(ctx, disc.ID, carol)
	assert.ErrorIs(t, err, reconciliation.ErrAlreadyResolved)
	_, _, err = f.svc.ResyncDiscrepancy(ctx, "nope", carol)
	assert.ErrorIs(t, err, reconciliation.ErrDiscrepancyNotFound)

	again, err := f.audit.CheckDeal(ctx, got)
	require.NoError(t, err)
	assert.Nil(t, again, "resynced deal should agree with custody")
}

func newTestRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(0), true))
	h := NewHandler(f.svc, f.audit)
	g := r.Group("/v1/recovery")
	h.RegisterProtectedRoutes(g.Group("", auth.RequireWallet()))
	h.RegisterAdminRoutes(g.Group("", auth.RequireAdmin("opsecret")))
	return r
}

func do(r *gin.Engine, method, path, caller, admin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if caller != "" {
		req.Header.Set(auth.HeaderAddress, caller)
	}
	if admin != "" {
		req.Header.Set(auth.HeaderAdminSecret, admin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	d, _ := f.lockedBuy(t)

	w := do(r, http.MethodPost, "/v1/recovery/audit", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/recovery/audit", "", "opsecret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodGet, "/v1/recovery/discrepancies", "", "opsecret")
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Discrepancies []reconciliation.Discrepancy `json:"discrepancies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Discrepancies, 1)
	assert.Equal(t, d.ID, listed.Discrepancies[0].DealID)

	w = do(r, http.MethodPost, "/v1/recovery/deals/"+d.ID+"/cancel", carol, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/recovery/deals/"+d.ID+"/cancel", alice, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.MirrorSynced)
	assert.Equal(t, listed.Discrepancies[0].ID, res.ResolvedDiscrepancy)

	w = do(r, http.MethodPost, "/v1/recovery/deals/"+d.ID+"/cancel", alice, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/v1/recovery/discrepancies/"+res.ResolvedDiscrepancy+"/resync", "", "opsecret")
	assert.Equal(t, http.StatusConflict, w.Code)
}
