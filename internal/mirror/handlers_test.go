package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/deal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	r.Use(auth.Middleware(auth.NewVerifier(0), true))

	h := NewHandler(f.svc)
	g := r.Group("/v1/deals")
	h.RegisterRoutes(g)
	h.RegisterProtectedRoutes(g.Group("", auth.RequireWallet()))
	return r, f
}

func do(r *gin.Engine, method, path, caller string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(auth.HeaderAddress, caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeDeal(t *testing.T, w *httptest.ResponseRecorder) (map[string]any, map[string]any) {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	d, _ := out["deal"].(map[string]any)
	return out, d
}

func TestHandlers_ReconcileFlow(t *testing.T) {
	r, f := newTestRouter(t)
	ctx := context.Background()

	w := do(r, http.MethodPost, "/v1/deals", alice, gin.H{
		"type": "BUY", "counterpartyAddress": bob, "nftContractAddress": nftA, "nftTokenId": "7", "price": "2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	_, created := decodeDeal(t, w)
	id := created["id"].(string)
	assert.Equal(t, "PENDING", created["status"])

	inst, rcpt, err := f.reg.CreateDeal(ctx, deal.CreateParams{
		Type: deal.TypeBuy, Creator: alice, Counterparty: bob, NFTContract: nftA, TokenID: "7", Price: tokens("2"),
	})
	require.NoError(t, err)

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/link", alice, gin.H{
		"onchainDealId": inst.DealID, "escrowContractAddress": inst.EscrowAddress, "transactionHash": rcpt.TxHash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body, linked := decodeDeal(t, w)
	assert.Equal(t, true, body["applied"])
	assert.EqualValues(t, inst.DealID, linked["onchainDealId"])

	hash := f.depositNFT(t, inst, nftA, "7", bob)
	w = do(r, http.MethodPost, "/v1/deals/"+id+"/nft-deposited", bob, gin.H{"transactionHash": hash})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body, d := decodeDeal(t, w)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "AWAITING_BUYER", d["status"])

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/nft-deposited", bob, gin.H{"transactionHash": hash})
	require.Equal(t, http.StatusOK, w.Code)
	body, _ = decodeDeal(t, w)
	assert.Equal(t, false, body["applied"])

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/completed", bob, gin.H{"transactionHash": hash})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodGet, "/v1/deals/"+id+"/activity", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acts map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acts))
	assert.EqualValues(t, 3, acts["count"])

	w = do(r, http.MethodGet, "/v1/deals?address="+bob+"&status=AWAITING_BUYER", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.EqualValues(t, 1, list["count"])
}

func TestHandlers_Negotiation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodPost, "/v1/deals", alice, gin.H{
		"type": "BUY", "counterpartyAddress": bob, "nftContractAddress": nftA, "nftTokenId": "7", "price": "1.0",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	_, created := decodeDeal(t, w)
	id := created["id"].(string)

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/counter-offer", bob, gin.H{"price": "1.2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, d := decodeDeal(t, w)
	assert.Equal(t, "PENDING", d["counterOfferStatus"])
	assert.Equal(t, "1.2", d["counterOfferPrice"])

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/counter-offer/accept", bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/counter-offer/accept", alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, d = decodeDeal(t, w)
	assert.Equal(t, "1.2", d["price"])
	assert.Nil(t, d["counterOfferStatus"])

	w = do(r, http.MethodPut, "/v1/deals/"+id+"/price", alice, gin.H{"price": "1.1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, d = decodeDeal(t, w)
	assert.Equal(t, "1.1", d["price"])

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/counter-offer/decline", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	out, _ := decodeDeal(t, w)
	assert.Equal(t, "no_counter_offer", out["error"])
}

func TestHandlers_Errors(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/v1/deals/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/deals", "", gin.H{"type": "BUY"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/deals", alice, gin.H{"type": "SELL", "nftContractAddress": nftA, "nftTokenId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	out, _ := decodeDeal(t, w)
	assert.Equal(t, "invalid_deal_parameters", out["error"])

	w = do(r, http.MethodGet, "/v1/deals?address=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/deals", alice, gin.H{
		"type": "SELL", "nftContractAddress": nftA, "nftTokenId": "1", "price": "1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	_, created := decodeDeal(t, w)
	id := created["id"].(string)

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/nft-deposited", alice, gin.H{"transactionHash": "not-a-hash"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/deals/"+id+"/nft-deposited", alice, gin.H{
		"transactionHash": "0x" + strings.Repeat("ab", 32),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	out, _ = decodeDeal(t, w)
	assert.Equal(t, "not_linked", out["error"])
}
