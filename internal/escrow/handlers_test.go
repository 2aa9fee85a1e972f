package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t)
	r := gin.New()
	NewHandlers(env.service).RegisterRoutes(r.Group("/v1"))
	return r, env
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func initiateBody() map[string]any {
	return map[string]any{
		"bookId":          "book_dune001",
		"borrowerId":      "user_borrower1",
		"lenderId":        "user_lender1",
		"totalAmount":     "25.00",
		"rentalFee":       "20.00",
		"securityDeposit": "5.00",
		"paymentMethod":   "card",
	}
}

func TestInitiateEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	w := postJSON(t, r, "/v1/escrow", initiateBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
		TotalAmount   string `json:"totalAmount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TransactionID)
	assert.Equal(t, "paid", resp.Status)
	assert.Equal(t, "25.00", resp.TotalAmount)
}

func TestInitiateEndpointValidation(t *testing.T) {
	r, _ := setupRouter(t)

	body := initiateBody()
	body["totalAmount"] = "-1.00"
	w := postJSON(t, r, "/v1/escrow", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInitiateEndpointBookConflict(t *testing.T) {
	r, _ := setupRouter(t)

	require.Equal(t, http.StatusCreated, postJSON(t, r, "/v1/escrow", initiateBody()).Code)

	body := initiateBody()
	body["borrowerId"] = "user_borrower2"
	w := postJSON(t, r, "/v1/escrow", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestConfirmEndpointFullCycle(t *testing.T) {
	r, _ := setupRouter(t)

	w := postJSON(t, r, "/v1/escrow", initiateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	confirm := func(actor, action string) *httptest.ResponseRecorder {
		return postJSON(t, r, "/v1/escrow/"+created.TransactionID+"/confirm",
			map[string]any{"actorId": actor, "action": action})
	}

	require.Equal(t, http.StatusOK, confirm("user_lender1", "lent").Code)

	w = confirm("user_borrower1", "borrowed")
	require.Equal(t, http.StatusOK, w.Code)
	var res ConfirmResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, StatusConfirmed, res.Status)

	// Duplicate confirmation conflicts.
	assert.Equal(t, http.StatusConflict, confirm("user_lender1", "lent").Code)

	// Wrong role is forbidden.
	assert.Equal(t, http.StatusForbidden, confirm("user_lender1", "returned").Code)

	require.Equal(t, http.StatusOK, confirm("user_borrower1", "returned").Code)
	w = confirm("user_lender1", "received")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestRefundEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	w := postJSON(t, r, "/v1/escrow", initiateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = postJSON(t, r, "/v1/escrow/"+created.TransactionID+"/refund", map[string]any{
		"actorId": "user_borrower1",
		"mode":    "partial",
		"reason":  "book unavailable",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var refund RefundRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.Equal(t, RefundPartial, refund.Mode)
	assert.Equal(t, int64(1_000), refund.FeeRefund)
	assert.Equal(t, int64(500), refund.DepositRefund)
}

func TestGetEndpointNotFound(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/txn_000000000000000000000000", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListByUserEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	require.Equal(t, http.StatusCreated, postJSON(t, r, "/v1/escrow", initiateBody()).Code)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/users/user_borrower1/escrows", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Transactions []*Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Transactions, 1)
}
