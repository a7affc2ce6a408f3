package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func TestIsPrincipal(t *testing.T) {
	for _, id := range []string{"alice", "rrkah-fqaaa-aaaaa-aaaaq-cai", "user@example.com", "svc:deposit-watcher"} {
		assert.True(t, IsPrincipal(id), id)
	}
	for _, id := range []string{"", "-leading-dash", "has space", "semi;colon", strings.Repeat("a", MaxPrincipalLength+1)} {
		assert.False(t, IsPrincipal(id), id)
	}
}

func TestChecker_CollectsEveryProblem(t *testing.T) {
	var c Checker
	c.Principal("counterparty_id", "").
		Principal("user_id", "bob").
		TxID("txid", "abc").
		MaxLen("reason", "abcdef", 3)

	got := c.Problems()
	require.Len(t, got, 3)
	assert.Equal(t, Problem{Field: "counterparty_id", Message: "is required"}, got[0])
	assert.Equal(t, "txid", got[1].Field)
	assert.Equal(t, "reason", got[2].Field)
	assert.Equal(t,
		"counterparty_id is required; txid must be a 64-character hex transaction id; reason exceeds maximum length",
		got.Error())
}

func TestChecker_TxID(t *testing.T) {
	var ok Checker
	assert.Empty(t, ok.TxID("txid", goodTxID).Problems())

	for _, bad := range []string{"", "abc", strings.Repeat("z", 64)} {
		var c Checker
		assert.Len(t, c.TxID("txid", bad).Problems(), 1, bad)
	}
}

func TestChecker_Reject(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var clean Checker
	assert.False(t, clean.Principal("user_id", "alice").Reject(c))

	var bad Checker
	assert.True(t, bad.Principal("user_id", "bad id").Reject(c))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error   string    `json:"error"`
		Message string    `json:"message"`
		Details []Problem `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "InvalidRequest", body.Error)
	assert.Equal(t, "user_id must be a valid principal id", body.Message)
	assert.Len(t, body.Details, 1)
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo\n", 10, "hello"},
		{"naïve", 3, "na"},
		{"₿₿", 4, "₿"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Clean(tc.in, tc.max), "Clean(%q, %d)", tc.in, tc.max)
	}
}

func TestPrincipalParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:userId", PrincipalParam("userId"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/alice", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/bad%3Bid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLimitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/", LimitBody(8), func(c *gin.Context) {
		var v map[string]any
		if err := c.ShouldBindJSON(&v); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":100000}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
