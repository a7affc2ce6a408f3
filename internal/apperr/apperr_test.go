package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errThing = New(NotFound, "thing not found")

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, NotFound, KindOf(errThing))
	assert.Equal(t, NotFound, KindOf(fmt.Errorf("lookup: %w", errThing)))
	assert.Equal(t, InternalError, KindOf(errors.New("boom")))
	assert.True(t, Is(fmt.Errorf("wrapped: %w", errThing), NotFound))
	assert.False(t, Is(nil, NotFound))
}

func TestWrappedSentinelStillMatchesErrorsIs(t *testing.T) {
	err := fmt.Errorf("ctx: %w", errThing)
	assert.ErrorIs(t, err, errThing)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Unauthorized))
	assert.Equal(t, http.StatusConflict, HTTPStatus(InvalidStatus))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(InsufficientFunds))
	assert.Equal(t, http.StatusPreconditionFailed, HTTPStatus(TimeLockNotExpired))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidAmount))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(InternalError))
}

func TestRespond_HidesInternalDetail(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Respond(c, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "InternalError", body["error"])
	assert.Equal(t, "internal error", body["message"])
}

func TestRespond_ClientError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Respond(c, fmt.Errorf("get: %w", errThing))

	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NotFound", body["error"])
	assert.Equal(t, "get: thing not found", body["message"])
}
