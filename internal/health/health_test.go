package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satsafe/escrowd/internal/circuitbreaker"
)

func up(context.Context) error { return nil }

func TestCheckAll(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]error
		order   []string
		healthy bool
	}{
		{name: "no checks", healthy: true},
		{
			name:    "database and redis up",
			results: map[string]error{"database": nil, "redis": nil},
			order:   []string{"database", "redis"},
			healthy: true,
		},
		{
			name:    "redis down",
			results: map[string]error{"database": nil, "redis": errors.New("dial tcp: connection refused")},
			order:   []string{"database", "redis"},
			healthy: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			for _, name := range tc.order {
				err := tc.results[name]
				r.Register(name, Ping(name, func(context.Context) error { return err }))
			}

			healthy, statuses := r.CheckAll(context.Background())
			assert.Equal(t, tc.healthy, healthy)
			require.Len(t, statuses, len(tc.order))
			for i, name := range tc.order {
				assert.Equal(t, name, statuses[i].Name, "registration order")
				if err := tc.results[name]; err != nil {
					assert.Equal(t, err.Error(), statuses[i].Detail)
				}
			}
		})
	}
}

func TestCheckAll_FillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("signer", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "signer", statuses[0].Name)
}

func TestCheckAll_TimesOutSlowCheck(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("esplora", Ping("esplora", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	r.Register("database", Ping("database", up))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
	assert.True(t, statuses[1].Healthy)
}

func TestCheckAll_ConcurrentWithRegister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("database", Ping("database", up))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	_, statuses := r.CheckAll(context.Background())
	assert.Len(t, statuses, 10)
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	check := Breaker("ai-gateway", b)

	st := check(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "closed", st.Detail)

	b.RecordFailure("ai-gateway")
	st = check(context.Background())
	assert.False(t, st.Healthy)
	assert.True(t, strings.HasPrefix(st.Detail, "open, retry at "), st.Detail)

	// Other collaborators' circuits are independent.
	assert.True(t, Breaker("signer", b)(context.Background()).Healthy)
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		ping   func(context.Context) error
		code   int
		status string
	}{
		{"ready", up, http.StatusOK, "ready"},
		{"not ready", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("redis", Ping("redis", tc.ping))
			router := gin.New()
			router.GET("/health/ready", Handler(r))

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tc.code, w.Code)

			var body struct {
				Status string   `json:"status"`
				Checks []Status `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body.Status)
			require.Len(t, body.Checks, 1)
			assert.Equal(t, "redis", body.Checks[0].Name)
		})
	}
}
