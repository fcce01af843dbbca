package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"yieldledger/internal/command"
	"yieldledger/internal/observability"
	"yieldledger/internal/query"
)

func newTestServer(t *testing.T, opts Options) (*Server, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := newTestService(t)
	supplyAndBorrow(t, svc)
	return NewServer(opts, svc, nil, metrics, zerolog.Nop()), metrics
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTP_SubmitCommand(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	body := fmt.Sprintf(`{"idempotency_key":"repay-1","caller":%q,"amount":"100"}`, alice.Hex())

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/commands/repay", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Sequence)
	assert.NotEmpty(t, resp.Records)
}

func TestHTTP_CommandErrors(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown command", "/v1/commands/open_position", `{}`, http.StatusNotFound},
		{"malformed body", "/v1/commands/deposit", `{"amount":`, http.StatusBadRequest},
		{"not owner", "/v1/commands/mint", fmt.Sprintf(`{"idempotency_key":"m","caller":%q,"to":%q,"amount":"1"}`, alice.Hex(), alice.Hex()), http.StatusForbidden},
		{"over borrow limit", "/v1/commands/borrow", fmt.Sprintf(`{"idempotency_key":"b","caller":%q,"amount":"500"}`, alice.Hex()), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHTTP_Views(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/v1/accounts/"+alice.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var acct query.AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, "400", acct.Debt)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/v1/pool?timestamp=%d", genesis), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pool query.PoolResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	assert.Equal(t, "600", pool.Cash)

	for _, path := range []string{"/v1/reserves", "/v1/splitter"} {
		rec = do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestHTTP_BadQuery(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/pool?timestamp=soon", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/accounts/bob", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/history/events?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/nothing", "").Code)
}

func TestHTTP_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	hc := observability.NewHealthChecker()
	srv.healthChecker = hc
	rec = do(t, srv.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTP_RateLimit(t *testing.T) {
	srv, metrics := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 1})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/pool", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/v1/pool", "").Code)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitDropped.WithLabelValues("http")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.QueryRequests.WithLabelValues("GetPool")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueryErrors.WithLabelValues("GetPool", codes.ResourceExhausted.String())))
}

func TestNewLimiter_Disabled(t *testing.T) {
	assert.Nil(t, newLimiter("http", 0, 10, nil))
	var l *limiter
	assert.NoError(t, l.allow())
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.grpcServer.Serve(lis)
	t.Cleanup(srv.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_GetPool(t *testing.T) {
	srv, metrics := newTestServer(t, Options{})
	conn := dialBufconn(t, srv)

	var pool query.PoolResponse
	err := conn.Invoke(context.Background(), "/"+ServiceName+"/GetPool", &AtRequest{Timestamp: genesis}, &pool)
	require.NoError(t, err)
	assert.Equal(t, "40.00", pool.Utilization)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueryRequests.WithLabelValues("GetPool")))
}

func TestGRPC_Command(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	conn := dialBufconn(t, srv)
	method := "/" + ServiceName + "/" + CommandMethod(command.TypeRepayAll)

	req := json.RawMessage(fmt.Sprintf(`{"idempotency_key":"ra-1","caller":%q}`, alice.Hex()))
	var resp CommandResponse
	err := conn.Invoke(context.Background(), method, &req, &resp)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Sequence)

	var acct query.AccountResponse
	err = conn.Invoke(context.Background(), "/"+ServiceName+"/GetAccount", &AccountRequest{Address: alice.Hex()}, &acct)
	require.NoError(t, err)
	assert.Equal(t, "0", acct.Debt)
}

func TestGRPC_DomainError(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	conn := dialBufconn(t, srv)

	req := json.RawMessage(fmt.Sprintf(`{"idempotency_key":"w-1","caller":%q,"amount":"1000"}`, alice.Hex()))
	var resp CommandResponse
	err := conn.Invoke(context.Background(), "/"+ServiceName+"/Withdraw", &req, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
