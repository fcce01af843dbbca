package server

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yieldledger/internal/observability"
	"yieldledger/internal/state"
)

// errorCodes maps domain error kinds onto gRPC codes.
var errorCodes = map[string]codes.Code{
	"unauthorized":                     codes.PermissionDenied,
	"invalid_parameter":                codes.InvalidArgument,
	"zero_amount":                      codes.InvalidArgument,
	"insufficient_balance":             codes.FailedPrecondition,
	"insufficient_liquidity":           codes.FailedPrecondition,
	"insufficient_repay_amount":        codes.FailedPrecondition,
	"insufficient_yt_for_early_redeem": codes.FailedPrecondition,
	"exceeds_borrow_limit":             codes.FailedPrecondition,
	"unsafe_health_factor":             codes.FailedPrecondition,
	"position_healthy":                 codes.FailedPrecondition,
	"transfer_failed":                  codes.FailedPrecondition,
	"arithmetic":                       codes.OutOfRange,
}

// toStatus converts an engine error into a status error whose message
// starts with the stable error code.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := state.ErrorCode(err)
	c, ok := errorCodes[code]
	if !ok {
		c = codes.Internal
	}
	return status.Errorf(c, "%s: %v", code, err)
}

var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// limiter is a token bucket for one ingress surface. A nil limiter admits
// everything.
type limiter struct {
	bucket  *rate.Limiter
	surface string
	metrics *observability.Metrics
}

func newLimiter(surface string, perSecond float64, burst int, metrics *observability.Metrics) *limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &limiter{
		bucket:  rate.NewLimiter(rate.Limit(perSecond), burst),
		surface: surface,
		metrics: metrics,
	}
}

func (l *limiter) allow() error {
	if l == nil || l.bucket.Allow() {
		return nil
	}
	if l.metrics != nil {
		l.metrics.RateLimitDropped.WithLabelValues(l.surface).Inc()
	}
	return errRateLimited
}

// observe records request count, latency and error code for method.
func observe(metrics *observability.Metrics, method string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	metrics.QueryRequests.WithLabelValues(method).Inc()
	metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
	}
}

func rateLimitInterceptor(l *limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := l.allow(); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(metrics, methodName(info.FullMethod), start, err)
		return resp, err
	}
}

// methodName trims "/yieldledger.v1.Ledger/GetPool" to "GetPool".
func methodName(full string) string {
	return full[strings.LastIndexByte(full, '/')+1:]
}
