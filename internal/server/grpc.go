package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"yieldledger/internal/command"
	"yieldledger/internal/observability"
	"yieldledger/internal/query"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "yieldledger.v1.Ledger"

// LedgerServer is the gRPC surface. Commands share one handler keyed by
// type; every other method takes a JSON request message.
type LedgerServer interface {
	Submit(ctx context.Context, t command.Type, payload json.RawMessage) (*CommandResponse, error)

	GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error)
	GetPool(ctx context.Context, req *AtRequest) (*query.PoolResponse, error)
	GetReserves(ctx context.Context, req *AtRequest) (*query.ReservesResponse, error)
	GetSplitter(ctx context.Context, req *AtRequest) (*query.SplitterResponse, error)

	ListLiquidations(ctx context.Context, req *HistoryRequest) (*LiquidationsResponse, error)
	ListYieldClaims(ctx context.Context, req *HistoryRequest) (*YieldClaimsResponse, error)
	ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error)
	ListEvents(ctx context.Context, req *EventsRequest) (*EventsResponse, error)

	VerifyIntegrity(ctx context.Context, req *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(ctx context.Context, req *Empty) (*SnapshotResponse, error)
	RebuildProjections(ctx context.Context, req *Empty) (*Empty, error)
}

var _ LedgerServer = (*Service)(nil)

// ServiceDesc describes yieldledger.v1.Ledger for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: append(commandMethods(),
		unary("GetAccount", LedgerServer.GetAccount),
		unary("GetPool", LedgerServer.GetPool),
		unary("GetReserves", LedgerServer.GetReserves),
		unary("GetSplitter", LedgerServer.GetSplitter),
		unary("ListLiquidations", LedgerServer.ListLiquidations),
		unary("ListYieldClaims", LedgerServer.ListYieldClaims),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("ListEvents", LedgerServer.ListEvents),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
		unary("RebuildProjections", LedgerServer.RebuildProjections),
	),
	Streams:  []grpc.StreamDesc{},
	Metadata: "yieldledger/v1/ledger",
}

func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			ls := srv.(LedgerServer)
			if interceptor == nil {
				return call(ls, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(ls, ctx, req.(*Req))
			})
		},
	}
}

func commandMethods() []grpc.MethodDesc {
	types := command.Types()
	out := make([]grpc.MethodDesc, 0, len(types))
	for _, t := range types {
		t := t // per-iteration copy; go.mod targets go1.21 loop semantics
		out = append(out, unary(CommandMethod(t),
			func(ls LedgerServer, ctx context.Context, payload *json.RawMessage) (*CommandResponse, error) {
				return ls.Submit(ctx, t, *payload)
			}))
	}
	return out
}

// CommandMethod is the gRPC method name for a command type:
// repay_all -> RepayAll.
func CommandMethod(t command.Type) string {
	var b strings.Builder
	for _, part := range strings.Split(t.String(), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// Options configures the listeners and their admission control.
type Options struct {
	GRPCAddr  string
	HTTPAddr  string
	RateLimit float64
	RateBurst int
}

// Server runs the gRPC listener and the HTTP/JSON gateway over one Service.
type Server struct {
	opts          Options
	svc           LedgerServer
	grpcServer    *grpc.Server
	httpServer    *http.Server
	gateway       *runtime.ServeMux
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	httpLimiter   *limiter
	logger        zerolog.Logger
}

// NewServer registers svc on a new gRPC server and builds the HTTP routes.
func NewServer(opts Options, svc LedgerServer, healthChecker *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metricsInterceptor(metrics),
		rateLimitInterceptor(newLimiter("grpc", opts.RateLimit, opts.RateBurst, metrics)),
	))
	grpcServer.RegisterService(&ServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl
	reflection.Register(grpcServer)

	s := &Server{
		opts:          opts,
		svc:           svc,
		grpcServer:    grpcServer,
		healthChecker: healthChecker,
		metrics:       metrics,
		httpLimiter:   newLimiter("http", opts.RateLimit, opts.RateBurst, metrics),
		logger:        logger,
	}
	s.gateway = s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.opts.GRPCAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes and health probes until ctx
// is cancelled.
func (s *Server) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.opts.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops both listeners and waits for in-flight requests, so no
// command reaches the engine after it returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.grpcServer.GracefulStop()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler: health probes plus the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	mux.Handle("/", s.gateway)
	return mux
}
