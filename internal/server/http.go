package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yieldledger/internal/command"
)

// maxCommandBody bounds a command payload read from HTTP.
const maxCommandBody = 1 << 20

// routes maps the HTTP/JSON surface onto the Ledger service:
//
//	POST /v1/commands/{command}             submit a command (snake_case type)
//	GET  /v1/accounts/{address}             account view, ?timestamp=
//	GET  /v1/accounts/{address}/liquidations
//	GET  /v1/accounts/{address}/yield
//	GET  /v1/accounts/{address}/journals
//	GET  /v1/pool | /v1/reserves | /v1/splitter
//	GET  /v1/history/liquidations           protocol-wide, ?limit=&before_sequence=
//	GET  /v1/history/events                 ?after_sequence=&limit=
//	GET  /v1/admin/integrity
//	POST /v1/admin/snapshot
//	POST /v1/admin/rebuild-projections
func (s *Server) routes() *runtime.ServeMux {
	mux := runtime.NewServeMux()

	s.handle(mux, "POST", "/v1/commands/{command}", "Submit", func(r *http.Request, p map[string]string) (any, error) {
		t, ok := command.ParseType(p["command"])
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown command %q", p["command"])
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		return s.svc.Submit(r.Context(), t, body)
	})

	s.handle(mux, "GET", "/v1/accounts/{address}", "GetAccount", func(r *http.Request, p map[string]string) (any, error) {
		ts, err := queryInt(r, "timestamp")
		if err != nil {
			return nil, err
		}
		return s.svc.GetAccount(r.Context(), &AccountRequest{Address: p["address"], Timestamp: ts})
	})
	s.handle(mux, "GET", "/v1/accounts/{address}/liquidations", "ListLiquidations", func(r *http.Request, p map[string]string) (any, error) {
		req, err := historyRequest(r, p["address"])
		if err != nil {
			return nil, err
		}
		return s.svc.ListLiquidations(r.Context(), req)
	})
	s.handle(mux, "GET", "/v1/accounts/{address}/yield", "ListYieldClaims", func(r *http.Request, p map[string]string) (any, error) {
		req, err := historyRequest(r, p["address"])
		if err != nil {
			return nil, err
		}
		return s.svc.ListYieldClaims(r.Context(), req)
	})
	s.handle(mux, "GET", "/v1/accounts/{address}/journals", "ListJournals", func(r *http.Request, p map[string]string) (any, error) {
		req, err := historyRequest(r, p["address"])
		if err != nil {
			return nil, err
		}
		return s.svc.ListJournals(r.Context(), req)
	})

	s.handle(mux, "GET", "/v1/pool", "GetPool", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := atRequest(r)
		if err != nil {
			return nil, err
		}
		return s.svc.GetPool(r.Context(), req)
	})
	s.handle(mux, "GET", "/v1/reserves", "GetReserves", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := atRequest(r)
		if err != nil {
			return nil, err
		}
		return s.svc.GetReserves(r.Context(), req)
	})
	s.handle(mux, "GET", "/v1/splitter", "GetSplitter", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := atRequest(r)
		if err != nil {
			return nil, err
		}
		return s.svc.GetSplitter(r.Context(), req)
	})

	s.handle(mux, "GET", "/v1/history/liquidations", "ListLiquidations", func(r *http.Request, _ map[string]string) (any, error) {
		req, err := historyRequest(r, "")
		if err != nil {
			return nil, err
		}
		return s.svc.ListLiquidations(r.Context(), req)
	})
	s.handle(mux, "GET", "/v1/history/events", "ListEvents", func(r *http.Request, _ map[string]string) (any, error) {
		after, err := queryInt(r, "after_sequence")
		if err != nil {
			return nil, err
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			return nil, err
		}
		return s.svc.ListEvents(r.Context(), &EventsRequest{AfterSequence: after, Limit: int(limit)})
	})

	s.handle(mux, "GET", "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (any, error) {
		return s.svc.VerifyIntegrity(r.Context(), &Empty{})
	})
	s.handle(mux, "POST", "/v1/admin/snapshot", "TakeSnapshot", func(r *http.Request, _ map[string]string) (any, error) {
		return s.svc.TakeSnapshot(r.Context(), &Empty{})
	})
	s.handle(mux, "POST", "/v1/admin/rebuild-projections", "RebuildProjections", func(r *http.Request, _ map[string]string) (any, error) {
		return s.svc.RebuildProjections(r.Context(), &Empty{})
	})

	return mux
}

type routeFunc func(r *http.Request, pathParams map[string]string) (any, error)

// handle registers fn behind the HTTP rate limiter and request metrics.
// Errors are rendered by the gateway's error handler, which maps the gRPC
// code onto an HTTP status.
func (s *Server) handle(mux *runtime.ServeMux, method, pattern, name string, fn routeFunc) {
	err := mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		resp, err := s.serve(r, p, fn)
		observe(s.metrics, name, start, err)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, &runtime.JSONPb{}, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error().Err(err).Str("route", pattern).Msg("write response")
		}
	})
	if err != nil {
		panic(err)
	}
}

func (s *Server) serve(r *http.Request, p map[string]string, fn routeFunc) (any, error) {
	if err := s.httpLimiter.allow(); err != nil {
		return nil, err
	}
	return fn(r, p)
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "%s: expected a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func atRequest(r *http.Request) (*AtRequest, error) {
	ts, err := queryInt(r, "timestamp")
	if err != nil {
		return nil, err
	}
	return &AtRequest{Timestamp: ts}, nil
}

func historyRequest(r *http.Request, address string) (*HistoryRequest, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	before, err := queryInt(r, "before_sequence")
	if err != nil {
		return nil, err
	}
	return &HistoryRequest{Address: address, Limit: int(limit), BeforeSequence: before}, nil
}
