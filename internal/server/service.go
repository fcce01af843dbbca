package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"yieldledger/internal/command"
	"yieldledger/internal/event"
	"yieldledger/internal/ingestion"
	"yieldledger/internal/projection"
	"yieldledger/internal/query"
)

// --- Requests and responses ---

// CommandResponse is returned for every accepted command.
type CommandResponse struct {
	Sequence  int64                `json:"sequence"`
	Duplicate bool                 `json:"duplicate"`
	StateHash string               `json:"state_hash,omitempty"`
	Records   []event.TaggedRecord `json:"records,omitempty"`
	// Value is the command's scalar result, e.g. the yield a claim paid.
	Value string `json:"value,omitempty"`
}

// AccountRequest selects an account view. A zero Timestamp means now.
type AccountRequest struct {
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
}

// AtRequest selects a protocol-wide view at Timestamp (zero means now).
type AtRequest struct {
	Timestamp int64 `json:"timestamp"`
}

// HistoryRequest pages a history table newest first. Address may be empty
// where the history is protocol-wide.
type HistoryRequest struct {
	Address        string `json:"address"`
	Limit          int    `json:"limit"`
	BeforeSequence int64  `json:"before_sequence"`
}

// EventsRequest pages the command log in sequence order.
type EventsRequest struct {
	AfterSequence int64 `json:"after_sequence"`
	Limit         int   `json:"limit"`
}

type Empty struct{}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
}

type YieldClaimsResponse struct {
	Claims []query.YieldResponse `json:"claims"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type EventsResponse struct {
	Events []query.EventEntry `json:"events"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// --- Service ---

// Deps holds everything the Ledger service needs.
type Deps struct {
	Dispatcher *ingestion.Dispatcher
	Query      *query.QueryService
	DB         *sql.DB
	// Snapshot takes and verifies a snapshot, returning its sequence.
	Snapshot func(ctx context.Context) (int64, error)
	Logger   zerolog.Logger
	// Clock stamps commands and views that carry no timestamp.
	Clock func() time.Time
}

// Service implements yieldledger.v1.Ledger. The gRPC handlers and the HTTP
// routes both call it.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{deps: deps}
}

// Submit decodes a command payload of type t and applies it.
func (s *Service) Submit(_ context.Context, t command.Type, payload json.RawMessage) (*CommandResponse, error) {
	received := s.deps.Clock()
	cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{
		Subject:  ingestion.SubjectFor(t),
		Data:     payload,
		Received: received,
	})
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	receipt, err := s.deps.Dispatcher.Dispatch(cmd, received)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &CommandResponse{Sequence: receipt.Sequence, Duplicate: receipt.Duplicate}
	if receipt.Duplicate {
		return resp, nil
	}
	resp.StateHash = "0x" + hex.EncodeToString(receipt.StateHash[:])
	if receipt.Value != nil {
		resp.Value = receipt.Value.Dec()
	}
	for _, r := range receipt.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode record: %v", err)
		}
		resp.Records = append(resp.Records, event.TaggedRecord{Type: r.RecordType().String(), Data: data})
	}
	return resp, nil
}

func (s *Service) GetAccount(_ context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Query.GetAccount(addr, s.at(req.Timestamp))
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) GetPool(_ context.Context, req *AtRequest) (*query.PoolResponse, error) {
	resp, err := s.deps.Query.GetPool(s.at(req.Timestamp))
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) GetReserves(_ context.Context, req *AtRequest) (*query.ReservesResponse, error) {
	resp, err := s.deps.Query.GetReserves(s.at(req.Timestamp))
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) GetSplitter(_ context.Context, req *AtRequest) (*query.SplitterResponse, error) {
	resp, err := s.deps.Query.GetSplitter(s.at(req.Timestamp))
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Service) ListLiquidations(ctx context.Context, req *HistoryRequest) (*LiquidationsResponse, error) {
	var user *common.Address
	if req.Address != "" {
		addr, err := parseAddress("address", req.Address)
		if err != nil {
			return nil, err
		}
		user = &addr
	}
	rows, err := s.deps.Query.GetLiquidationHistory(ctx, user, req.Limit, cursor(req.BeforeSequence))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "liquidation history: %v", err)
	}
	return &LiquidationsResponse{Liquidations: rows}, nil
}

func (s *Service) ListYieldClaims(ctx context.Context, req *HistoryRequest) (*YieldClaimsResponse, error) {
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	rows, err := s.deps.Query.GetYieldHistory(ctx, addr, req.Limit, cursor(req.BeforeSequence))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "yield history: %v", err)
	}
	return &YieldClaimsResponse{Claims: rows}, nil
}

func (s *Service) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	rows, err := s.deps.Query.GetJournalHistory(ctx, addr, req.Limit, cursor(req.BeforeSequence))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "journal history: %v", err)
	}
	return &JournalsResponse{Journals: rows}, nil
}

func (s *Service) ListEvents(ctx context.Context, req *EventsRequest) (*EventsResponse, error) {
	rows, err := s.deps.Query.GetEvents(ctx, req.AfterSequence, req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "events: %v", err)
	}
	return &EventsResponse{Events: rows}, nil
}

// --- Admin ---

func (s *Service) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.deps.Query.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *Service) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, err := s.deps.Snapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *Service) RebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.deps.DB == nil {
		return nil, status.Error(codes.Unimplemented, "no database configured")
	}
	if err := projection.RebuildProjections(ctx, s.deps.DB, s.deps.Logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &Empty{}, nil
}

// --- Helpers ---

func (s *Service) at(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return s.deps.Clock().Unix()
}

func cursor(before int64) *int64 {
	if before <= 0 {
		return nil
	}
	return &before
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: invalid address %q", field, v))
	}
	return common.HexToAddress(v), nil
}
