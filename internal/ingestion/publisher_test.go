package ingestion_test

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"yieldledger/internal/command"
	"yieldledger/internal/event"
	"yieldledger/internal/ingestion"
)

// =============================================================================
// Outbound messages
// =============================================================================

func TestBuildMessages(t *testing.T) {
	user := common.HexToAddress("0x0000000000000000000000000000000000000011")
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "claim-7",
		CommandType:    command.TypeClaimYield,
		Caller:         user,
		Timestamp:      1_700_000_000,
		Records: []event.Record{
			&event.YieldClaimed{Account: user, Amount: uint256.NewInt(200), YieldIndexE18: uint256.NewInt(5)},
		},
	}

	msgs, err := ingestion.BuildMessages(env)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Subject != "lend.events.yield_claimed" {
		t.Errorf("subject: got %s", msgs[0].Subject)
	}
	if msgs[0].MsgID != "7-0" {
		t.Errorf("msg id: got %s", msgs[0].MsgID)
	}

	var pub ingestion.PublishedRecord
	if err := json.Unmarshal(msgs[0].Data, &pub); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pub.CommandType != "claim_yield" || pub.RecordType != "yield_claimed" {
		t.Errorf("types: got %s/%s", pub.CommandType, pub.RecordType)
	}
	if pub.Caller != "0x0000000000000000000000000000000000000011" {
		t.Errorf("caller: got %s", pub.Caller)
	}

	var rec event.YieldClaimed
	if err := json.Unmarshal(pub.Record, &rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Amount.Dec() != "200" {
		t.Errorf("amount: got %s", rec.Amount.Dec())
	}
}

func TestBuildMessages_NoRecords(t *testing.T) {
	msgs, err := ingestion.BuildMessages(&event.EventEnvelope{Sequence: 1, CommandType: command.TypeApprove})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want none", len(msgs))
	}
}
