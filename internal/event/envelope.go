package event

import (
	"github.com/ethereum/go-ethereum/common"

	"yieldledger/internal/command"
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType command.Type
	Caller      common.Address

	// Command timestamp in unix seconds (NOT wall-clock at apply time)
	Timestamp int64

	// JSON-encoded command; replaying it reproduces this envelope
	Payload []byte

	// Facts produced by the command, in emission order
	Records []Record

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
