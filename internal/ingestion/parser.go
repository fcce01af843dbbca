package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"yieldledger/internal/command"
)

// CommandSubjectPrefix is prepended to a command type name to form its
// subject.
const CommandSubjectPrefix = "lend.cmd."

var ErrUnknownSubject = errors.New("unknown command subject")

// SubjectFor returns the subject commands of type t are published on.
func SubjectFor(t command.Type) string {
	return CommandSubjectPrefix + t.String()
}

// TypeFromSubject resolves the command type from the last subject token.
func TypeFromSubject(subject string) (command.Type, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return command.TypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	name := subject[strings.LastIndexByte(subject, '.')+1:]
	t, ok := command.ParseType(name)
	if !ok {
		return command.TypeUnknown, fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	return t, nil
}

// ParseRawCommand converts a raw message into a typed, structurally valid
// command. Payloads use the snake_case JSON wire format of the command
// package; amounts are decimal strings and addresses 0x-prefixed hex.
// A missing timestamp is stamped with the receive time.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	t, err := TypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	cmd, err := command.Decode(t, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", t, err)
	}
	if h := cmd.Meta(); h.Timestamp == 0 && !raw.Received.IsZero() {
		h.Timestamp = raw.Received.Unix()
	}
	return cmd, nil
}
