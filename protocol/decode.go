package protocol

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// Decode decodes line as the message kind the caller expects at this point of
// the conversation. Register and Bid share a shape, so the wire alone cannot
// tell them apart.
func Decode(line string, expected Kind) (Message, error) {
	switch expected {
	case KindRegister:
		return DecodeRegister(line)
	case KindBid:
		return DecodeBid(line)
	case KindStart, KindKill, KindWon:
		return DecodeCommand(line)
	default:
		return Message{}, fmt.Errorf("%w: cannot decode as %s", ErrMalformed, expected)
	}
}

// DecodeCommand decodes one of the manager's literal commands (start, kill, won).
// Matching is case-insensitive and ignores surrounding whitespace.
func DecodeCommand(line string) (Message, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "start":
		return Start(), nil
	case "kill":
		return Kill(), nil
	case "won":
		return Won(), nil
	default:
		return Message{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, line)
	}
}

// DecodeRegister decodes "<listenPort>: <workerId>".
func DecodeRegister(line string) (Message, error) {
	left, right, err := splitPair(line)
	if err != nil {
		return Message{}, err
	}
	port, err := parseNumber(left)
	if err != nil {
		return Message{}, fmt.Errorf("register port: %w", err)
	}
	if port > math.MaxUint16 {
		return Message{}, fmt.Errorf("%w: register port %d out of range", ErrMalformed, port)
	}
	id, err := parseNumber(right)
	if err != nil {
		return Message{}, fmt.Errorf("register worker id: %w", err)
	}
	return Register(int(port), id), nil
}

// DecodeBid decodes "<workerId>: <bidValue>".
//
// Anything but plain digits is rejected with ErrMalformed
// rather than read as a zero bid.
func DecodeBid(line string) (Message, error) {
	left, right, err := splitPair(line)
	if err != nil {
		return Message{}, err
	}
	id, err := parseNumber(left)
	if err != nil {
		return Message{}, fmt.Errorf("bid worker id: %w", err)
	}
	value, err := parseNumber(right)
	if err != nil {
		return Message{}, fmt.Errorf("bid value: %w", err)
	}
	return Bid(id, value), nil
}

// splitPair splits on the first colon. The right side may carry the legacy
// space after the separator and a trailing colon.
func splitPair(line string) (string, string, error) {
	line = strings.TrimSpace(line)
	if len(line) > MaxMessageSize {
		return "", "", fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(line))
	}
	left, right, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing separator in %q", ErrMalformed, line)
	}
	right = strings.TrimSpace(right)
	right = strings.TrimSpace(strings.TrimSuffix(right, ":"))
	return strings.TrimSpace(left), right, nil
}

// parseNumber accepts plain decimal digits whose value fits in an int64.
// Signs, fractions and exponents are malformed.
func parseNumber(token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty number", ErrMalformed)
	}
	if strings.Trim(token, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ErrMalformed, token)
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformed, token)
	}
	if d.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%w: %q overflows", ErrMalformed, token)
	}
	return d.IntPart(), nil
}
