package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownHeader is returned for lines whose header is not registered.
	ErrUnknownHeader = errors.New("unknown header")
	// ErrMalformedBody is returned for lines whose body is not valid JSON for
	// the header's payload.
	ErrMalformedBody = errors.New("malformed body")
	// ErrUnregisteredType is returned by Encode for payloads outside the
	// header table.
	ErrUnregisteredType = errors.New("unregistered message type")
)

var emptyBody = []byte("{}")

// DecodeError describes a line that could not be turned into a Message. It
// wraps ErrUnknownHeader or ErrMalformedBody.
type DecodeError struct {
	Header string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Header, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses one line, without its terminator, into a message. The returned
// message is a pointer to the payload struct registered for the header, e.g.
// *Login for "LOGIN". A missing or blank body decodes as "{}"; field level
// validation is left to the caller.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r")

	header, body, _ := bytes.Cut(line, []byte{' '})
	t, ok := LookupHeader(string(header))
	if !ok {
		return nil, &DecodeError{Header: string(header), Err: ErrUnknownHeader}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = emptyBody
	}

	msg := newPayload(t)
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, &DecodeError{Header: string(header), Err: fmt.Errorf("%w: %v", ErrMalformedBody, err)}
	}
	return msg, nil
}

// Encode renders msg as a single line without terminator. Payloads that
// serialize to an empty object are written as the bare header.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnregisteredType)
	}
	header, ok := msg.Type().Header()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredType, msg)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", header, err)
	}
	body := bytes.TrimRight(buf.Bytes(), "\n")

	if bytes.Equal(body, emptyBody) {
		return []byte(header), nil
	}

	line := make([]byte, 0, len(header)+1+len(body))
	line = append(line, header...)
	line = append(line, ' ')
	line = append(line, body...)
	return line, nil
}

// MustEncode is Encode for messages built by the server itself, where an
// unregistered type is a programming error.
func MustEncode(msg Message) []byte {
	line, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return line
}
