package protocol

import "encoding/json"

// Status codes carried by Response.
const (
	StatusOK                   = 800
	StatusNotAuthenticated     = 710
	StatusNotFound             = 711
	StatusAlreadyAuthenticated = 810
	StatusInvalidUsername      = 811
	StatusDuplicateUsername    = 812
	StatusSelfTarget           = 822
	StatusUnsolicitedPong      = 830
)

// Response contents for plain acknowledgements.
const (
	ContentOK    = "OK"
	ContentError = "ERROR"
)

// NotFound details which field of a command referenced a missing entity.
type NotFound struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// OK acknowledges the command to.
func OK(to Type) Response {
	return Response{Content: ContentOK, Status: StatusOK, To: to.String()}
}

// Error rejects the command to with status.
func Error(status int, to Type) Response {
	return Response{Content: ContentError, Status: status, To: to.String()}
}

// Result acknowledges the command to with a payload instead of "OK".
func Result(to Type, content any) Response {
	return Response{Content: content, Status: StatusOK, To: to.String()}
}

// NotFoundError rejects the command to because field referenced value, which
// does not exist. The detail travels as JSON text inside content so clients
// that read content as a string can decode it separately.
func NotFoundError(to Type, field, value string) Response {
	detail, err := json.Marshal(NotFound{Field: field, Value: value})
	if err != nil {
		return Error(StatusNotFound, to)
	}
	return Response{Content: string(detail), Status: StatusNotFound, To: to.String()}
}
