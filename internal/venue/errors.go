package venue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"venue-connector/internal/core"
)

// APIError is a structured rejection reported by the venue itself.
type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "venue api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

// TransportError wraps a network-level failure (dial, timeout, broken body).
// These are retryable by the caller's own scheduling policy.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const (
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
)

// Message matching is the fallback when the venue omits a usable code; the
// structured code always wins.
var apiErrorMessageKinds = map[string]error{
	"order does not exist.":                                  core.ErrOrderNotFound,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"balance is insufficient.":                               core.ErrInsufficientBalance,
}

func parseAPIError(status int, body []byte) error {
	var raw struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &raw); err == nil && raw.Msg != "" {
		return classifyAPIError(APIError{Code: raw.Code, Msg: raw.Msg})
	}
	return fmt.Errorf("venue http error %d: %s", status, strings.TrimSpace(string(body)))
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalized := strings.ToLower(strings.TrimSpace(apiErr.Msg))

	switch apiErr.Code {
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeNewOrderRejected:
		if kind, ok := apiErrorMessageKinds[normalized]; ok {
			kinds = appendErrorKind(kinds, kind)
		} else {
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	}

	if kind, ok := apiErrorMessageKinds[normalized]; ok {
		kinds = appendErrorKind(kinds, kind)
	}

	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

// IsNotFound reports whether err carries the venue's order-not-found
// condition, by code or message.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrOrderNotFound)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
