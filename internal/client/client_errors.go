package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/tetherdev/tether/internal/domain"
)

// apiError is a structured error from the relay's REST API.
type apiError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Unwrap maps the relay's reason code to a domain sentinel.
func (e *apiError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return domain.ErrDeviceUnauthorized
	case e.Code != "":
		return domain.ErrorFromCode(e.Code)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er domain.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &apiError{StatusCode: resp.StatusCode, Message: er.Error, Code: er.ErrorCode}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &apiError{StatusCode: resp.StatusCode, Message: msg}
}

// shortenError extracts the innermost meaningful message from nested network
// errors (e.g. *url.Error → *net.OpError → syscall) so that display messages
// stay concise (e.g. "connection refused" instead of the full dial trace).
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

// Hint returns a one-line suggestion for a failed command, or "".
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrUnauthorized):
		return "check --api-key or TETHER_API_KEY"
	case errors.Is(err, domain.ErrDeviceNotFound):
		return "run `tether devices` to list known devices"
	case errors.Is(err, domain.ErrDeviceUnauthorized):
		return "the device may still await approval, or your key's role does not allow this session type"
	case domain.Retryable(err):
		return "this is usually transient; retry in a moment"
	}
	return ""
}
