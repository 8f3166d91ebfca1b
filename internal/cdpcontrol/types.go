package cdpcontrol

import "fmt"

const (
	CodeValidation     = "VALIDATION"
	CodeTabNotFound    = "TAB_NOT_FOUND"
	CodeEvalFailure    = "EVAL_FAILURE"
	CodeEvalTimeout    = "EVAL_TIMEOUT"
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
	CodeWrongPage      = "WRONG_PAGE"
	CodeAlreadyRunning = "ALREADY_RUNNING"
)

// ActiveTab selects the first tab in browser order that was not opened as a
// background tab by this client.
const ActiveTab = "active"

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError for callers outside this package.
func NewError(code, msg string, cause error) error {
	return newError(code, msg, cause)
}

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// TabInfo describes a page target the client can drive.
type TabInfo struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}
