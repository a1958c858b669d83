package models

// Executor names the credential session that served a request.
type Executor string

const (
	ExecutorNone    Executor = ""
	ExecutorBot     Executor = "bot"
	ExecutorAccount Executor = "account"
)

// ScanResult is the outcome of one participant scan. Users always come from
// a single executor.
type ScanResult struct {
	Group    GroupRef `json:"group"`
	Users    []User   `json:"users,omitempty"`
	Executor Executor `json:"executor"`
	Success  bool     `json:"success"`
	// Complete is false when the scan was stopped before the last page.
	Complete bool  `json:"complete"`
	Err      error `json:"-"`
}

// ErrorText returns the error message, or "" on success.
func (r ScanResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
