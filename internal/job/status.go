package job

import "encoding/json"

const (
	StatusProcessing = "processing"
	StatusQueued     = "queued"
)

// Status is the JSON body published to the reply queue. Intermediate messages
// set State; terminal results set Value.
type Status struct {
	State    string `json:"status,omitempty"`
	Value    *Code  `json:"value,omitempty"`
	Database string `json:"database,omitempty"`
	Project  string `json:"project,omitempty"`
	User     string `json:"user,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Processing builds an intermediate "processing" status.
func Processing(database, project string) Status {
	return Status{State: StatusProcessing, Database: database, Project: project}
}

// Queued builds an intermediate "queued" status.
func Queued(database, project string) Status {
	return Status{State: StatusQueued, Database: database, Project: project}
}

// Result is the terminal outcome of a job.
type Result struct {
	Code     Code
	Database string
	Project  string
	Owner    string
	Message  string
}

// Status converts r into its terminal reply form.
func (r Result) Status() Status {
	code := r.Code
	return Status{
		Value:    &code,
		Database: r.Database,
		Project:  r.Project,
		User:     r.Owner,
		Message:  r.Message,
	}
}

// Terminal reports whether s carries a result code.
func (s Status) Terminal() bool { return s.Value != nil }

// Marshal encodes the status as the reply payload.
func (s Status) Marshal() ([]byte, error) { return json.Marshal(s) }
