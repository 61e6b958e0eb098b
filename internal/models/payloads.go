package models

// These structs define the JSON payloads exchanged with the HTTP entry points.

// StartIngestRequest is the input for the ingest-starter function.
type StartIngestRequest struct {
	Pipeline   string `json:"pipeline"`
	SubjectID  string `json:"subjectId"`
	OwnerID    string `json:"ownerId"`
	ObjectName string `json:"objectName,omitempty"`
}

// StartIngestResponse is the output of the ingest-starter function.
type StartIngestResponse struct {
	Status        string `json:"status"`
	RunID         string `json:"runId"`
	ExternalJobID string `json:"externalJobId"`
	Stage         Stage  `json:"stage"`
	Error         string `json:"error,omitempty"`
}

// ExpireRunsResponse is the output of the run-reaper function.
type ExpireRunsResponse struct {
	Status      string `json:"status"`
	TimedOut    int    `json:"timedOut"`
	Interrupted int    `json:"interrupted"`
	Orphaned    int    `json:"orphaned"`
}

// JobStatusMessage is the body of a Pub/Sub job status message. Publishers use
// it to report OCR outcomes that do not surface as output objects, e.g. failures.
type JobStatusMessage struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
