package api

import "github.com/xraph/bastion"

// CheckResponse is the response for an authorization check.
type CheckResponse struct {
	Allowed    bool   `json:"allowed" description:"Whether the request is allowed"`
	Reason     string `json:"reason" description:"Decision reason code"`
	Cached     bool   `json:"cached" description:"Whether the decision came from the cache"`
	EvalTimeNs int64  `json:"eval_time_ns" description:"Evaluation time in nanoseconds"`
}

// BatchCheckResponse contains results for multiple checks.
type BatchCheckResponse struct {
	Results []CheckResponse `json:"results" description:"Check results in order"`
}

// RecordEventResponse is the response for a recorded event.
type RecordEventResponse struct {
	ID string `json:"id" description:"Security event ID"`
}

// ChangedResponse reports whether a state transition happened.
type ChangedResponse struct {
	Changed bool `json:"changed" description:"False when the target was already in the requested state"`
}

// CacheStatsResponse wraps decision cache statistics.
type CacheStatsResponse struct {
	bastion.CacheStats
}

// ErrorResponse is written for errors without a forge helper.
type ErrorResponse struct {
	Error string `json:"error" description:"Error message"`
}
