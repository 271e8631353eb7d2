package schema

import "encoding/json"

// WriteResult is the outcome of one sub-request of a write operation.
type WriteResult struct {
	// Target names what the sub-request touched: an item key, a batch
	// label, or the joined tag list of a bulk delete.
	Target string `json:"target"`
	// Status is the HTTP status of the sub-request, 0 if none was received.
	Status int `json:"status"`
	// Version is the library version reported after the sub-request.
	Version int    `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`

	// Response holds the per-object result maps of a multi-object write.
	Response *MultiObjectResponse `json:"response,omitempty"`
}

// MultiObjectResponse is the body returned by a batch create/update request.
type MultiObjectResponse struct {
	Successful map[string]json.RawMessage `json:"successful"`
	Success    map[string]string          `json:"success"`
	Unchanged  map[string]string          `json:"unchanged"`
	Failed     map[string]WriteFailure    `json:"failed"`
}

// WriteFailure is one entry of MultiObjectResponse.Failed.
type WriteFailure struct {
	Key     string `json:"key,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteOutcome aggregates the sub-request results of a write operation.
// A partially applied write is a normal outcome, not an error: callers
// compare the two slices to tell "fully succeeded" from "succeeded with N
// failures".
type WriteOutcome struct {
	Successful []WriteResult `json:"successful"`
	Failed     []WriteResult `json:"failed"`
}

// NewWriteOutcome returns an outcome with empty, non-nil buckets so it always
// encodes as {"successful":[],"failed":[]}.
func NewWriteOutcome() *WriteOutcome {
	return &WriteOutcome{
		Successful: []WriteResult{},
		Failed:     []WriteResult{},
	}
}

// Add files r under successful or failed.
func (o *WriteOutcome) Add(r WriteResult, ok bool) {
	if ok {
		o.Successful = append(o.Successful, r)
	} else {
		o.Failed = append(o.Failed, r)
	}
}

// Partial reports whether some but not all sub-requests succeeded.
func (o *WriteOutcome) Partial() bool {
	return len(o.Successful) > 0 && len(o.Failed) > 0
}

// Empty reports whether the operation had nothing to do.
func (o *WriteOutcome) Empty() bool {
	return len(o.Successful) == 0 && len(o.Failed) == 0
}

// MaxVersion returns the highest library version reported by a successful
// sub-request, or 0.
func (o *WriteOutcome) MaxVersion() int {
	v := 0
	for _, r := range o.Successful {
		if r.Version > v {
			v = r.Version
		}
	}
	return v
}
