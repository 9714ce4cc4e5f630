package pipeline

import "encoding/json"

// Outcome is the serialized result of a completed request: an
// HTTP-equivalent status plus the response body. Cached marks results
// replayed from the outcome store rather than freshly computed; the
// flag is not persisted, it is set when an outcome is served back.
type Outcome struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
	Cached bool            `json:"-"`
}

// NewOutcome builds an outcome by marshaling body to JSON.
func NewOutcome(status int, body interface{}) (*Outcome, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: status, Body: data}, nil
}

// ErrorOutcome builds an outcome carrying a plain error message.
func ErrorOutcome(status int, message string) *Outcome {
	data, _ := json.Marshal(map[string]string{"error": message})
	return &Outcome{Status: status, Body: data}
}

// storable reports whether the outcome should be recorded for replay.
// Internal failures are never recorded so a retry can succeed.
func (o *Outcome) storable() bool {
	return o.Status < 500
}

// cacheable reports whether the outcome may serve later reads. Only
// successful reads are cached; misses and failures go back to the
// store of record every time.
func (o *Outcome) cacheable() bool {
	return o.Status >= 200 && o.Status < 400
}
