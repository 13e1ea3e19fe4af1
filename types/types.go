package types

// Position is a zero-based editor position. Character counts UTF-16 code units,
// following the editor protocol convention.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Candidate is one completion suggestion for the cursor line.
// Text is always the line prefix followed by DisplayText.
type Candidate struct {
	DisplayText string   `json:"displayText"`
	Text        string   `json:"text"`
	Range       Range    `json:"range"`
	Position    Position `json:"position"`
}

// Cancellation reasons reported in Result.CancellationReason
const (
	ReasonSuperseded      = "Superseded"
	ReasonCancelled       = "RequestCancelled"
	ReasonTimeout         = "Timeout"
	ReasonInvalidPosition = "InvalidPosition"
	ReasonUpstream        = "UpstreamError"
)

// Result is the answer to one completion request. A result either carries
// candidates (possibly none) and no reason, or no candidates and a reason.
type Result struct {
	Candidates         []Candidate `json:"completions"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
}

// Completed builds a successful result
func Completed(candidates []Candidate) Result {
	if candidates == nil {
		candidates = []Candidate{}
	}
	return Result{Candidates: candidates}
}

// Cancelled builds an empty result carrying reason
func Cancelled(reason string) Result {
	return Result{Candidates: []Candidate{}, CancellationReason: reason}
}

// IsCancelled reports whether the result carries a cancellation reason
func (r Result) IsCancelled() bool {
	return r.CancellationReason != ""
}

// PromptContext is everything derived from a document snapshot that a request needs
type PromptContext struct {
	DocumentID string
	Language   string
	Position   Position
	Prefix     string
	Suffix     string
	LinePrefix string
}
