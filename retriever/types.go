package retriever

import (
	"errors"
	"fmt"
)

// State is a step of the per-request lifecycle. A request moves forward
// through the states in order and ends in StateReturned or StateErrored.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateQueryEmbedded State = "QUERY_EMBEDDED"
	StateSearched      State = "SEARCHED"
	StateContextBuilt  State = "CONTEXT_BUILT"
	StateGenerated     State = "GENERATED"
	StateReturned      State = "RETURNED"
	StateErrored       State = "ERRORED"
)

type Status string

const (
	StatusAnswered         Status = "answered"
	StatusNoGroundedAnswer Status = "no_grounded_answer"
	StatusError            Status = "error"
)

var (
	ErrInvalidTopK   = errors.New("top_k out of range")
	ErrEmptyQuestion = errors.New("question cannot be empty")
)

// RetrievalError means the collection could not be searched. Ask turns it
// into a failed response instead of returning it.
type RetrievalError struct {
	Collection string
	Err        error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve from %s: %v", e.Collection, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError wraps a failed or timed-out completion call. It is never
// retried.
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate answer: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RetrievedChunk is one search hit. The JSON form is the chunk entry of the
// intake response.
type RetrievedChunk struct {
	ID       string            `json:"-"`
	Ordinal  int               `json:"-"`
	Score    float64           `json:"-"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Distance float64           `json:"distance"`
}

func (c RetrievedChunk) Section() string { return c.Metadata["section"] }

// DocumentTitle falls back to the document name when the title is empty.
func (c RetrievedChunk) DocumentTitle() string {
	if t := c.Metadata["document_title"]; t != "" {
		return t
	}
	if n := c.Metadata["document_name"]; n != "" {
		return n
	}
	return "Unknown document"
}

// Answer is the parsed completion. Chunks are the ones that made it into the
// prompt, in rank order.
type Answer struct {
	Text     string
	Grounded bool
	Prompt   string
	Chunks   []RetrievedChunk
}

type Request struct {
	Question string `json:"question"`
	TopK     *int   `json:"top_k,omitempty"`
}

type Response struct {
	Success    bool             `json:"success"`
	Status     Status           `json:"status"`
	Answer     string           `json:"answer"`
	SourceInfo string           `json:"source_info"`
	Chunks     []RetrievedChunk `json:"chunks"`
	Prompt     string           `json:"prompt"`
	Error      string           `json:"error,omitempty"`
	States     []State          `json:"states,omitempty"`
}
