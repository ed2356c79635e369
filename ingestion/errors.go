package ingestion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotImplemented marks formats that are recognised but have no parser yet.
// It is reported separately from "parsed, zero chunks".
var ErrNotImplemented = errors.New("parser not implemented")

// ParseError reports a document that could not be parsed. Other documents in
// the same run are unaffected.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnsupportedFormatError means no parser is registered for an extension. It
// is a configuration problem and is always surfaced to the operator.
type UnsupportedFormatError struct {
	Extensions []string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format: %s", strings.Join(e.Extensions, ", "))
}

// EmbeddingError aborts an embed run. Failed lists every chunk id that was
// not upserted.
type EmbeddingError struct {
	Collection string
	Failed     []string
	Err        error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed into %s (%d chunks not stored): %v", e.Collection, len(e.Failed), e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }
