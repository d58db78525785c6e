package metadata

import "fmt"

// ErrorKind classifies a per-kind extraction failure.
type ErrorKind string

const (
	KindMalformed   ErrorKind = "malformed"
	KindUnsupported ErrorKind = "unsupported"
	KindTimeout     ErrorKind = "timeout"
)

// ExtractionError is a recoverable per-kind failure. It is recorded on
// the aggregate outcome and never escalates to job failure; absence of
// a metadata kind in the asset is not an error at all.
type ExtractionError struct {
	Kind   ErrorKind
	Source string // exif, iptc, c2pa
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, source string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Source: source, Err: err}
}
