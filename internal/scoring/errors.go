package scoring

import "fmt"

// ParseError is returned when the reply stayed unparseable after the re-request.
type ParseError struct {
	RecordID string
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("score record %s: unparseable response: %v", e.RecordID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExhaustedError is returned when transient failures outlasted the attempt ceiling.
type ExhaustedError struct {
	RecordID string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("score record %s: gave up after %d attempts: %v", e.RecordID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
