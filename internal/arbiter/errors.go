package arbiter

import "fmt"

// GenerationError wraps a generator failure or timeout. It becomes the
// failure_reason of a failed pending response.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("reply generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const maxReasonLen = 500

// reason trims an error message to fit failure_reason.
func reason(err error) string {
	s := err.Error()
	if len(s) > maxReasonLen {
		s = s[:maxReasonLen]
	}
	return s
}
