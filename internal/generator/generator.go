// Package generator turns a customer message into reply text. The call is slow
// and may fail; callers bound it with a context deadline.
package generator

import (
	"context"
	"errors"
)

// ErrEmptyReply is returned when the model produced no usable text.
var ErrEmptyReply = errors.New("generator returned an empty reply")

// Request is the input for one reply.
type Request struct {
	TenantID     string
	PhoneNumber  string
	CustomerName string // empty when the customer is unknown
	Text         string // verbatim customer text, merged turns separated by newlines
}

// Generator produces reply text for a customer message.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Generate(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
