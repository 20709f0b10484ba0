// Package transport defines the boundary to the external messaging API.
package transport

import (
	"context"
	"fmt"
	"time"
)

type ChatTarget struct {
	ChatID int64
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers one text message.
//
// Failures reported by the remote API are returned as *APIError; anything
// else (network, encoding, canceled context) is a local failure.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// APIError is a failure reported by the remote API.
type APIError struct {
	Code        int
	Description string
	// RetryAfter is the server-suggested delay for rate limits, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return e.Err }
