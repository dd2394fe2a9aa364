// Package mailer delivers verification codes out of band.
package mailer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Message is a verification code addressed to one recipient.
type Message struct {
	To   string
	Code string
	TTL  time.Duration
}

// Dispatcher delivers verification codes. Implementations must honour ctx and
// their own I/O timeouts so a slow relay cannot stall a login.
type Dispatcher interface {
	SendCode(ctx context.Context, msg Message) error
}

// LogDispatcher writes codes to the log instead of sending mail. It is meant
// for local development only and is never wired in production.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (d LogDispatcher) SendCode(_ context.Context, msg Message) error {
	d.Logger.Info().Str("to", msg.To).Str("code", msg.Code).Msg("verification code (mail transport not configured)")
	return nil
}
