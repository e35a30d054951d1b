// Package mail delivers OTP messages.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrDeliveryFailed = errors.New("otp email delivery failed")

// Message is a rendered OTP email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender is the mail transport contract.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// OTPMessage renders the email for a code issued for purpose.
func OTPMessage(to, code, purpose string, ttl time.Duration) Message {
	subject := "Your verification code"
	switch purpose {
	case "login":
		subject = "Your login code"
	case "reset":
		subject = "Your password reset code"
	}
	return Message{
		To:      to,
		Subject: subject,
		Body:    fmt.Sprintf("Your one-time code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	}
}

// ConsoleSender logs messages instead of sending them. Used in development.
type ConsoleSender struct{}

func (ConsoleSender) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "email", "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}
