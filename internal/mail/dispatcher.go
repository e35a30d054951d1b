package mail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mode selects how OTP delivery failures affect the calling flow.
type Mode string

const (
	// ModeAsync queues the message and returns immediately; failures are logged.
	ModeAsync Mode = "async"
	// ModeSync sends inline; failures are reported but do not abort the flow.
	ModeSync Mode = "sync"
	// ModeStrict sends inline and aborts the flow on failure.
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAsync, ModeSync, ModeStrict:
		return Mode(s), nil
	case "":
		return ModeAsync, nil
	}
	return "", fmt.Errorf("unknown mail delivery mode %q", s)
}

type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Delivery is the observable outcome of a dispatch.
type Delivery struct {
	Status Status
	Err    error
}

// Dispatcher hands messages to a Sender according to its Mode.
type Dispatcher struct {
	sender  Sender
	mode    Mode
	timeout time.Duration
	workers int

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	wg     sync.WaitGroup
}

func NewDispatcher(sender Sender, mode Mode, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Dispatcher{
		sender:  sender,
		mode:    mode,
		timeout: 30 * time.Second,
		workers: workers,
		queue:   make(chan Message, queueSize),
	}
}

func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Start launches the background workers used in async mode.
func (d *Dispatcher) Start() {
	if d.mode != ModeAsync {
		return
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, msg); err != nil {
			slog.Error("otp email delivery failed", "to", msg.To, "action", "mail_async", "error", err)
		}
		cancel()
	}
}

// Deliver dispatches msg. The error is non-nil only in strict mode.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) (Delivery, error) {
	if d.mode == ModeAsync {
		return d.enqueue(msg), nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, msg); err != nil {
		slog.ErrorContext(ctx, "otp email delivery failed", "to", msg.To, "action", "mail_"+string(d.mode), "error", err)
		if d.mode == ModeStrict {
			return Delivery{Status: StatusFailed, Err: err}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return Delivery{Status: StatusFailed, Err: err}, nil
	}
	return Delivery{Status: StatusSent}, nil
}

func (d *Dispatcher) enqueue(msg Message) Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Delivery{Status: StatusFailed, Err: fmt.Errorf("dispatcher stopped")}
	}
	select {
	case d.queue <- msg:
		return Delivery{Status: StatusQueued}
	default:
		slog.Error("otp email queue full", "to", msg.To, "action", "mail_async")
		return Delivery{Status: StatusFailed, Err: fmt.Errorf("mail queue full")}
	}
}

// Stop drains the queue and waits for in-flight sends.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
