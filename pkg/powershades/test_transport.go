package powershades

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TestTransport is an in-memory Transport. Handler is called once per
// attempt; returning (nil, nil) simulates a lost datagram.
type TestTransport struct {
	Handler func(target Target, frame Frame, attempt int) (*Reply, error)

	mu      sync.Mutex
	sent    []SentFrame
	onReply func(Target, *Reply)
	closed  bool
}

// SentFrame is one recorded transmission.
type SentFrame struct {
	Target  Target
	Frame   Frame
	Attempt int
}

var _ Transport = (*TestTransport)(nil)

type testResult struct {
	reply *Reply
	err   error
}

func (t *TestTransport) Exchange(ctx context.Context, target Target, frame Frame, opts ExchangeOptions) (Response, error) {
	start := time.Now()
	var resp Response
	for resp.Attempts < opts.attempts() {
		resp.Attempts++
		if err := t.record(ctx, target, frame, resp.Attempts); err != nil {
			return resp, err
		}

		result := make(chan testResult, 1)
		go func(attempt int) {
			if t.Handler == nil {
				result <- testResult{}
				return
			}
			reply, err := t.Handler(target, frame, attempt)
			result <- testResult{reply: reply, err: err}
		}(resp.Attempts)

		timer := time.NewTimer(opts.timeout())
		select {
		case r := <-result:
			if r.err != nil {
				timer.Stop()
				resp.Elapsed = time.Since(start)
				return resp, r.err
			}
			if r.reply != nil {
				timer.Stop()
				resp.Reply = r.reply
				resp.Elapsed = time.Since(start)
				return resp, nil
			}
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return resp, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return resp, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
	resp.Elapsed = time.Since(start)
	return resp, fmt.Errorf("%w: %s to %s after %d attempts", ErrTimeout, frame.Op, target, resp.Attempts)
}

// record is serialized like the UDP writer: a cancelled exchange records
// nothing, so it never appears after the frame that replaced it.
func (t *TestTransport) record(ctx context.Context, target Target, frame Frame, attempt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	t.sent = append(t.sent, SentFrame{Target: target, Frame: frame, Attempt: attempt})
	return nil
}

// Sent returns every recorded transmission, retransmissions included.
func (t *TestTransport) Sent() []SentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentFrame, len(t.sent))
	copy(out, t.sent)
	return out
}

// Push delivers reply to the unsolicited handler synchronously.
func (t *TestTransport) Push(from Target, reply *Reply) {
	t.mu.Lock()
	handler := t.onReply
	t.mu.Unlock()
	if handler != nil {
		handler(from, reply)
	}
}

func (t *TestTransport) SetOnUnsolicited(handler func(from Target, reply *Reply)) {
	t.mu.Lock()
	t.onReply = handler
	t.mu.Unlock()
}

func (t *TestTransport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{DatagramsTx: uint64(len(t.sent)), LocalAddress: "test"}
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// AckFor returns the ack a controller sends for req.
func AckFor(req Frame) *Reply {
	return &Reply{Frame: Frame{Op: req.Op, Seq: req.Seq, Channel: req.Channel}, Kind: ReplyAck}
}

// NackFor returns a nack with the given reason code for req.
func NackFor(req Frame, code uint8) *Reply {
	return &Reply{Frame: Frame{Op: req.Op, Seq: req.Seq, Channel: req.Channel, Status: code}, Kind: ReplyNack}
}

// StatusFor returns the status reply for req.
func StatusFor(req Frame, report StatusReport) *Reply {
	payload := EncodeStatus(report)
	return &Reply{
		Frame:  Frame{Op: OpGetStatus, Seq: req.Seq, Channel: req.Channel, Payload: payload},
		Kind:   ReplyStatus,
		Status: &report,
	}
}
