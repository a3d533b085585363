// Package delivery owns one authenticated mail transport session and sends
// messages through it with bounded, failure-aware retries.
//
// A Client moves through disconnected → connected → closed. Rate-limit
// replies are retried after a fixed pause, hard-quota replies abort the
// batch, dropped connections are re-established after a short delay and any
// other failure backs off linearly until the attempt budget is spent. Every
// failed attempt discards its session.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"enviador/internal/mail"
	logx "enviador/pkg/logx"
)

// Session is an authenticated transport session. gomail.SendCloser
// satisfies it.
type Session interface {
	Send(from string, to []string, msg io.WriterTo) error
	Close() error
}

// Dialer opens authenticated sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	}
}

type State int

const (
	Disconnected State = iota
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Policy holds the retry constants.
type Policy struct {
	MaxAttempts      int
	RateLimitBackoff time.Duration
	ReconnectDelay   time.Duration
	BackoffStep      time.Duration
	BackoffMax       time.Duration
	RateLimitCodes   []string
	HardQuotaCodes   []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      5,
		RateLimitBackoff: 100 * time.Second,
		ReconnectDelay:   5 * time.Second,
		BackoffStep:      5 * time.Second,
		BackoffMax:       30 * time.Second,
		RateLimitCodes:   DefaultRateLimitCodes,
		HardQuotaCodes:   DefaultHardQuotaCodes,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = d.RateLimitBackoff
	}
	if p.ReconnectDelay < 0 {
		p.ReconnectDelay = 0
	} else if p.ReconnectDelay == 0 {
		p.ReconnectDelay = d.ReconnectDelay
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = d.BackoffStep
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = d.BackoffMax
	}
	if p.RateLimitCodes == nil {
		p.RateLimitCodes = d.RateLimitCodes
	}
	if p.HardQuotaCodes == nil {
		p.HardQuotaCodes = d.HardQuotaCodes
	}
	return p
}

// backoff is the pause after a non-classified failure.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BackoffStep * time.Duration(attempt)
	if d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Attempt is the outcome of SendOne for a single recipient.
type Attempt struct {
	OK       bool
	Attempts int
	// RateLimited is set when at least one attempt hit a rate-limit reply.
	RateLimited bool
	Err         error
}

// Client is not safe for concurrent use; a dispatch run owns it exclusively.
type Client struct {
	dialer Dialer
	policy Policy
	cls    classifier
	log    logx.Logger

	Sleep Sleeper

	state State
	sess  Session
}

func NewClient(d Dialer, p Policy, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	p = p.withDefaults()
	return &Client{
		dialer: d,
		policy: p,
		cls:    classifier{rateLimit: p.RateLimitCodes, hardQuota: p.HardQuotaCodes},
		log:    log.With(logx.String("comp", "delivery")),
		Sleep:  Sleep,
	}
}

func (c *Client) State() State { return c.state }

// Connect dials and authenticates. Credential rejection is returned as
// *AuthError.
func (c *Client) Connect(ctx context.Context) error {
	if c.state == Closed {
		return ErrClosed
	}
	if c.state == Connected {
		return nil
	}
	if c.dialer == nil {
		return errors.New("delivery: no dialer configured")
	}
	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return &AuthError{Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.sess = sess
	c.state = Connected
	c.log.Debug("session opened")
	return nil
}

// SendOne delivers msg with the retry policy. The returned error is non-nil
// only for conditions that must stop the whole batch (authentication, hard
// quota, context cancellation, closed client); an exhausted retry budget is
// reported through Attempt.
func (c *Client) SendOne(ctx context.Context, msg *mail.Message) (Attempt, error) {
	var res Attempt
	if c.state == Closed {
		return res, ErrClosed
	}
	if msg == nil {
		return res, errors.New("delivery: nil message")
	}
	log := c.log.With(logx.Recipient(msg.To))
	limit := c.policy.MaxAttempts

	for attempt := 1; attempt <= limit; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if c.state != Connected {
			if err := c.Connect(ctx); err != nil {
				if IsFatal(err) || ctx.Err() != nil {
					res.Err = err
					return res, err
				}
				res.Err = err
				log.Debug("reconnect failed", logx.Int("attempt", attempt), logx.Err(err))
				if attempt < limit {
					if err := c.sleep(ctx, c.policy.backoff(attempt)); err != nil {
						return res, err
					}
				}
				continue
			}
		}

		err := c.sess.Send(msg.From, []string{msg.To}, msg.Gomail())
		if err == nil {
			res.OK = true
			res.Err = nil
			return res, nil
		}
		res.Err = err

		kind := c.cls.classify(err)
		log.Debug("send failed", logx.Int("attempt", attempt), logx.Int("max", limit), logx.String("kind", kind.String()), logx.Err(err))

		var wait time.Duration
		switch kind {
		case failHardQuota:
			qe := &QuotaError{Recipient: msg.To, Err: err}
			res.Err = qe
			return res, qe
		case failRateLimit:
			res.RateLimited = true
			wait = c.policy.RateLimitBackoff
			log.Warn("rate limited, pausing", logx.Duration("pause", wait))
		case failDisconnect:
			wait = c.policy.ReconnectDelay
			log.Warn("connection lost, reconnecting", logx.Duration("pause", wait))
		default:
			wait = c.policy.backoff(attempt)
		}
		// gomail never resets a failed transaction, so the session may be
		// left after MAIL or RCPT. The next attempt starts on a fresh one.
		c.drop()

		if attempt >= limit {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Close releases the session. It is idempotent and never fails.
func (c *Client) Close() error {
	if c.state == Closed {
		return nil
	}
	c.drop()
	c.state = Closed
	return nil
}

func (c *Client) drop() {
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			c.log.Debug("session close", logx.Err(err))
		}
		c.sess = nil
	}
	if c.state == Connected {
		c.state = Disconnected
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	s := c.Sleep
	if s == nil {
		s = Sleep
	}
	return s(ctx, d)
}
