package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"enviador/internal/credential"
	"enviador/internal/delivery"
	"enviador/internal/mail"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

// Transport opens per-run sessions for one channel.
type Transport interface {
	Channel() Channel
	Open(ctx context.Context, req *Request) (Session, error)
}

// Session sends envelopes for a single run. Send returns an error only for
// conditions that must stop the run; a failed recipient is reported through
// Delivery.
type Session interface {
	Send(ctx context.Context, env Envelope) (Delivery, error)
	Close() error
}

// Delivery is the per-recipient result of a Session.Send.
type Delivery struct {
	OK       bool
	Attempts int
	Message  string
}

// Email sends through one authenticated SMTP session per run.
type Email struct {
	Decrypter credential.Decrypter
	// Dialer builds the transport dialer for the sender's credentials.
	Dialer  func(username, password string) delivery.Dialer
	Policy  delivery.Policy
	Builder *mail.Builder
	// PerSecond throttles sends within a run; 0 disables it.
	PerSecond float64
	Log       logx.Logger
}

func (t *Email) Channel() Channel { return ChannelEmail }

func (t *Email) Open(ctx context.Context, req *Request) (Session, error) {
	dec := t.Decrypter
	if dec == nil {
		dec = credential.Plain{}
	}
	secret, err := dec.Decrypt(ctx, req.Credential)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &delivery.AuthError{Err: fmt.Errorf("decrypt credential: %w", err)}
	}

	mk := t.Dialer
	if mk == nil {
		mk = func(u, p string) delivery.Dialer { return delivery.SMTP{Username: u, Password: p} }
	}
	log := t.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	client := delivery.NewClient(mk(strings.TrimSpace(req.Sender), secret), t.Policy, log)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	b := t.Builder
	if b == nil {
		b = mail.NewBuilder(log, 0)
	}
	s := &emailSession{client: client, builder: b, from: req.Sender}
	if t.PerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(t.PerSecond), 1)
	}
	return s, nil
}

type emailSession struct {
	client  *delivery.Client
	builder *mail.Builder
	limiter *rate.Limiter
	from    string
}

func (s *emailSession) Send(ctx context.Context, env Envelope) (Delivery, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Delivery{}, err
		}
	}
	msg, skipped := s.builder.Build(s.from, env.Recipient, env.Subject, env.Body, env.Attachments)
	att, err := s.client.SendOne(ctx, msg)
	d := Delivery{OK: att.OK, Attempts: att.Attempts}
	if err != nil {
		d.Message = err.Error()
		return d, err
	}
	switch {
	case !att.OK && att.Err != nil:
		d.Message = att.Err.Error()
	case len(skipped) > 0:
		names := make([]string, 0, len(skipped))
		for _, sk := range skipped {
			names = append(names, sk.Name)
		}
		d.Message = "sent without attachments: " + strings.Join(names, ", ")
	}
	return d, nil
}

func (s *emailSession) Close() error { return s.client.Close() }

// WhatsApp sends each envelope as an independent API call.
type WhatsApp struct {
	Sender *whatsapp.Sender
}

func (t *WhatsApp) Channel() Channel { return ChannelWhatsApp }

func (t *WhatsApp) Open(ctx context.Context, req *Request) (Session, error) {
	s := t.Sender
	if s == nil {
		s = whatsapp.NewSender(nil, 0, 0)
	}
	return &whatsappSession{sender: s, req: req}, nil
}

type whatsappSession struct {
	sender *whatsapp.Sender
	req    *Request
}

func (s *whatsappSession) Send(ctx context.Context, env Envelope) (Delivery, error) {
	m := whatsapp.Message{To: env.Recipient}
	if s.req.TemplateName != "" {
		m.Template = s.req.TemplateName
		m.Language = s.req.Language
		m.Params = env.Params
	} else {
		m.Text = env.Body
	}
	resp, err := s.sender.Send(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		if errors.Is(err, whatsapp.ErrNotConfigured) {
			return Delivery{Attempts: 1, Message: err.Error()}, err
		}
		return Delivery{Attempts: 1, Message: err.Error()}, nil
	}
	return Delivery{OK: true, Attempts: 1, Message: resp.MessageID}, nil
}

func (s *whatsappSession) Close() error { return nil }
