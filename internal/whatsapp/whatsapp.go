// Package whatsapp sends template and text messages through a vendor API.
// The vendor HTTP client lives outside this module; callers supply an API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const DefaultLanguage = "pt_BR"

var (
	ErrNotConfigured = errors.New("whatsapp api not configured")
	ErrRejected      = errors.New("whatsapp api rejected message")
)

// Response is the vendor's answer for one message.
type Response struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// API is the vendor capability.
type API interface {
	SendTemplate(ctx context.Context, to, name, language string, params []string) (Response, error)
	SendText(ctx context.Context, to, text string) (Response, error)
}

// Unconfigured fails every send.
type Unconfigured struct{}

func (Unconfigured) SendTemplate(context.Context, string, string, string, []string) (Response, error) {
	return Response{}, ErrNotConfigured
}

func (Unconfigured) SendText(context.Context, string, string) (Response, error) {
	return Response{}, ErrNotConfigured
}

// Message is one outbound WhatsApp message. With a Template the message is a
// pre-approved template filled with Params, otherwise Text is sent.
type Message struct {
	To       string
	Template string
	Language string
	Params   []string
	Text     string
}

// Sender throttles calls into an API. It is safe for concurrent use.
type Sender struct {
	api     API
	limiter *rate.Limiter
}

// NewSender builds a Sender allowing perSecond messages with the given
// burst. perSecond <= 0 disables throttling.
func NewSender(api API, perSecond float64, burst int) *Sender {
	if api == nil {
		api = Unconfigured{}
	}
	s := &Sender{api: api}
	s.SetRate(perSecond, burst)
	return s
}

// SetRate changes the throttle in place.
func (s *Sender) SetRate(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		if s.limiter == nil {
			s.limiter = rate.NewLimiter(rate.Inf, burst)
			return
		}
		s.limiter.SetLimit(rate.Inf)
		s.limiter.SetBurst(burst)
		return
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return
	}
	s.limiter.SetLimit(rate.Limit(perSecond))
	s.limiter.SetBurst(burst)
}

// Send delivers m. A response without Success is reported as ErrRejected
// carrying the vendor message.
func (s *Sender) Send(ctx context.Context, m Message) (Response, error) {
	to := strings.TrimSpace(m.To)
	if to == "" {
		return Response{}, errors.New("whatsapp: empty recipient")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	var (
		resp Response
		err  error
	)
	if m.Template != "" {
		lang := m.Language
		if lang == "" {
			lang = DefaultLanguage
		}
		resp, err = s.api.SendTemplate(ctx, to, m.Template, lang, m.Params)
	} else {
		if strings.TrimSpace(m.Text) == "" {
			return Response{}, errors.New("whatsapp: empty message")
		}
		resp, err = s.api.SendText(ctx, to, m.Text)
	}
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return resp, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return resp, nil
}

// Truncate shortens s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
