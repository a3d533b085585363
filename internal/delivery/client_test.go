package delivery

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"reflect"
	"testing"
	"time"

	"enviador/internal/mail"
	logx "enviador/pkg/logx"
)

type fakeSession struct {
	errs   []error
	sent   int
	closed int
}

func (s *fakeSession) Send(from string, to []string, msg io.WriterTo) error {
	s.sent++
	if _, err := msg.WriteTo(io.Discard); err != nil {
		return err
	}
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSession) Close() error {
	s.closed++
	return errors.New("quit failed")
}

type fakeDialer struct {
	sessions []*fakeSession
	errs     []error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(d.sessions) == 0 {
		return &fakeSession{}, nil
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func newTestClient(d Dialer) (*Client, *[]time.Duration) {
	var sleeps []time.Duration
	c := NewClient(d, Policy{}, logx.Nop())
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func testMessage() *mail.Message {
	return &mail.Message{From: "me@x.com", To: "a@x.com", Subject: "Hi", HTML: "<p>hi</p>"}
}

func TestSendOneSucceedsFirstTry(t *testing.T) {
	sess := &fakeSession{}
	c, sleeps := newTestClient(&fakeDialer{sessions: []*fakeSession{sess}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	res, err := c.SendOne(context.Background(), testMessage())
	if err != nil || !res.OK || res.Attempts != 1 {
		t.Fatalf("SendOne = %+v, %v", res, err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", *sleeps)
	}
}

func TestRateLimitPausesThenRetries(t *testing.T) {
	sess := &fakeSession{errs: []error{errors.New("450 4.2.1 The user you are trying to contact is receiving mail too quickly")}}
	d := &fakeDialer{sessions: []*fakeSession{sess}}
	c, sleeps := newTestClient(d)
	res, err := c.SendOne(context.Background(), testMessage())
	if err != nil || !res.OK || res.Attempts != 2 || !res.RateLimited {
		t.Fatalf("SendOne = %+v, %v", res, err)
	}
	if want := []time.Duration{100 * time.Second}; !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if sess.closed != 1 || d.dials != 2 {
		t.Fatalf("closed=%d dials=%d, want the retry on a fresh session", sess.closed, d.dials)
	}
}

func TestHardQuotaAbortsImmediately(t *testing.T) {
	sess := &fakeSession{errs: []error{errors.New("550 5.4.5 Daily user sending quota exceeded. 4.2.1")}}
	c, sleeps := newTestClient(&fakeDialer{sessions: []*fakeSession{sess}})
	res, err := c.SendOne(context.Background(), testMessage())
	if !errors.Is(err, ErrHardQuota) {
		t.Fatalf("err = %v, want ErrHardQuota", err)
	}
	if !IsFatal(err) || res.OK || res.Attempts != 1 {
		t.Fatalf("res = %+v", res)
	}
	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Recipient != "a@x.com" {
		t.Fatalf("QuotaError = %+v", qe)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("sleeps = %v", *sleeps)
	}
}

func TestDisconnectReconnects(t *testing.T) {
	first := &fakeSession{errs: []error{io.EOF}}
	second := &fakeSession{}
	d := &fakeDialer{sessions: []*fakeSession{first, second}}
	c, sleeps := newTestClient(d)
	res, err := c.SendOne(context.Background(), testMessage())
	if err != nil || !res.OK || res.Attempts != 2 {
		t.Fatalf("SendOne = %+v, %v", res, err)
	}
	if d.dials != 2 || first.closed != 1 || second.sent != 1 {
		t.Fatalf("dials=%d firstClosed=%d secondSent=%d", d.dials, first.closed, second.sent)
	}
	if want := []time.Duration{5 * time.Second}; !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if c.State() != Connected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	authErr := &textproto.Error{Code: 535, Msg: "5.7.8 Username and Password not accepted"}
	c, _ := newTestClient(&fakeDialer{errs: []error{authErr}})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	var tp *textproto.Error
	if !errors.As(err, &tp) || tp.Code != 535 {
		t.Fatalf("underlying error lost: %v", err)
	}
}

func TestAuthFailureOnReconnectIsFatal(t *testing.T) {
	first := &fakeSession{errs: []error{io.ErrUnexpectedEOF}}
	d := &fakeDialer{
		sessions: []*fakeSession{first},
		errs:     []error{nil, &textproto.Error{Code: 535, Msg: "bad credentials"}},
	}
	c, _ := newTestClient(d)
	res, err := c.SendOne(context.Background(), testMessage())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if res.OK || res.Attempts != 2 {
		t.Fatalf("res = %+v", res)
	}
}

func TestBudgetExhaustionIsNotFatal(t *testing.T) {
	boom := errors.New("451 temporary local problem")
	var sessions []*fakeSession
	for i := 0; i < 5; i++ {
		sessions = append(sessions, &fakeSession{errs: []error{boom}})
	}
	d := &fakeDialer{sessions: sessions}
	c, sleeps := newTestClient(d)
	res, err := c.SendOne(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if res.OK || res.Attempts != 5 || !errors.Is(res.Err, boom) {
		t.Fatalf("res = %+v", res)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second}
	if !reflect.DeepEqual(*sleeps, want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	if d.dials != 5 {
		t.Fatalf("dials = %d, want one session per attempt", d.dials)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := DefaultPolicy()
	if got := p.backoff(3); got != 15*time.Second {
		t.Fatalf("backoff(3) = %v", got)
	}
	if got := p.backoff(9); got != 30*time.Second {
		t.Fatalf("backoff(9) = %v, want 30s", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := &fakeSession{}
	c, _ := newTestClient(&fakeDialer{sessions: []*fakeSession{sess}})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sess.closed != 1 {
		t.Fatalf("session closed %d times, want 1", sess.closed)
	}
	if _, err := c.SendOne(context.Background(), testMessage()); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
}

func TestCanceledContextStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{errs: []error{errors.New("boom")}}
	c := NewClient(&fakeDialer{sessions: []*fakeSession{sess}}, Policy{}, logx.Nop())
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := c.SendOne(ctx, testMessage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClassify(t *testing.T) {
	cls := classifier{rateLimit: DefaultRateLimitCodes, hardQuota: DefaultHardQuotaCodes}
	tests := []struct {
		err  error
		want failureKind
	}{
		{errors.New("421 4.7.0 Try again later"), failRateLimit},
		{errors.New("452 4.5.4 quota"), failHardQuota},
		{&textproto.Error{Code: 421, Msg: "Service not available"}, failDisconnect},
		{errors.New("write tcp: broken pipe"), failDisconnect},
		{errors.New("550 5.1.1 no such user"), failOther},
	}
	for _, tt := range tests {
		if got := cls.classify(tt.err); got != tt.want {
			t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
