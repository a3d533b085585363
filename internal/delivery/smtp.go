package delivery

import (
	"context"
	"strings"

	"github.com/go-gomail/gomail"
)

const (
	DefaultHost = "smtp.gmail.com"
	DefaultPort = 465
)

// SMTP dials a gomail session. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when offered. gomail applies a 10s dial timeout.
type SMTP struct {
	Host      string
	Port      int
	Username  string
	Password  string
	LocalName string
}

func (s SMTP) dialer() *gomail.Dialer {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		host = DefaultHost
	}
	port := s.Port
	if port <= 0 {
		port = DefaultPort
	}
	d := gomail.NewDialer(host, port, strings.TrimSpace(s.Username), s.Password)
	d.LocalName = s.LocalName
	return d
}

// Dial implements Dialer. gomail's Dial is not context aware, so a session
// that arrives after ctx is done is closed and discarded.
func (s SMTP) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		sc  gomail.SendCloser
		err error
	}
	ch := make(chan result, 1)
	d := s.dialer()
	go func() {
		sc, err := d.Dial()
		ch <- result{sc, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.sc, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sc != nil {
				_ = r.sc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
