package dispatch

import (
	"context"
	"errors"
	"fmt"

	logx "enviador/pkg/logx"
)

const DefaultPreviewSize = 5

type Config struct {
	// AttachmentDir is searched for references that match no upload.
	AttachmentDir string
	PreviewSize   int
}

// Engine runs dispatch requests. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	log        logx.Logger
	cfg        Config
	transports map[Channel]Transport
}

func NewEngine(cfg Config, log logx.Logger, transports ...Transport) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = DefaultPreviewSize
	}
	e := &Engine{
		log:        log.With(logx.String("comp", "dispatch")),
		cfg:        cfg,
		transports: map[Channel]Transport{},
	}
	for _, t := range transports {
		e.transports[t.Channel()] = t
	}
	return e
}

// Run validates and expands req, then sends every envelope in order through
// the channel's transport. Cancellation is checked before each send. A fatal
// error (authentication, hard quota, context) stops the run and is returned
// together with the counts gathered so far.
func (e *Engine) Run(ctx context.Context, req *Request, h Hooks) (Result, error) {
	if err := Validate(req); err != nil {
		return Result{}, err
	}
	envs, err := e.Expand(req)
	if err != nil {
		return Result{}, err
	}
	return e.run(ctx, req, envs, h)
}

// Summary is the synchronous send report.
type Summary struct {
	Result   Result    `json:"summary"`
	Previews []Preview `json:"previews"`
}

// Send runs req and attaches previews of the first recipients with their
// delivery status.
func (e *Engine) Send(ctx context.Context, req *Request, h Hooks) (Summary, error) {
	if err := Validate(req); err != nil {
		return Summary{}, err
	}
	envs, err := e.Expand(req)
	if err != nil {
		return Summary{}, err
	}
	res, err := e.run(ctx, req, envs, h)
	outcomes := res.Outcomes
	if outcomes == nil {
		outcomes = []Outcome{}
	}
	return Summary{Result: res, Previews: previews(req, envs, e.cfg.PreviewSize, outcomes)}, err
}

func (e *Engine) run(ctx context.Context, req *Request, envs []Envelope, h Hooks) (Result, error) {
	res := Result{Total: len(envs)}
	h.total(res.Total)

	ch := req.Channel
	if ch == "" {
		ch = ChannelEmail
	}
	tr, ok := e.transports[ch]
	if !ok {
		return res, fmt.Errorf("no transport registered for channel %q", ch)
	}

	log := e.log.With(logx.String("channel", string(ch)), logx.Int("total", res.Total))
	sess, err := tr.Open(ctx, req)
	if err != nil {
		log.Warn("open session failed", logx.Err(err))
		return res, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("close session", logx.Err(err))
		}
	}()

	for _, env := range envs {
		if h.canceled() {
			res.Canceled = true
			log.Info("run canceled", logx.Int("processed", res.Attempted()))
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		d, err := sess.Send(ctx, env)
		if err != nil && d.Attempts == 0 {
			return res, err
		}

		o := Outcome{Index: env.Index, Recipient: env.Recipient, Attempts: d.Attempts, Message: d.Message}
		if d.OK {
			o.Status = StatusSuccess
			res.Success++
		} else {
			o.Status = StatusFailed
			res.Failed++
		}
		res.Outcomes = append(res.Outcomes, o)
		h.progress(Event{Index: o.Index, Email: o.Recipient, Status: o.Status, Message: o.Message})

		if err != nil {
			log.Warn("run aborted", logx.Int("index", env.Index), logx.Err(err))
			return res, err
		}
	}
	log.Info("run finished", logx.Int("success", res.Success), logx.Int("failed", res.Failed))
	return res, nil
}

// IsRequestError reports whether err describes a bad request rather than a
// failure while sending.
func IsRequestError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrNoRecipients)
}
