package mail

import (
	"errors"
	"fmt"
	"os"
	"strings"

	logx "enviador/pkg/logx"
)

// ErrTooLarge is reported for attachments above Builder's size limit.
var ErrTooLarge = errors.New("attachment too large")

// Skipped records an attachment that could not be included.
type Skipped struct {
	Name string
	Err  error
}

func (s Skipped) String() string { return fmt.Sprintf("%s: %v", s.Name, s.Err) }

// Builder assembles Messages. The zero value is usable.
type Builder struct {
	log logx.Logger
	// MaxAttachmentBytes caps a single attachment; 0 means no limit.
	MaxAttachmentBytes int64

	readFile func(string) ([]byte, error)
}

func NewBuilder(log logx.Logger, maxAttachmentBytes int64) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{log: log, MaxAttachmentBytes: maxAttachmentBytes, readFile: os.ReadFile}
}

// Build loads every attachment and returns the message together with the
// attachments that had to be left out. A failing attachment never fails the
// message.
func (b *Builder) Build(from, to, subject, html string, atts []Attachment) (*Message, []Skipped) {
	msg := &Message{
		From:    strings.TrimSpace(from),
		To:      strings.TrimSpace(to),
		Subject: subject,
		HTML:    html,
	}
	var skipped []Skipped
	for _, a := range atts {
		p, err := b.load(a)
		if err != nil {
			name := a.Name
			if name == "" {
				name = a.Path
			}
			skipped = append(skipped, Skipped{Name: name, Err: err})
			b.logger().Warn("attachment skipped", logx.Recipient(msg.To), logx.String("name", name), logx.Err(err))
			continue
		}
		msg.Parts = append(msg.Parts, p)
	}
	return msg, skipped
}

func (b *Builder) load(a Attachment) (Part, error) {
	name := strings.TrimSpace(a.Name)
	data := a.Data
	if a.IsPath() {
		read := b.readFile
		if read == nil {
			read = os.ReadFile
		}
		raw, err := read(a.Path)
		if err != nil {
			return Part{}, fmt.Errorf("read %s: %w", a.Path, err)
		}
		data = raw
	}
	if name == "" {
		return Part{}, errors.New("attachment has no name")
	}
	if data == nil {
		return Part{}, errors.New("attachment has no content")
	}
	if b.MaxAttachmentBytes > 0 && int64(len(data)) > b.MaxAttachmentBytes {
		return Part{}, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), b.MaxAttachmentBytes)
	}
	return Part{Name: name, ContentType: ContentTypeFor(name), Data: data}, nil
}

func (b *Builder) logger() logx.Logger {
	if b == nil || b.log.IsZero() {
		return logx.Nop()
	}
	return b.log
}
