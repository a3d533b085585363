// Package dispatch expands a bulk request into per-recipient envelopes and
// drives them, one at a time, through a delivery channel.
package dispatch

import (
	"fmt"
	"strings"

	"enviador/internal/attachment"
	"enviador/internal/mail"
	"enviador/internal/sheet"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel maps a payload value to a Channel; empty means email.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "email":
		return ChannelEmail, nil
	case "whatsapp":
		return ChannelWhatsApp, nil
	default:
		return "", &ValidationError{Field: "channel", Reason: fmt.Sprintf("unsupported channel %q", s)}
	}
}

// FileBlob is one uploaded file.
type FileBlob struct {
	Name    string
	Content []byte
	Size    int64
}

func (b FileBlob) Empty() bool { return b.Name == "" || len(b.Content) == 0 }

// Upload groups the files sent under one form key.
type Upload struct {
	Key   string
	Files []FileBlob
}

// Request is the validated, immutable input of a dispatch run.
type Request struct {
	Channel         Channel
	Sender          string
	Credential      string
	SubjectTemplate string
	BodyTemplate    string
	Rows            []sheet.Row
	ContactColumn   string
	FileColumn      string
	AttachToAll     bool
	MatchMode       attachment.MatchMode
	Uploads         []Upload

	// WhatsApp only.
	TemplateName string
	Language     string
	ParamColumns []string
}

// Blobs returns every non-empty uploaded file in upload order.
func (r *Request) Blobs() []FileBlob {
	var out []FileBlob
	for _, u := range r.Uploads {
		for _, f := range u.Files {
			if !f.Empty() {
				out = append(out, f)
			}
		}
	}
	return out
}

// Envelope is one fully resolved message, ready for a channel.
type Envelope struct {
	Index       int
	Recipient   string
	Subject     string
	Body        string
	Attachments []mail.Attachment
	Params      []string
	// Unfilled lists placeholders no column of the row supplied.
	Unfilled []string
}

// AttachmentNames lists the attachment file names.
func (e Envelope) AttachmentNames() []string {
	out := make([]string, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		out = append(out, a.Name)
	}
	return out
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome is the result for one attempted recipient.
type Outcome struct {
	Index     int    `json:"index"`
	Recipient string `json:"recipient"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Result summarizes a run. Success+Failed equals the number of attempted
// recipients.
type Result struct {
	Total    int       `json:"total"`
	Success  int       `json:"success"`
	Failed   int       `json:"failed"`
	Canceled bool      `json:"canceled"`
	Outcomes []Outcome `json:"-"`
}

func (r Result) Attempted() int { return r.Success + r.Failed }

// Event is reported after every attempted recipient.
type Event struct {
	Index   int
	Email   string
	Status  Status
	Message string
}

// Hooks connect a run to its observer. Every field is optional.
type Hooks struct {
	Total    func(total int)
	Progress func(Event)
	Canceled func() bool
}

func (h Hooks) total(n int) {
	if h.Total != nil {
		h.Total(n)
	}
}

func (h Hooks) progress(e Event) {
	if h.Progress != nil {
		h.Progress(e)
	}
}

func (h Hooks) canceled() bool {
	return h.Canceled != nil && h.Canceled()
}

// Preview shows what a recipient would receive.
type Preview struct {
	Index       int      `json:"index"`
	Recipient   string   `json:"recipient"`
	Subject     string   `json:"subject,omitempty"`
	Message     string   `json:"message,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Unfilled    []string `json:"unfilled,omitempty"`
	Status      string   `json:"status,omitempty"`
}
