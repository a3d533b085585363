package dispatch

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"enviador/internal/attachment"
	"enviador/internal/mail"
	"enviador/internal/sheet"
	"enviador/internal/template"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

// Expand turns the request rows into envelopes, in row order. Rows without a
// contact value are skipped and do not count towards the total.
func (e *Engine) Expand(req *Request) ([]Envelope, error) {
	blobs := req.Blobs()

	ix := attachment.NewIndex[mail.Attachment]()
	for _, b := range blobs {
		ix.Add(b.Name, mail.Blob(b.Name, b.Content))
	}

	var global []mail.Attachment
	if req.AttachToAll {
		for _, b := range blobs {
			global = append(global, mail.Blob(b.Name, b.Content))
		}
	}

	warned := map[string]bool{}
	var out []Envelope
	for _, row := range req.Rows {
		contact, _ := row.Text(req.ContactColumn)
		contact = strings.TrimSpace(contact)
		if contact == "" {
			continue
		}
		env := Envelope{Index: len(out) + 1, Recipient: contact}
		env.Subject, env.Body = template.RenderAll(req.SubjectTemplate, req.BodyTemplate, row)
		env.Unfilled = unfilled(req, row)
		for _, name := range env.Unfilled {
			if !warned[name] {
				warned[name] = true
				e.log.Warn("placeholder has no column", logx.String("placeholder", name), logx.Int("index", env.Index))
			}
		}

		switch {
		case req.AttachToAll:
			env.Attachments = append([]mail.Attachment(nil), global...)
		case req.FileColumn != "":
			if v, ok := row.Get(req.FileColumn); ok {
				env.Attachments = e.resolve(ix, attachment.SplitRefs(v), req.MatchMode)
			}
		}

		if req.Channel == ChannelWhatsApp {
			for _, col := range req.ParamColumns {
				v, _ := row.Text(col)
				env.Params = append(env.Params, v)
			}
		}
		out = append(out, env)
	}
	if len(out) == 0 {
		return nil, noRecipients(req.ContactColumn)
	}
	return out, nil
}

func unfilled(req *Request, row sheet.Row) []string {
	out := template.Missing(req.SubjectTemplate, row)
	for _, name := range template.Missing(req.BodyTemplate, row) {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// resolve maps references to uploads; a reference with no upload match may
// still name a file in the configured attachment directory.
func (e *Engine) resolve(ix *attachment.Index[mail.Attachment], refs []string, mode attachment.MatchMode) []mail.Attachment {
	found, misses := ix.Resolve(refs, mode, func(ref string) (mail.Attachment, bool) {
		p, ok := e.onDisk(ref)
		if !ok {
			return mail.Attachment{}, false
		}
		return mail.File(p), true
	})
	for _, ref := range misses {
		e.log.Debug("attachment reference unresolved", logx.String("ref", ref))
	}
	return found
}

func (e *Engine) onDisk(ref string) (string, bool) {
	dir := e.cfg.AttachmentDir
	if dir == "" {
		return "", false
	}
	name := filepath.Base(strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/")))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", false
	}
	p := filepath.Join(dir, name)
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return "", false
	}
	return p, true
}

// Preview returns up to n envelopes in preview form.
func (e *Engine) Preview(req *Request, n int) ([]Preview, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	envs, err := e.Expand(req)
	if err != nil {
		return nil, err
	}
	return previews(req, envs, n, nil), nil
}

func previews(req *Request, envs []Envelope, n int, outcomes []Outcome) []Preview {
	if n <= 0 || n > len(envs) {
		n = len(envs)
	}
	status := map[int]Status{}
	for _, o := range outcomes {
		status[o.Index] = o.Status
	}
	out := make([]Preview, 0, n)
	for _, env := range envs[:n] {
		p := Preview{
			Index:       env.Index,
			Recipient:   env.Recipient,
			Attachments: env.AttachmentNames(),
			Unfilled:    env.Unfilled,
		}
		if req.Channel == ChannelWhatsApp {
			if req.TemplateName != "" {
				p.Message = req.TemplateName
			} else {
				p.Message = whatsapp.Truncate(env.Body, 50)
			}
		} else {
			p.Subject = env.Subject
		}
		if s, ok := status[env.Index]; ok {
			p.Status = string(s)
		} else if outcomes != nil {
			p.Status = "skipped"
		}
		out = append(out, p)
	}
	return out
}
