// Package mail builds transport-ready MIME messages on top of gomail.
package mail

import (
	"io"
	"mime"
	"path/filepath"

	"github.com/go-gomail/gomail"
)

// Attachment is an attachment source: either in-memory bytes or a path on
// disk that is read when the message is built.
type Attachment struct {
	Name string
	Data []byte
	Path string
}

// Blob returns an in-memory attachment.
func Blob(name string, data []byte) Attachment {
	return Attachment{Name: name, Data: data}
}

// File returns a path attachment; the base name is used as the filename.
func File(path string) Attachment {
	return Attachment{Name: filepath.Base(path), Path: path}
}

func (a Attachment) IsPath() bool { return a.Data == nil && a.Path != "" }

// Part is an attachment whose bytes are already loaded.
type Part struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a fully resolved email ready to hand to a transport.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Parts   []Part
}

// Gomail converts the message to its gomail representation. With no parts the
// result is a single text/html body; otherwise multipart/mixed with one
// base64 part per attachment.
func (m *Message) Gomail() *gomail.Message {
	gm := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	gm.SetHeader("From", m.From)
	gm.SetHeader("To", m.To)
	gm.SetHeader("Subject", m.Subject)
	gm.SetBody("text/html", m.HTML)
	for _, p := range m.Parts {
		data := p.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		// Without an explicit header gomail guesses from the extension.
		if p.ContentType != "" {
			ct := p.ContentType
			if mt, params, err := mime.ParseMediaType(ct); err == nil {
				params["name"] = p.Name
				if v := mime.FormatMediaType(mt, params); v != "" {
					ct = v
				}
			}
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {ct}}))
		}
		gm.Attach(p.Name, settings...)
	}
	return gm
}

// WriteTo serializes the message as RFC 5322 bytes.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	return m.Gomail().WriteTo(w)
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
