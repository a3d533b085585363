package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"enviador/internal/attachment"
	"enviador/internal/dispatch"
	"enviador/internal/sheet"
)

var errBadPayload = errors.New("invalid payload")

// SubmitPayload is the body of every dispatch endpoint. Field names follow
// the public form the web client already sends.
type SubmitPayload struct {
	Channel       string      `json:"channel"`
	EmailSender   string      `json:"email_sender"`
	AppPassword   string      `json:"app_password"`
	Subject       string      `json:"subject"`
	Message       string      `json:"message"`
	Rows          []sheet.Row `json:"rows"`
	ContactColumn string      `json:"contact_column"`
	FileColumn    string      `json:"file_column"`
	AttachToAll   bool        `json:"attach_to_all"`
	MatchMode     string      `json:"match_mode"`
	TemplateName  string      `json:"template_name"`
	Language      string      `json:"language"`
	ParamColumns  []string    `json:"param_columns"`
	Files         InlineFiles `json:"files"`
}

// InlineFiles decodes {"key": [{"name": ..., "content": base64}, ...]}
// keeping the key order of the document.
type InlineFiles []dispatch.Upload

type inlineFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (f *InlineFiles) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("files: expected an object")
	}
	var out []dispatch.Upload
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var raw []inlineFile
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("files.%s: %w", key, err)
		}
		up := dispatch.Upload{Key: key}
		for i, rf := range raw {
			data, err := decodeBase64(rf.Content)
			if err != nil {
				return fmt.Errorf("files.%s[%d]: %w", key, i, err)
			}
			up.Files = append(up.Files, dispatch.FileBlob{Name: rf.Name, Content: data, Size: int64(len(data))})
		}
		out = appendUpload(out, up)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*f = out
	return nil
}

// decodeBase64 accepts plain or data-URL base64, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// appendUpload merges files sent under an existing key.
func appendUpload(ups []dispatch.Upload, up dispatch.Upload) []dispatch.Upload {
	for i := range ups {
		if ups[i].Key == up.Key {
			ups[i].Files = append(ups[i].Files, up.Files...)
			return ups
		}
	}
	return append(ups, up)
}

// Request converts the payload into a validated dispatch request. Uploads
// from multipart parts follow the inline files.
func (p SubmitPayload) Request(uploads []dispatch.Upload, defaultLanguage string) (*dispatch.Request, error) {
	ch, err := dispatch.ParseChannel(p.Channel)
	if err != nil {
		return nil, err
	}
	all := append([]dispatch.Upload(nil), p.Files...)
	for _, up := range uploads {
		all = appendUpload(all, up)
	}
	lang := strings.TrimSpace(p.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	req := &dispatch.Request{
		Channel:         ch,
		Sender:          strings.TrimSpace(p.EmailSender),
		Credential:      p.AppPassword,
		SubjectTemplate: p.Subject,
		BodyTemplate:    p.Message,
		Rows:            p.Rows,
		ContactColumn:   strings.TrimSpace(p.ContactColumn),
		FileColumn:      strings.TrimSpace(p.FileColumn),
		AttachToAll:     p.AttachToAll,
		MatchMode:       attachment.ParseMatchMode(p.MatchMode),
		Uploads:         all,
		TemplateName:    strings.TrimSpace(p.TemplateName),
		Language:        lang,
		ParamColumns:    p.ParamColumns,
	}
	if err := dispatch.Validate(req); err != nil {
		return nil, err
	}
	return req, nil
}

// decodeRequest reads a JSON body or a multipart form whose "payload"
// field holds the JSON and whose file parts are uploads keyed by form name.
func decodeRequest(w http.ResponseWriter, r *http.Request, maxBody int64, defaultLanguage string) (*dispatch.Request, error) {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		p       SubmitPayload
		uploads []dispatch.Upload
	)
	if mt == "multipart/form-data" {
		var err error
		p, uploads, err = readMultipart(r)
		if err != nil {
			return nil, err
		}
	} else if err := decodeJSON(r.Body, &p); err != nil {
		return nil, err
	}
	return p.Request(uploads, defaultLanguage)
}

// DecodePayload reads one JSON payload, as accepted by the submit endpoint.
func DecodePayload(r io.Reader) (SubmitPayload, error) {
	var p SubmitPayload
	err := decodeJSON(r, &p)
	return p, err
}

func decodeJSON(r io.Reader, p *SubmitPayload) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(p); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func readMultipart(r *http.Request) (SubmitPayload, []dispatch.Upload, error) {
	var (
		p       SubmitPayload
		uploads []dispatch.Upload
		seen    bool
	)
	mr, err := r.MultipartReader()
	if err != nil {
		return p, nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return p, nil, multipartErr(err)
		}
		name := part.FormName()
		switch {
		case part.FileName() != "":
			data, err := io.ReadAll(part)
			if err != nil {
				return p, nil, multipartErr(err)
			}
			uploads = appendUpload(uploads, dispatch.Upload{
				Key:   name,
				Files: []dispatch.FileBlob{{Name: part.FileName(), Content: data, Size: int64(len(data))}},
			})
		case name == "payload":
			if err := decodeJSON(part, &p); err != nil {
				return p, nil, err
			}
			seen = true
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}
	if !seen {
		return p, nil, fmt.Errorf("%w: payload field is required", errBadPayload)
	}
	return p, uploads, nil
}

func multipartErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadPayload, err)
}
