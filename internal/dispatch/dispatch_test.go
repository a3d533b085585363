package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"enviador/internal/attachment"
	"enviador/internal/credential"
	"enviador/internal/delivery"
	"enviador/internal/sheet"
	"enviador/internal/whatsapp"
	logx "enviador/pkg/logx"
)

type fakeTransport struct {
	sent  []Envelope
	fail  map[string]string
	fatal map[string]error
	open  error
}

func (t *fakeTransport) Channel() Channel { return ChannelEmail }

func (t *fakeTransport) Open(ctx context.Context, req *Request) (Session, error) {
	if t.open != nil {
		return nil, t.open
	}
	return t, nil
}

func (t *fakeTransport) Send(ctx context.Context, env Envelope) (Delivery, error) {
	t.sent = append(t.sent, env)
	if err, ok := t.fatal[env.Recipient]; ok {
		return Delivery{Attempts: 1, Message: err.Error()}, err
	}
	if msg, ok := t.fail[env.Recipient]; ok {
		return Delivery{Attempts: 5, Message: msg}, nil
	}
	return Delivery{OK: true, Attempts: 1}, nil
}

func (t *fakeTransport) Close() error { return nil }

func emailRequest(rows ...sheet.Row) *Request {
	return &Request{
		Channel:         ChannelEmail,
		Sender:          "me@x.com",
		Credential:      "app-pass",
		SubjectTemplate: "Hi {Name}",
		BodyTemplate:    "<p>Hello {Name}</p>",
		Rows:            rows,
		ContactColumn:   "Email",
		MatchMode:       attachment.Contains,
	}
}

func twoRows() []sheet.Row {
	return []sheet.Row{
		sheet.NewRow("Email", "a@x.com", "Name", "A"),
		sheet.NewRow("Email", "b@x.com", "Name", "B"),
	}
}

func TestRunAllSucceed(t *testing.T) {
	tr := &fakeTransport{}
	e := NewEngine(Config{}, logx.Nop(), tr)

	var total int
	var events []Event
	res, err := e.Run(context.Background(), emailRequest(twoRows()...), Hooks{
		Total:    func(n int) { total = n },
		Progress: func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 2 || res.Success != 2 || res.Failed != 0 || res.Canceled {
		t.Fatalf("result = %+v", res)
	}
	if total != 2 {
		t.Fatalf("total hook = %d, want 2", total)
	}
	if len(tr.sent) != 2 || tr.sent[0].Subject != "Hi A" || tr.sent[1].Subject != "Hi B" {
		t.Fatalf("sent = %+v", tr.sent)
	}
	if tr.sent[0].Body != "<p>Hello A</p>" {
		t.Fatalf("body = %q", tr.sent[0].Body)
	}
	want := []Event{{Index: 1, Email: "a@x.com", Status: StatusSuccess}, {Index: 2, Email: "b@x.com", Status: StatusSuccess}}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestRowsWithoutContactAreSkipped(t *testing.T) {
	tr := &fakeTransport{}
	e := NewEngine(Config{}, logx.Nop(), tr)
	req := emailRequest(
		sheet.NewRow("Email", "  ", "Name", "blank"),
		sheet.NewRow("Name", "missing"),
		sheet.NewRow("Email", nil, "Name", "nil"),
		sheet.NewRow("Email", " c@x.com ", "Name", "C"),
	)
	res, err := e.Run(context.Background(), req, Hooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 1 || res.Success != 1 {
		t.Fatalf("result = %+v", res)
	}
	if tr.sent[0].Recipient != "c@x.com" || tr.sent[0].Index != 1 {
		t.Fatalf("envelope = %+v", tr.sent[0])
	}
}

func TestNoRecipients(t *testing.T) {
	e := NewEngine(Config{}, logx.Nop(), &fakeTransport{})
	_, err := e.Run(context.Background(), emailRequest(sheet.NewRow("Name", "A")), Hooks{})
	if !errors.Is(err, ErrNoRecipients) || !strings.Contains(err.Error(), `"Email"`) {
		t.Fatalf("err = %v", err)
	}
	if !IsRequestError(err) {
		t.Fatalf("IsRequestError = false")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(r *Request)
		field string
	}{
		{"sender", func(r *Request) { r.Sender = "" }, "email_sender"},
		{"credential", func(r *Request) { r.Credential = " " }, "app_password"},
		{"contact", func(r *Request) { r.ContactColumn = "" }, "contact_column"},
		{"rows", func(r *Request) { r.Rows = nil }, "rows"},
		{"whatsapp needs message", func(r *Request) { r.Channel = ChannelWhatsApp; r.BodyTemplate = "" }, "message"},
		{"channel", func(r *Request) { r.Channel = "fax" }, "channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := emailRequest(twoRows()...)
			tt.edit(r)
			var ve *ValidationError
			if err := Validate(r); !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Validate = %v, want field %s", err, tt.field)
			}
		})
	}
	if err := Validate(emailRequest(twoRows()...)); err != nil {
		t.Fatalf("valid request: %v", err)
	}
}

func TestCancelStopsBeforeNextSend(t *testing.T) {
	tr := &fakeTransport{}
	e := NewEngine(Config{}, logx.Nop(), tr)
	rows := append(twoRows(), sheet.NewRow("Email", "c@x.com", "Name", "C"))
	res, err := e.Run(context.Background(), emailRequest(rows...), Hooks{
		Canceled: func() bool { return len(tr.sent) >= 1 },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Canceled || res.Attempted() != 1 || res.Total != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(tr.sent))
	}
}

func TestPerRecipientFailureContinues(t *testing.T) {
	tr := &fakeTransport{fail: map[string]string{"a@x.com": "550 mailbox unavailable"}}
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), emailRequest(twoRows()...), Hooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Outcomes[0].Message != "550 mailbox unavailable" || res.Outcomes[0].Attempts != 5 {
		t.Fatalf("outcome = %+v", res.Outcomes[0])
	}
}

func TestHardQuotaAbortsRun(t *testing.T) {
	quota := &delivery.QuotaError{Recipient: "b@x.com", Err: errors.New("5.4.5 quota")}
	tr := &fakeTransport{fatal: map[string]error{"b@x.com": quota}}
	rows := append(twoRows(), sheet.NewRow("Email", "c@x.com", "Name", "C"))
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), emailRequest(rows...), Hooks{})
	if !errors.Is(err, delivery.ErrHardQuota) {
		t.Fatalf("err = %v, want ErrHardQuota", err)
	}
	if res.Success != 1 || res.Failed != 1 || res.Total != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d, want 2", len(tr.sent))
	}
	if IsRequestError(err) {
		t.Fatalf("quota reported as request error")
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	tr := &fakeTransport{open: &delivery.AuthError{Err: errors.New("535 bad credentials")}}
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), emailRequest(twoRows()...), Hooks{})
	if !errors.Is(err, delivery.ErrAuthentication) {
		t.Fatalf("err = %v", err)
	}
	if res.Total != 2 || res.Attempted() != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestAttachmentResolution(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "terms.pdf"), []byte("terms"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	req := emailRequest(
		sheet.NewRow("Email", "a@x.com", "Name", "A", "Files", "invoice; terms.pdf, nothing"),
		sheet.NewRow("Email", "b@x.com", "Name", "B", "Files", []any{"→ Invoice_Feb.PDF"}),
		sheet.NewRow("Email", "c@x.com", "Name", "C"),
	)
	req.FileColumn = "Files"
	req.Uploads = []Upload{{Key: "files", Files: []FileBlob{
		{Name: "invoice_jan.pdf", Content: []byte("jan")},
		{Name: "invoice_feb.pdf", Content: []byte("feb")},
		{Name: "empty.pdf"},
	}}}

	envs, err := NewEngine(Config{AttachmentDir: dir}, logx.Nop()).Expand(req)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got, want := envs[0].AttachmentNames(), []string{"invoice_jan.pdf", "invoice_feb.pdf", "terms.pdf"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("row 1 attachments = %v, want %v", got, want)
	}
	if !envs[0].Attachments[2].IsPath() {
		t.Fatalf("terms.pdf should come from the attachment dir")
	}
	if got := envs[1].AttachmentNames(); !reflect.DeepEqual(got, []string{"invoice_feb.pdf"}) {
		t.Fatalf("row 2 attachments = %v", got)
	}
	if len(envs[2].Attachments) != 0 {
		t.Fatalf("row 3 attachments = %v", envs[2].AttachmentNames())
	}

	req.MatchMode = attachment.Equals
	envs, _ = NewEngine(Config{}, logx.Nop()).Expand(req)
	if len(envs[0].Attachments) != 0 {
		t.Fatalf("equals mode resolved %v", envs[0].AttachmentNames())
	}
}

func TestAttachToAllIgnoresFileColumn(t *testing.T) {
	req := emailRequest(sheet.NewRow("Email", "a@x.com", "Files", "invoice_jan"))
	req.FileColumn = "Files"
	req.AttachToAll = true
	req.Uploads = []Upload{
		{Key: "a", Files: []FileBlob{{Name: "one.pdf", Content: []byte("1")}}},
		{Key: "b", Files: []FileBlob{{Name: "two.txt", Content: []byte("2")}, {Name: "", Content: []byte("x")}}},
	}
	envs, err := NewEngine(Config{}, logx.Nop()).Expand(req)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got := envs[0].AttachmentNames(); !reflect.DeepEqual(got, []string{"one.pdf", "two.txt"}) {
		t.Fatalf("attachments = %v", got)
	}
}

func TestPreviewLimitsToFirstRecipients(t *testing.T) {
	var rows []sheet.Row
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		rows = append(rows, sheet.NewRow("Email", n+"@x.com", "Name", strings.ToUpper(n)))
	}
	p, err := NewEngine(Config{}, logx.Nop()).Preview(emailRequest(rows...), DefaultPreviewSize)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(p) != 5 || p[4].Recipient != "e@x.com" || p[0].Subject != "Hi A" {
		t.Fatalf("previews = %+v", p)
	}
}

func TestSendSummaryCarriesStatus(t *testing.T) {
	tr := &fakeTransport{fail: map[string]string{"b@x.com": "boom"}}
	sum, err := NewEngine(Config{}, logx.Nop(), tr).Send(context.Background(), emailRequest(twoRows()...), Hooks{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sum.Previews[0].Status != "success" || sum.Previews[1].Status != "failed" {
		t.Fatalf("previews = %+v", sum.Previews)
	}
}

type smtpStub struct{ to []string }

func (s *smtpStub) Send(from string, to []string, msg io.WriterTo) error {
	s.to = append(s.to, to...)
	_, err := msg.WriteTo(io.Discard)
	return err
}
func (s *smtpStub) Close() error { return nil }

func TestEmailTransport(t *testing.T) {
	stub := &smtpStub{}
	var gotUser, gotPass string
	tr := &Email{
		Decrypter: credential.Func(func(ctx context.Context, c string) (string, error) { return "plain-" + c, nil }),
		Dialer: func(u, p string) delivery.Dialer {
			gotUser, gotPass = u, p
			return delivery.DialerFunc(func(ctx context.Context) (delivery.Session, error) { return stub, nil })
		},
		Log: logx.Nop(),
	}
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), emailRequest(twoRows()...), Hooks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success != 2 || !reflect.DeepEqual(stub.to, []string{"a@x.com", "b@x.com"}) {
		t.Fatalf("result = %+v, to = %v", res, stub.to)
	}
	if gotUser != "me@x.com" || gotPass != "plain-app-pass" {
		t.Fatalf("dialer got %q/%q", gotUser, gotPass)
	}
}

func TestEmailTransportDecryptFailureIsAuthError(t *testing.T) {
	tr := &Email{
		Decrypter: credential.Func(func(ctx context.Context, c string) (string, error) { return "", errors.New("invalid token") }),
		Dialer: func(u, p string) delivery.Dialer {
			t.Fatalf("dialer must not be used")
			return nil
		},
	}
	_, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), emailRequest(twoRows()...), Hooks{})
	if !errors.Is(err, delivery.ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

type waAPI struct{ calls []string }

func (a *waAPI) SendTemplate(ctx context.Context, to, name, lang string, params []string) (whatsapp.Response, error) {
	a.calls = append(a.calls, to+"|"+name+"|"+lang+"|"+strings.Join(params, ","))
	return whatsapp.Response{Success: true, MessageID: "m-" + to}, nil
}

func (a *waAPI) SendText(ctx context.Context, to, text string) (whatsapp.Response, error) {
	a.calls = append(a.calls, to+"|"+text)
	return whatsapp.Response{Success: true}, nil
}

func TestWhatsAppTemplateParams(t *testing.T) {
	api := &waAPI{}
	tr := &WhatsApp{Sender: whatsapp.NewSender(api, 0, 0)}
	req := &Request{
		Channel:       ChannelWhatsApp,
		TemplateName:  "reminder",
		ContactColumn: "Phone",
		ParamColumns:  []string{"Name", "Due"},
		Rows: []sheet.Row{
			sheet.NewRow("Phone", "5511999990000", "Name", "Ann", "Due", float64(10)),
		},
	}
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), req, Hooks{})
	if err != nil || res.Success != 1 {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if want := []string{"5511999990000|reminder|pt_BR|Ann,10"}; !reflect.DeepEqual(api.calls, want) {
		t.Fatalf("calls = %v, want %v", api.calls, want)
	}
}

func TestWhatsAppUnconfiguredAborts(t *testing.T) {
	tr := &WhatsApp{Sender: whatsapp.NewSender(whatsapp.Unconfigured{}, 0, 0)}
	req := &Request{
		Channel:       ChannelWhatsApp,
		BodyTemplate:  "Oi {Name}",
		ContactColumn: "Phone",
		Rows:          []sheet.Row{sheet.NewRow("Phone", "1", "Name", "A"), sheet.NewRow("Phone", "2", "Name", "B")},
	}
	res, err := NewEngine(Config{}, logx.Nop(), tr).Run(context.Background(), req, Hooks{})
	if !errors.Is(err, whatsapp.ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
	if res.Failed != 1 || res.Success != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPreviewReportsUnfilledPlaceholders(t *testing.T) {
	req := emailRequest(
		sheet.NewRow("Email", "a@x.com", "Name", "A", "Plan", "gold"),
		sheet.NewRow("Email", "b@x.com", "Name", "B"),
	)
	req.SubjectTemplate = "Hi {Name}, {Plan}"
	req.BodyTemplate = "<p>{Plan} until {Due}</p>"
	p, err := NewEngine(Config{}, logx.Nop()).Preview(req, 0)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !reflect.DeepEqual(p[0].Unfilled, []string{"Due"}) {
		t.Fatalf("row 1 unfilled = %v, want [Due]", p[0].Unfilled)
	}
	if !reflect.DeepEqual(p[1].Unfilled, []string{"Plan", "Due"}) {
		t.Fatalf("row 2 unfilled = %v, want [Plan Due]", p[1].Unfilled)
	}
	if p[1].Subject != "Hi B, {Plan}" {
		t.Fatalf("subject = %q", p[1].Subject)
	}
}
