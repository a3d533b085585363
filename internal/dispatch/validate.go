package dispatch

import (
	"strings"
)

// Validate checks the fields a run cannot start without.
func Validate(req *Request) error {
	if req == nil {
		return &ValidationError{Reason: "empty request"}
	}
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }

	switch req.Channel {
	case ChannelEmail, "":
		if blank(req.Sender) {
			return required("email_sender")
		}
		if blank(req.Credential) {
			return required("app_password")
		}
		if blank(req.SubjectTemplate) {
			return required("subject")
		}
		if blank(req.BodyTemplate) {
			return required("message")
		}
	case ChannelWhatsApp:
		if blank(req.TemplateName) && blank(req.BodyTemplate) {
			return &ValidationError{Field: "message", Reason: "template_name or message is required"}
		}
	default:
		_, err := ParseChannel(string(req.Channel))
		return err
	}
	if blank(req.ContactColumn) {
		return required("contact_column")
	}
	if len(req.Rows) == 0 {
		return &ValidationError{Field: "rows", Reason: "no rows to process"}
	}
	return nil
}
