package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/user/sitewatch/internal/domain"
)

const defaultEmailTemplate = `{{summary}}

Website: {{name}} ({{url}})
Change:  {{status}}

{{diff}}
`

// renderEmailBody fills the user's template, or the default one, with the
// values of this result. Unknown placeholders are left as-is.
func renderEmailBody(site *domain.Website, settings *domain.UserSettings, res *domain.ScrapeResult, summary string) string {
	tmpl := defaultEmailTemplate
	if settings.EmailTemplate != nil && *settings.EmailTemplate != "" {
		tmpl = *settings.EmailTemplate
	}
	diffText := ""
	if res.Diff != nil {
		diffText = res.Diff.Text
	}
	return strings.NewReplacer(
		"{{summary}}", summary,
		"{{name}}", site.Name,
		"{{url}}", res.URL,
		"{{status}}", string(res.ChangeStatus),
		"{{diff}}", diffText,
	).Replace(tmpl)
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	Addr string // host:port
	From string
	Auth smtp.Auth // optional
}

func (s *SMTPSender) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		s.From, to, subject, body)
	if err := smtp.SendMail(s.Addr, s.Auth, s.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
