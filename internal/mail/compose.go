package mail

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

var (
	verifyTmpl = template.Must(template.New("verify").Parse(`Hello {{.Username}},

Welcome to GliderBlog. Confirm your email address to activate your account:

{{.Link}}

The link can be used once.
`))
	resetTmpl = template.Must(template.New("reset").Parse(`Hello {{.Username}},

Someone asked to reset the password of your GliderBlog account. If it was you, choose a new password here:

{{.Link}}

The link expires in {{.TTL}} and can be used once. If you did not ask for this, ignore this email.
`))
)

// Composer renders account emails with links rooted at the public base URL.
type Composer struct {
	base *url.URL
}

// NewComposer parses baseURL, e.g. https://glider.example or http://localhost:8080.
func NewComposer(baseURL string) (*Composer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("mail: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mail: base url %q must be absolute", baseURL)
	}
	return &Composer{base: u}, nil
}

// Verification builds the email carrying a verification link.
func (c *Composer) Verification(to, username, token string) (Job, error) {
	body, err := render(verifyTmpl, map[string]string{
		"Username": username,
		"Link":     c.link("/verify", token),
	})
	if err != nil {
		return Job{}, err
	}
	return Job{To: to, Subject: "Confirm your GliderBlog account", Body: body, Kind: KindVerify}, nil
}

// PasswordReset builds the email carrying a reset link valid for ttl (a human string such as "45m0s").
func (c *Composer) PasswordReset(to, username, token, ttl string) (Job, error) {
	body, err := render(resetTmpl, map[string]string{
		"Username": username,
		"Link":     c.link("/reset-password", token),
		"TTL":      ttl,
	})
	if err != nil {
		return Job{}, err
	}
	return Job{To: to, Subject: "Reset your GliderBlog password", Body: body, Kind: KindReset}, nil
}

func (c *Composer) link(path, token string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

func render(t *template.Template, data map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mail: render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
