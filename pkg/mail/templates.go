package mail

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/Masterminds/sprig/v3"
)

// Subjects of the transactional emails.
const (
	SubjectVerifyEmail   = "Verify Your Email Address"
	SubjectPasswordReset = "Password Reset Request"
	SubjectWelcome       = "Welcome to Stock Portfolio Tracker"
)

// Link lifetimes shown in the emails. The tokens themselves are issued elsewhere.
const (
	VerifyLinkLifetime = "24 hours"
	ResetLinkLifetime  = "1 hour"
)

type VerifyEmailParams struct {
	URL          string
	ExpiresIn    string
	BrandingName string
}

type PasswordResetParams struct {
	URL          string
	ExpiresIn    string
	BrandingName string
}

type WelcomeParams struct {
	FirstName    string
	BrandingName string
}

type AdminNotificationParams struct {
	Title   string
	Message string
	// Details is rendered as a key/value table sorted by key.
	Details      map[string]any
	URL          string
	BrandingName string
}

var (
	//go:embed templates/*.html
	templateFS embed.FS

	templates = template.Must(template.New("mail").Funcs(sprig.FuncMap()).ParseFS(templateFS, "templates/*.html"))
)

func render(name string, p any) (string, error) {
	b := bytes.Buffer{}
	err := templates.ExecuteTemplate(&b, name, p)
	return b.String(), err
}

func RenderVerifyEmail(p VerifyEmailParams) (string, error) {
	if p.ExpiresIn == "" {
		p.ExpiresIn = VerifyLinkLifetime
	}
	return render("verify_email.html", p)
}

func RenderPasswordReset(p PasswordResetParams) (string, error) {
	if p.ExpiresIn == "" {
		p.ExpiresIn = ResetLinkLifetime
	}
	return render("password_reset.html", p)
}

func RenderWelcome(p WelcomeParams) (string, error) {
	return render("welcome.html", p)
}

func RenderAdminNotification(p AdminNotificationParams) (string, error) {
	return render("admin_notification.html", p)
}
