package escalate

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	texttemplate "text/template"

	"nutrisight/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// subjects maps notification tiers to their email subject line.
var subjects = map[types.QuotaTier]string{
	types.TierLow:       "📊 You're running low on NutriSight scans",
	types.TierCritical:  "⚠️ Only a few scans left on NutriSight!",
	types.TierExhausted: "🚨 Your NutriSight scans have run out!",
}

// ctaLabels maps notification tiers to the upgrade button label.
var ctaLabels = map[types.QuotaTier]string{
	types.TierLow:       "Upgrade to Pro",
	types.TierCritical:  "Upgrade Before You Run Out",
	types.TierExhausted: "Upgrade Now - No Scans Left",
}

// renderableTiers are the tiers that have an email template. Plenty never
// triggers a notification.
var renderableTiers = []types.QuotaTier{
	types.TierLow,
	types.TierCritical,
	types.TierExhausted,
}

// templateData is the struct passed into the tier templates.
type templateData struct {
	Subject     string
	DisplayName string
	Remaining   int
	ScansUsed   int
	Allotment   int
	UpgradeURL  string
	CTALabel    string
}

// Renderer produces provider-ready email content from a crossing message
// using Go templates embedded at build time.
type Renderer struct {
	htmlTemplates map[types.QuotaTier]*template.Template
	textTemplates map[types.QuotaTier]*texttemplate.Template
	from          types.EmailAddress
	upgradeURL    string
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	FromAddress string
	FromName    string
	// FrontendURL is the dashboard origin; the upgrade link points at its
	// pricing page.
	FrontendURL string
}

// NewRenderer parses the embedded templates and returns a Renderer.
// Returns an error if any template fails to parse.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		htmlTemplates: make(map[types.QuotaTier]*template.Template),
		textTemplates: make(map[types.QuotaTier]*texttemplate.Template),
		from:          types.EmailAddress{Address: cfg.FromAddress, Name: cfg.FromName},
		upgradeURL:    upgradeLink(cfg.FrontendURL),
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to read base.html: %w", err)
	}

	for _, tier := range renderableTiers {
		name := string(tier)

		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.htmlTemplates[tier] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(name).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.textTemplates[tier] = txtTmpl
	}

	return r, nil
}

// Render produces the full send input for a crossing message. Returns a
// validation error for tiers that have no template.
func (r *Renderer) Render(msg *types.CrossingMessage) (types.SendInput, error) {
	htmlTmpl, ok := r.htmlTemplates[msg.Tier]
	if !ok {
		return types.SendInput{}, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("no email template for tier %q", msg.Tier), nil)
	}
	txtTmpl := r.textTemplates[msg.Tier]

	data := templateData{
		Subject:     subjects[msg.Tier],
		DisplayName: displayName(msg),
		Remaining:   msg.Remaining,
		ScansUsed:   msg.ScansUsed,
		Allotment:   msg.Allotment,
		UpgradeURL:  r.upgradeURL,
		CTALabel:    ctaLabels[msg.Tier],
	}

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return types.SendInput{}, fmt.Errorf("renderer: html execution failed for tier %q: %w", msg.Tier, err)
	}

	var txtBuf bytes.Buffer
	if err := txtTmpl.Execute(&txtBuf, data); err != nil {
		return types.SendInput{}, fmt.Errorf("renderer: text execution failed for tier %q: %w", msg.Tier, err)
	}

	return types.SendInput{
		From:     r.from,
		To:       types.EmailAddress{Address: msg.Email, Name: msg.DisplayName},
		Subject:  data.Subject,
		HTMLBody: htmlBuf.String(),
		TextBody: txtBuf.String(),
	}, nil
}

// upgradeLink builds the pricing-page URL with campaign attribution.
func upgradeLink(frontendURL string) string {
	q := url.Values{}
	q.Set("utm_source", "email")
	q.Set("utm_medium", "low_scans")
	q.Set("utm_campaign", "upgrade")
	return frontendURL + "/pricing?" + q.Encode()
}

// displayName falls back to the local part of the email address when the
// profile carries no name.
func displayName(msg *types.CrossingMessage) string {
	if msg.DisplayName != "" {
		return msg.DisplayName
	}
	for i := 0; i < len(msg.Email); i++ {
		if msg.Email[i] == '@' {
			return msg.Email[:i]
		}
	}
	return msg.Email
}
