package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Kind selects an email template.
type Kind string

const (
	KindWelcome               Kind = "welcome"
	KindProvisioningStarted   Kind = "provisioning_started"
	KindTrialReminder         Kind = "trial_reminder"
	KindPaymentFailed         Kind = "payment_failed"
	KindPaymentSuccess        Kind = "payment_success"
	KindSubscriptionUpgraded  Kind = "subscription_upgraded"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
)

// TemplateData carries every field any template may reference; unused
// fields are simply not rendered.
type TemplateData struct {
	Name         string
	Bundle       string
	BeaconURL    string
	DashboardURL string
	CustomDomain string
	GraceDays    int
	TrialDays    int
	Tier         int
}

type templateDef struct {
	subject string
	text    string
	html    string
}

var templates = map[Kind]templateDef{
	KindWelcome: {
		subject: "Your beacon is ready",
		text: `Hi {{.Name}},

Your {{.Bundle}} beacon is up and running.

Beacon:    {{.BeaconURL}}
Dashboard: {{.DashboardURL}}
{{if .CustomDomain}}Custom domain: {{.CustomDomain}} (see the attached guide)
{{end}}
The attached PDF walks you through your first login.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Your <b>{{.Bundle}}</b> beacon is up and running.</p>
<p>Beacon: <a href="{{.BeaconURL}}">{{.BeaconURL}}</a><br>
Dashboard: <a href="{{.DashboardURL}}">{{.DashboardURL}}</a></p>
{{if .CustomDomain}}<p>Custom domain: {{.CustomDomain}} (see the attached guide)</p>{{end}}
<p>The attached PDF walks you through your first login.</p>
<p>— The WOPR team</p>`,
	},
	KindProvisioningStarted: {
		subject: "We're setting up your beacon",
		text: `Hi {{.Name}},

Thanks for your order. We're provisioning your {{.Bundle}} beacon now;
you'll receive another email with your access details in a few minutes.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Thanks for your order. We're provisioning your <b>{{.Bundle}}</b> beacon now;
you'll receive another email with your access details in a few minutes.</p>
<p>— The WOPR team</p>`,
	},
	KindTrialReminder: {
		subject: "Your trial ends soon",
		text: `Hi {{.Name}},

Your trial ends in {{.TrialDays}} days. Keep your beacon at {{.BeaconURL}}
running by making sure a payment method is on file.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Your trial ends in {{.TrialDays}} days. Keep your beacon at
<a href="{{.BeaconURL}}">{{.BeaconURL}}</a> running by making sure a payment
method is on file.</p>
<p>— The WOPR team</p>`,
	},
	KindPaymentFailed: {
		subject: "Payment failed — action needed",
		text: `Hi {{.Name}},

We couldn't process your latest payment.
{{if gt .GraceDays 0}}Your beacon stays online for another {{.GraceDays}} days while you update
your payment method.{{else}}Your beacon has been suspended. Update your payment method to restore it.{{end}}

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>We couldn't process your latest payment.</p>
{{if gt .GraceDays 0}}<p>Your beacon stays online for another <b>{{.GraceDays}} days</b> while you
update your payment method.</p>{{else}}<p>Your beacon has been <b>suspended</b>. Update your payment method to
restore it.</p>{{end}}
<p>— The WOPR team</p>`,
	},
	KindPaymentSuccess: {
		subject: "Payment received",
		text: `Hi {{.Name}},

Thanks — your payment went through and your beacon at {{.BeaconURL}} is in
good standing.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Thanks — your payment went through and your beacon at
<a href="{{.BeaconURL}}">{{.BeaconURL}}</a> is in good standing.</p>
<p>— The WOPR team</p>`,
	},
	KindSubscriptionUpgraded: {
		subject: "Your plan has been upgraded",
		text: `Hi {{.Name}},

Your subscription is now on tier {{.Tier}}. The new resources apply to your
beacon at {{.BeaconURL}}.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Your subscription is now on tier {{.Tier}}. The new resources apply to your
beacon at <a href="{{.BeaconURL}}">{{.BeaconURL}}</a>.</p>
<p>— The WOPR team</p>`,
	},
	KindSubscriptionCancelled: {
		subject: "Your subscription has ended",
		text: `Hi {{.Name}},

Your subscription has been cancelled and your beacon has been shut down.
Your data has been removed from our infrastructure.

We'd love to have you back any time.

— The WOPR team`,
		html: `<p>Hi {{.Name}},</p>
<p>Your subscription has been cancelled and your beacon has been shut down.
Your data has been removed from our infrastructure.</p>
<p>We'd love to have you back any time.</p>
<p>— The WOPR team</p>`,
	},
}

// Render produces the subject, plaintext and HTML bodies for a kind.
func Render(kind Kind, data TemplateData) (subject, text, html string, err error) {
	def, ok := templates[kind]
	if !ok {
		return "", "", "", fmt.Errorf("unknown template kind %q", kind)
	}

	tt, err := texttemplate.New(string(kind)).Parse(def.text)
	if err != nil {
		return "", "", "", fmt.Errorf("parse text template %s: %w", kind, err)
	}
	var tb bytes.Buffer
	if err := tt.Execute(&tb, data); err != nil {
		return "", "", "", fmt.Errorf("render text template %s: %w", kind, err)
	}

	ht, err := htmltemplate.New(string(kind)).Parse(def.html)
	if err != nil {
		return "", "", "", fmt.Errorf("parse html template %s: %w", kind, err)
	}
	var hb bytes.Buffer
	if err := ht.Execute(&hb, data); err != nil {
		return "", "", "", fmt.Errorf("render html template %s: %w", kind, err)
	}

	return def.subject, tb.String(), hb.String(), nil
}
