package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Template names used by alerting and payroll.
const (
	TemplateLowBalance       = "low-balance-alert"
	TemplateBalanceThreshold = "balance-threshold-alert"
	TemplatePendingPayments  = "pending-payments-alert"
	TemplateSalaryPaid       = "salary-paid"
)

var builtin = map[string]string{
	TemplateLowBalance: `Insufficient balance to cover a salary payment.
Required: {{.required}}
Current balance: {{.currentBalance}}
Shortfall: {{.difference}}`,

	TemplateBalanceThreshold: `The business balance fell below the configured threshold.
Current balance: {{.currentBalance}}
Threshold: {{.threshold}}`,

	TemplatePendingPayments: `{{.count}} salary payment(s) are waiting for funds.`,

	TemplateSalaryPaid: `Hello {{.employeeName}},
your salary of {{.amount}} for {{.periodStart}} to {{.periodEnd}} was paid on {{.paymentDate}}.`,
}

// Renderer holds the parsed message templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the built-in templates plus any overrides.
func NewRenderer(overrides map[string]string) (*Renderer, error) {
	r := &Renderer{templates: map[string]*template.Template{}}
	sources := make(map[string]string, len(builtin)+len(overrides))
	for name, src := range builtin {
		sources[name] = src
	}
	for name, src := range overrides {
		sources[name] = src
	}
	for name, src := range sources {
		t, err := template.New(name).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// MustRenderer is NewRenderer without overrides. The built-in templates
// always parse.
func MustRenderer() *Renderer {
	r, err := NewRenderer(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Render produces the message body of n.
func (r *Renderer) Render(n Notification) (string, error) {
	t, ok := r.templates[n.Template]
	if !ok {
		return "", fmt.Errorf("unknown template %q", n.Template)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, n.Variables); err != nil {
		return "", fmt.Errorf("render template %s: %w", n.Template, err)
	}
	return buf.String(), nil
}
