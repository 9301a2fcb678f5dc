// Package catalog loads the static texts and media bundles the front desk
// sends to guests.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"frontdesk/internal/config"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// ErrUnknownTopic is returned by Topic for a topic the catalog does not define.
var ErrUnknownTopic = errors.New("unknown catalog topic")

// Item is one element of a bundle: a text block, a media attachment with an
// optional caption, or both.
type Item struct {
	Text    string `yaml:"text,omitempty"`
	Media   string `yaml:"media,omitempty"`
	Caption string `yaml:"caption,omitempty"`
}

// Bundle is an ordered sequence of items.
type Bundle []Item

// Texts are the fixed replies used by the dispatcher.
type Texts struct {
	Greeting        string `yaml:"greeting"`
	Services        string `yaml:"services"`
	Pricing         string `yaml:"pricing"`
	Instructions    string `yaml:"instructions"`
	ReferralPrompt  string `yaml:"referral_prompt"`
	BookingNumbers  string `yaml:"booking_numbers"`
	EscalationOffer string `yaml:"escalation_offer"`
	Confirmation    string `yaml:"confirmation"`
	Reassurance     string `yaml:"reassurance"`
	Forwarded       string `yaml:"forwarded"`
	NotAvailable    string `yaml:"not_available"`
}

// Catalog is immutable after Load.
type Catalog struct {
	Texts           Texts             `yaml:"texts"`
	OnboardingMedia Bundle            `yaml:"onboarding_media"`
	Topics          map[string]Bundle `yaml:"topics"`
}

type templateData struct {
	Hotel          config.HotelConfig
	BookingNumbers []string
}

// Load reads a YAML catalog from path and renders its texts for hotel.
func Load(path string, hotel config.HotelConfig) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data, hotel)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog rendered for hotel.
func Default(hotel config.HotelConfig) (*Catalog, error) {
	return Parse(defaultCatalog, hotel)
}

// DefaultYAML returns the built-in catalog source, used by `frontdesk init`.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultCatalog))
	copy(out, defaultCatalog)
	return out
}

// Parse decodes YAML and renders every text and caption as a template.
func Parse(data []byte, hotel config.HotelConfig) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := c.render(templateData{Hotel: hotel, BookingNumbers: hotel.BookingNumbers}); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) render(data templateData) error {
	texts := []struct {
		name string
		ptr  *string
	}{
		{"greeting", &c.Texts.Greeting},
		{"services", &c.Texts.Services},
		{"pricing", &c.Texts.Pricing},
		{"instructions", &c.Texts.Instructions},
		{"referral_prompt", &c.Texts.ReferralPrompt},
		{"booking_numbers", &c.Texts.BookingNumbers},
		{"escalation_offer", &c.Texts.EscalationOffer},
		{"confirmation", &c.Texts.Confirmation},
		{"reassurance", &c.Texts.Reassurance},
		{"forwarded", &c.Texts.Forwarded},
		{"not_available", &c.Texts.NotAvailable},
	}
	for _, t := range texts {
		out, err := renderText(t.name, *t.ptr, data)
		if err != nil {
			return err
		}
		*t.ptr = out
	}

	renderBundle := func(name string, b Bundle) error {
		for i := range b {
			var err error
			if b[i].Text, err = renderText(fmt.Sprintf("%s[%d].text", name, i), b[i].Text, data); err != nil {
				return err
			}
			if b[i].Caption, err = renderText(fmt.Sprintf("%s[%d].caption", name, i), b[i].Caption, data); err != nil {
				return err
			}
		}
		return nil
	}
	if err := renderBundle("onboarding_media", c.OnboardingMedia); err != nil {
		return err
	}
	for topic, b := range c.Topics {
		if err := renderBundle("topics."+topic, b); err != nil {
			return err
		}
	}
	return nil
}

func renderText(name, src string, data templateData) (string, error) {
	if !strings.Contains(src, "{{") {
		return strings.TrimSpace(src), nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *Catalog) validate() error {
	required := map[string]string{
		"greeting":        c.Texts.Greeting,
		"referral_prompt": c.Texts.ReferralPrompt,
		"booking_numbers": c.Texts.BookingNumbers,
		"confirmation":    c.Texts.Confirmation,
		"reassurance":     c.Texts.Reassurance,
		"forwarded":       c.Texts.Forwarded,
		"not_available":   c.Texts.NotAvailable,
	}
	var missing []string
	for name, v := range required {
		if v == "" {
			missing = append(missing, name)
		}
	}
	for topic, b := range c.Topics {
		for i, item := range b {
			if item.Text == "" && item.Media == "" {
				missing = append(missing, fmt.Sprintf("topics.%s[%d] (text or media)", topic, i))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing catalog entries: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Topic returns the bundle for a quick-command topic.
func (c *Catalog) Topic(name string) (Bundle, error) {
	b, ok := c.Topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return b, nil
}

// TopicNames returns the defined topics in sorted order.
func (c *Catalog) TopicNames() []string {
	names := make([]string, 0, len(c.Topics))
	for name := range c.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
