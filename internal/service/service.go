// Package service defines the static descriptors for the AI chat services a
// window can host. Descriptors are read once at window-open time and are
// immutable afterwards.
package service

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// DeliveryMode selects how a prompt reaches a service.
type DeliveryMode string

const (
	// DeliveryURLParameter delivers prompts by navigating to a URL that
	// carries the prompt in a query parameter.
	DeliveryURLParameter DeliveryMode = "url_parameter"

	// DeliveryScriptInjection delivers prompts by locating the page's input
	// element and driving it with an injected script.
	DeliveryScriptInjection DeliveryMode = "script_injection"

	// DeliveryLocal delivers prompts to a local streaming-completion backend
	// instead of a web page.
	DeliveryLocal DeliveryMode = "local"
)

// Descriptor describes one configured chat service.
type Descriptor struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Home is the default page loaded when a window opens.
	Home string `yaml:"home"`

	Mode    DeliveryMode `yaml:"mode"`
	Enabled bool         `yaml:"enabled"`
	Order   int          `yaml:"order"`

	// PromptParam is the query parameter the prompt is encoded into for
	// url_parameter delivery and for new-chat navigation in general.
	PromptParam string `yaml:"prompt_param"`

	// ExtraParams are fixed query parameters appended to every prompt
	// navigation (locale, safe-search and the like).
	ExtraParams map[string]string `yaml:"extra_params"`

	// InputSelectors and SubmitSelectors are prioritized CSS selector lists
	// for script_injection delivery.
	InputSelectors  []string `yaml:"input_selectors"`
	SubmitSelectors []string `yaml:"submit_selectors"`

	// SettleDelayMs is how long to wait after placing a prompt before the
	// injection script runs. Services with heavier client-side
	// initialization need a longer settle.
	SettleDelayMs int `yaml:"settle_delay_ms"`

	// Flaky marks a service that needs timeout supervision and an isolated
	// resource pool so its crashes cannot starve sibling sessions.
	Flaky bool `yaml:"flaky"`
}

// SettleDelay returns the script-injection settle delay.
func (d Descriptor) SettleDelay() time.Duration {
	if d.SettleDelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(d.SettleDelayMs) * time.Millisecond
}

// Validate checks mode-specific required fields.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("service descriptor missing id")
	}
	switch d.Mode {
	case DeliveryURLParameter:
		if d.Home == "" {
			return fmt.Errorf("service %s: url_parameter delivery requires home", d.ID)
		}
		if d.PromptParam == "" {
			return fmt.Errorf("service %s: url_parameter delivery requires prompt_param", d.ID)
		}
	case DeliveryScriptInjection:
		if d.Home == "" {
			return fmt.Errorf("service %s: script_injection delivery requires home", d.ID)
		}
		if len(d.InputSelectors) == 0 {
			return fmt.Errorf("service %s: script_injection delivery requires input_selectors", d.ID)
		}
	case DeliveryLocal:
		// No web surface to validate.
	default:
		return fmt.Errorf("service %s: unknown delivery mode %q", d.ID, d.Mode)
	}
	return nil
}

// PromptURL builds the navigation URL that carries the prompt in the
// service's query parameter plus any fixed extra parameters.
func (d Descriptor) PromptURL(prompt string) (string, error) {
	u, err := url.Parse(d.Home)
	if err != nil {
		return "", fmt.Errorf("service %s: parse home url: %w", d.ID, err)
	}
	q := u.Query()
	q.Set(d.PromptParam, prompt)
	for k, v := range d.ExtraParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HasPromptMarker reports whether rawURL already carries this service's
// prompt parameter. The load queue consults this before issuing a
// default-page load: an in-flight prompt navigation takes precedence.
func (d Descriptor) HasPromptMarker(rawURL string) bool {
	if d.PromptParam == "" || rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Query().Has(d.PromptParam)
}

// Sorted returns the enabled descriptors in display order. Sorting is stable
// with ID as the tiebreaker so configured order is deterministic.
func Sorted(list []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(list))
	for _, d := range list {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Defaults returns the built-in service set. One service is marked flaky to
// match the reference deployment where a single provider needed timeout
// supervision and pool isolation.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			ID:          "chatgpt",
			Name:        "ChatGPT",
			Home:        "https://chatgpt.com/",
			Mode:        DeliveryURLParameter,
			Enabled:     true,
			Order:       1,
			PromptParam: "q",
			ExtraParams: map[string]string{"hints": "search"},
		},
		{
			ID:          "perplexity",
			Name:        "Perplexity",
			Home:        "https://www.perplexity.ai/search",
			Mode:        DeliveryURLParameter,
			Enabled:     true,
			Order:       2,
			PromptParam: "q",
		},
		{
			ID:          "google",
			Name:        "Google AI Mode",
			Home:        "https://www.google.com/search",
			Mode:        DeliveryURLParameter,
			Enabled:     true,
			Order:       3,
			PromptParam: "q",
			ExtraParams: map[string]string{"udm": "50", "safe": "active"},
			Flaky:       true,
		},
		{
			ID:          "claude",
			Name:        "Claude",
			Home:        "https://claude.ai/new",
			Mode:        DeliveryScriptInjection,
			Enabled:     true,
			Order:       4,
			PromptParam: "q",
			InputSelectors: []string{
				`div[contenteditable="true"].ProseMirror`,
				`div[contenteditable="true"]`,
				`textarea`,
			},
			SubmitSelectors: []string{
				`button[aria-label="Send message"]`,
				`button[type="submit"]`,
			},
			SettleDelayMs: 1500,
		},
	}
}
