package frontdesk

import (
	"strings"

	"frontdesk/internal/config"
)

// IntentKind enumerates what a guest message asks for.
type IntentKind int

const (
	IntentFreeform IntentKind = iota
	IntentFirstContact
	IntentDirective
	IntentAffirmative
	IntentNegative
	IntentQuickCommand
)

func (k IntentKind) String() string {
	switch k {
	case IntentFirstContact:
		return "first_contact"
	case IntentDirective:
		return "directive"
	case IntentAffirmative:
		return "affirmative"
	case IntentNegative:
		return "negative"
	case IntentQuickCommand:
		return "quick_command"
	default:
		return "freeform"
	}
}

// Intent is the classification of one message. Topic is set only for quick commands.
type Intent struct {
	Kind  IntentKind
	Topic string
}

func (i Intent) String() string {
	if i.Kind == IntentQuickCommand {
		return i.Kind.String() + "(" + i.Topic + ")"
	}
	return i.Kind.String()
}

// Rule is one step of the ordered classification. Match receives normalized text.
type Rule struct {
	Name  string
	Match func(text string) (Intent, bool)
}

// Classifier evaluates its rules in order and falls back to freeform.
//
// Directive keywords match by substring containment as well as exactly, so
// "can I see the menu please" is a directive and so is "my room is cold".
// The loose match trades precision for recall: a guest asking about a
// service should always get the booking numbers.
type Classifier struct {
	rules []Rule
}

func NewClassifier(cfg config.ClassifierConfig) *Classifier {
	quick := make(map[string]string, len(cfg.QuickCommands))
	for alias, topic := range cfg.QuickCommands {
		quick[Normalize(alias)] = topic
	}
	directives := normalizeAll(cfg.DirectiveKeywords)
	affirmExact := toSet(normalizeAll(cfg.AffirmativeExact))
	affirmContains := normalizeAll(cfg.AffirmativeContains)
	negative := toSet(normalizeAll(cfg.NegativeExact))

	return &Classifier{rules: []Rule{
		{Name: "quick_command", Match: func(text string) (Intent, bool) {
			topic, ok := quick[text]
			return Intent{Kind: IntentQuickCommand, Topic: topic}, ok
		}},
		{Name: "directive", Match: func(text string) (Intent, bool) {
			return Intent{Kind: IntentDirective}, containsAny(text, directives)
		}},
		{Name: "affirmative", Match: func(text string) (Intent, bool) {
			_, exact := affirmExact[text]
			return Intent{Kind: IntentAffirmative}, exact || containsAny(text, affirmContains)
		}},
		{Name: "negative", Match: func(text string) (Intent, bool) {
			_, ok := negative[text]
			return Intent{Kind: IntentNegative}, ok
		}},
	}}
}

// Classify maps raw text to exactly one intent. firstContact wins over every rule.
func (c *Classifier) Classify(text string, firstContact bool) Intent {
	if firstContact {
		return Intent{Kind: IntentFirstContact}
	}
	normalized := Normalize(text)
	for _, r := range c.rules {
		if intent, ok := r.Match(normalized); ok {
			return intent
		}
	}
	return Intent{Kind: IntentFreeform}
}

// Rules returns the rule names in evaluation order.
func (c *Classifier) Rules() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name
	}
	return names
}

// Normalize lowercases s, trims it and collapses inner whitespace.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	return set
}

// containsAny covers exact matches too, since a string contains itself.
func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
