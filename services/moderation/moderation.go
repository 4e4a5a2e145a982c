package moderation

import (
	"regexp"

	"go.uber.org/fx"
)

var Module = fx.Module("moderation.service",
	fx.Provide(NewFilter),
)

// Verdict is the result of classifying one piece of message text.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type rule struct {
	name    string
	pattern *regexp.Regexp
	reason  string
}

// Filter classifies message text against an ordered list of contact-leak
// patterns. It holds only compiled state and is safe for concurrent use.
type Filter struct {
	rules []rule
}

// NewFilter compiles the default rule set. Rule order is part of the
// contract: the first match decides the reason shown to the sender.
func NewFilter() *Filter {
	return &Filter{
		rules: []rule{
			{
				name: "phone_number",
				// nine or more digits, separators allowed between them
				pattern: regexp.MustCompile(`\d(?:[\s\-().]?\d){8,}`),
				reason:  "Sharing phone numbers is not allowed. Please keep the conversation on the platform.",
			},
			{
				name:    "email_address",
				pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
				reason:  "Sharing email addresses is not allowed. Please keep the conversation on the platform.",
			},
			{
				name:    "messenger_link",
				pattern: regexp.MustCompile(`(?i)\b(?:https?://)?(?:t\.me|wa\.me|telegram\.me|wa\.link|discord\.gg)/\S+`),
				reason:  "Links to external messengers are not allowed.",
			},
			{
				name:    "messenger_keyword",
				pattern: regexp.MustCompile(`(?i)\b(?:telegram|whatsapp|viber)\b`),
				reason:  "Moving the conversation to an external messenger is not allowed.",
			},
			{
				name:    "handle_mention",
				pattern: regexp.MustCompile(`(?:^|\s)@[A-Za-z0-9_]{3,}`),
				reason:  "Sharing messenger handles is not allowed.",
			},
		},
	}
}

// Moderate runs the ordered rules over text. It has no side effects and must
// be called before any storage write so blocked content never becomes
// durable.
func (f *Filter) Moderate(text string) Verdict {
	for _, r := range f.rules {
		if r.pattern.MatchString(text) {
			return Verdict{Allowed: false, Rule: r.name, Reason: r.reason}
		}
	}
	return Verdict{Allowed: true}
}
