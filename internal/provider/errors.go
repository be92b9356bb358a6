package provider

import "strings"

// Reason tags why an otherwise idle agent is classified as error.
type Reason string

const (
	ReasonRedirectLoop       Reason = "redirect_loop"
	ReasonCloudflare522      Reason = "cloudflare_522"
	ReasonHTTP500            Reason = "http_500"
	ReasonUnknownProvider    Reason = "unknown_provider"
	ReasonInvalidRequest     Reason = "invalid_request"
	ReasonTimeout            Reason = "timeout"
	ReasonConnectionRefused  Reason = "connection_refused"
	ReasonConnectionTimedOut Reason = "connection_timed_out"

	// ReasonUnreadableOutput is attached to busy when the pane could not be captured.
	ReasonUnreadableOutput Reason = "unreadable_output"
)

// errorRule matches when any of anyOf occurs and all of allOf occur.
// Needles are lowercase; text is lowercased before matching.
type errorRule struct {
	reason Reason
	anyOf  []string
	allOf  []string
}

// Evaluated in order; the first matching rule wins.
var errorRules = []errorRule{
	{reason: ReasonRedirectLoop, anyOf: []string{"stopped after 10 redirects"}},
	{reason: ReasonCloudflare522, anyOf: []string{"error 522", "cloudflare ray id"}},
	{reason: ReasonHTTP500, anyOf: []string{"error: 500 post "}},
	{reason: ReasonUnknownProvider, allOf: []string{"api error: 400", "unknown provider"}},
	{reason: ReasonInvalidRequest, anyOf: []string{"invalid_request_error"}},
	{reason: ReasonTimeout, anyOf: []string{"timed out", "timeout"}},
	{reason: ReasonConnectionRefused, anyOf: []string{"econnrefused", "connection refused"}},
	{reason: ReasonConnectionTimedOut, anyOf: []string{"etimedout"}},
}

func (r errorRule) matches(lowered string) bool {
	for _, n := range r.allOf {
		if !strings.Contains(lowered, n) {
			return false
		}
	}
	if len(r.anyOf) == 0 {
		return len(r.allOf) > 0
	}
	for _, n := range r.anyOf {
		if strings.Contains(lowered, n) {
			return true
		}
	}
	return false
}

// DetectErrorReason scans text for known failure markers.
func DetectErrorReason(text string) (Reason, bool) {
	if text == "" {
		return "", false
	}
	lowered := strings.ToLower(text)
	for _, rule := range errorRules {
		if rule.matches(lowered) {
			return rule.reason, true
		}
	}
	return "", false
}
