package wechat

import (
	"regexp"
	"strings"
)

// Token extraction patterns, tried in order against any text surface.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`token=([0-9A-Za-z_-]{5,})`),
	regexp.MustCompile(`"token"\s*:\s*"([0-9A-Za-z_-]{5,})"`),
	regexp.MustCompile(`token\s*[:=]\s*'?([0-9A-Za-z_-]{5,})'?`),
}

// ExtractToken pulls the first plausible session token out of text. Empty
// string means no match.
func ExtractToken(text string) string {
	if text == "" {
		return ""
	}
	for _, pattern := range tokenPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// tokenFromLoginPayload scans the structured payload fields that may carry a
// token or a redirect containing one.
func tokenFromLoginPayload(payload loginPayload, base baseRespPayload) string {
	surfaces := []string{
		payload.RedirectURL,
		payload.RedirectURLAlt,
		string(payload.Token),
		base.BaseResp.RedirectURL,
		string(base.BaseResp.Token),
	}
	for _, surface := range surfaces {
		if surface == "" {
			continue
		}
		if token := ExtractToken(surface); token != "" {
			return token
		}
		// A bare token field carries the value without any "token=" prefix.
		if surface == string(payload.Token) || surface == string(base.BaseResp.Token) {
			if trimmed := strings.TrimSpace(surface); len(trimmed) >= 5 {
				return trimmed
			}
		}
	}
	return ""
}

// DedupeKeepOrder removes empty and repeated candidates while preserving
// first-seen order.
func DedupeKeepOrder(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	result := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		token := strings.TrimSpace(candidate)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		result = append(result, token)
	}
	return result
}
