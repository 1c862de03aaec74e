package wechat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SessionCookie is the serialized form of one transport cookie, persisted on
// the auth session row so a restart can rehydrate the login.
type SessionCookie struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Domain  string `json:"domain,omitempty"`
	Path    string `json:"path,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	Secure  bool   `json:"secure,omitempty"`
}

// HTTPCookie converts back into a net/http cookie.
func (c SessionCookie) HTTPCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: c.Domain,
		Path:   c.Path,
		Secure: c.Secure,
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if c.Expires > 0 {
		cookie.Expires = time.Unix(c.Expires, 0)
	}
	return cookie
}

func fromHTTPCookie(cookie *http.Cookie) SessionCookie {
	sc := SessionCookie{
		Name:   cookie.Name,
		Value:  cookie.Value,
		Domain: cookie.Domain,
		Path:   cookie.Path,
		Secure: cookie.Secure,
	}
	if !cookie.Expires.IsZero() {
		sc.Expires = cookie.Expires.Unix()
	}
	return sc
}

// EncodeCookies serializes cookies for persistence.
func EncodeCookies(cookies []SessionCookie) (string, error) {
	data, err := json.Marshal(cookies)
	if err != nil {
		return "", fmt.Errorf("encode cookies: %w", err)
	}
	return string(data), nil
}

// DecodeCookies restores cookies from their persisted form. Malformed input
// yields an empty set rather than an error: a stale row must not block a
// fresh login.
func DecodeCookies(encoded string) []SessionCookie {
	if encoded == "" {
		return nil
	}
	var cookies []SessionCookie
	if err := json.Unmarshal([]byte(encoded), &cookies); err != nil {
		return nil
	}
	return cookies
}
