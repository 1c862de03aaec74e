// Package wechat implements the remote platform transport: the QR login
// negotiation, the authenticated feed endpoints, and typed parsing of the
// loosely-shaped payloads they return.
package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config controls the platform client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client is one transport session against the platform backend. A Client is
// created fresh per login attempt and rehydrated from persisted cookies on
// restart; it is not safe for concurrent mutation of its cookie state.
type Client struct {
	cfg    Config
	base   *url.URL
	jar    *cookiejar.Jar
	hc     *http.Client
	logger *zap.Logger
}

// New constructs a Client with an empty cookie jar.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		jar:    jar,
		hc:     &http.Client{Jar: jar, Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// BaseURL returns the configured platform origin.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

// UserAgent returns the configured browser identity.
func (c *Client) UserAgent() string {
	return c.cfg.UserAgent
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Referer", c.BaseURL()+"/")
	req.Header.Set("Connection", "keep-alive")
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := c.BaseURL() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.BaseURL()+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return body, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// FetchHome loads the login landing page.
func (c *Client) FetchHome(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "/", nil)
	if err != nil {
		return "", err
	}
	body, err := readBody(resp)
	if err != nil {
		return "", fmt.Errorf("fetch home: %w", err)
	}
	return string(body), nil
}

// FetchImage downloads an image URL through the session transport and
// returns the bytes plus the response content type.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

var (
	qrURLPattern  = regexp.MustCompile(`(https?://[^"'\s]+/cgi-bin/loginqrcode\?action=getqrcode&(?:amp;)?param=\d+)`)
	qrUUIDPattern = regexp.MustCompile(`["']uuid["']\s*[:=]\s*["']([^"']+)["']`)
)

// ChallengeRef identifies one QR login challenge: the correlation id and the
// URL of the challenge image.
type ChallengeRef struct {
	UUID  string
	QRURL string
}

// ExtractChallenge pulls the QR challenge reference out of the landing page
// markup. ok is false when the primary pattern does not match and the
// fallback negotiation path should be used.
func ExtractChallenge(html string) (ChallengeRef, bool) {
	urlMatch := qrURLPattern.FindStringSubmatch(html)
	uuidMatch := qrUUIDPattern.FindStringSubmatch(html)
	if urlMatch == nil || uuidMatch == nil {
		return ChallengeRef{}, false
	}
	return ChallengeRef{UUID: uuidMatch[1], QRURL: urlMatch[1]}, true
}

// StartLogin runs the fallback challenge negotiation: an explicit
// startlogin request that seeds a challenge uuid when the landing page no
// longer embeds one.
func (c *Client) StartLogin(ctx context.Context, fingerprint string) (string, error) {
	cookieToken := c.CookieValue("token")
	form := url.Values{
		"fingerprint": {fingerprint},
		"token":       {cookieToken},
		"lang":        {"zh_CN"},
		"f":           {"json"},
		"ajax":        {"1"},
		"redirect_url": {
			"/cgi-bin/settingpage?t=setting/index&action=index&token=" + cookieToken + "&lang=zh_CN",
		},
		"login_type": {"3"},
	}
	resp, err := c.postForm(ctx, "/cgi-bin/bizlogin?action=startlogin", form)
	if err != nil {
		return "", err
	}
	responseCookies := resp.Cookies()
	body, err := readBody(resp)
	if err != nil {
		return "", fmt.Errorf("startlogin: %w", err)
	}

	var payload loginPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.BaseResp.Ret != 0 {
			c.logger.Warn("startlogin rejected",
				zap.Int("ret", payload.BaseResp.Ret),
				zap.String("err_msg", payload.BaseResp.ErrMsg))
			return "", fmt.Errorf("startlogin rejected (ret=%d)", payload.BaseResp.Ret)
		}
	}

	for _, cookie := range responseCookies {
		if cookie.Name == "uuid" && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	if uuid := c.CookieValue("uuid"); uuid != "" {
		return uuid, nil
	}
	if payload.UUID != "" {
		return payload.UUID, nil
	}
	return "", fmt.Errorf("startlogin returned no challenge uuid")
}

// FallbackQRURL builds the challenge image URL for a uuid negotiated via
// StartLogin.
func (c *Client) FallbackQRURL(uuid string) string {
	return fmt.Sprintf("%s/cgi-bin/scanloginqrcode?action=getqrcode&uuid=%s&random=%d",
		c.BaseURL(), url.QueryEscape(uuid), time.Now().UnixMilli())
}

// Scan status codes returned by the ask endpoint.
const (
	ScanConfirmed    = 1
	ScanSeen         = 2
	ScanConfirmedAlt = 3
	ScanSeenAlt      = 4
	ScanExpired      = 5
	ScanInvalidated  = 6
)

// AskScanStatus queries the challenge-status endpoint.
func (c *Client) AskScanStatus(ctx context.Context, fingerprint string) (int, error) {
	query := url.Values{
		"action":      {"ask"},
		"fingerprint": {fingerprint},
		"lang":        {"zh_CN"},
		"f":           {"json"},
		"ajax":        {"1"},
	}
	resp, err := c.get(ctx, "/cgi-bin/scanloginqrcode", query)
	if err != nil {
		return 0, err
	}
	body, err := readBody(resp)
	if err != nil {
		return 0, fmt.Errorf("ask scan status: %w", err)
	}
	var payload scanStatusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("parse scan status: %w", err)
	}
	return payload.Status, nil
}

// LoginResult exposes every surface of the login confirmation response a
// token may hide in.
type LoginResult struct {
	FinalURL            string
	Body                string
	ResponseCookieToken string

	payload     loginPayload
	basePayload baseRespPayload
}

// PayloadToken extracts a token from the structured payload fields.
func (r *LoginResult) PayloadToken() string {
	return tokenFromLoginPayload(r.payload, r.basePayload)
}

// Login confirms a scanned challenge.
func (c *Client) Login(ctx context.Context, fingerprint string) (*LoginResult, error) {
	form := url.Values{
		"userlang":         {"zh_CN"},
		"redirect_url":     {""},
		"cookie_forbidden": {"0"},
		"cookie_cleaned":   {"0"},
		"plugin_used":      {"0"},
		"login_type":       {"3"},
		"fingerprint":      {fingerprint},
		"token":            {""},
		"lang":             {"zh_CN"},
		"f":                {"json"},
		"ajax":             {"1"},
	}
	resp, err := c.postForm(ctx, "/cgi-bin/bizlogin?action=login", form)
	if err != nil {
		return nil, err
	}
	finalURL := resp.Request.URL.String()
	var cookieToken string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "token" {
			cookieToken = cookie.Value
		}
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	result := &LoginResult{
		FinalURL:            finalURL,
		Body:                string(body),
		ResponseCookieToken: cookieToken,
	}
	// Both payload shapes are best-effort: a non-JSON body still counts.
	_ = json.Unmarshal(body, &result.payload)
	_ = json.Unmarshal(body, &result.basePayload)
	return result, nil
}

// ResolveTokenFromLoginPage performs the secondary token-resolution request:
// a loginpage fetch whose redirects usually carry token= in a Location. Best
// effort; empty string means no token surfaced.
func (c *Client) ResolveTokenFromLoginPage(ctx context.Context) string {
	var locations []string
	probe := &http.Client{
		Jar:     c.jar,
		Timeout: c.cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			locations = append(locations, req.URL.String())
			return nil
		},
	}
	target := c.BaseURL() + "/cgi-bin/loginpage?" + url.Values{"url": {"/cgi-bin/home"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ""
	}
	c.setHeaders(req)
	resp, err := probe.Do(req)
	if err != nil {
		c.logger.Warn("loginpage token resolution failed", zap.Error(err))
		return ""
	}
	finalURL := resp.Request.URL.String()
	body, err := readBody(resp)
	if err != nil {
		return ""
	}

	if token := ExtractToken(finalURL); token != "" {
		return token
	}
	if token := ExtractToken(string(body)); token != "" {
		return token
	}
	for _, location := range locations {
		if token := ExtractToken(location); token != "" {
			return token
		}
	}
	return ""
}

func (c *Client) fetchAcctList(ctx context.Context, fingerprint, token string) (*acctListPayload, error) {
	query := url.Values{
		"action":      {"get_acct_list"},
		"fingerprint": {fingerprint},
		"token":       {token},
		"lang":        {"zh_CN"},
		"f":           {"json"},
		"ajax":        {"1"},
	}
	target := c.BaseURL() + "/cgi-bin/switchacct?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer",
		fmt.Sprintf("%s/cgi-bin/home?t=home/index&lang=zh_CN&token=%s", c.BaseURL(), token))
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("switchacct: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("switchacct: %w", err)
	}
	var payload acctListPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse switchacct: %w", err)
	}
	return &payload, nil
}

// ValidateToken probes whether a token is accepted by the backend.
func (c *Client) ValidateToken(ctx context.Context, fingerprint, token string) bool {
	if token == "" {
		return false
	}
	payload, err := c.fetchAcctList(ctx, fingerprint, token)
	if err != nil {
		return false
	}
	return payload.BaseResp.Ret == 0
}

// AccountInfo resolves the display name and avatar of the logged-in account.
func (c *Client) AccountInfo(ctx context.Context, fingerprint, token string) (name, avatar string) {
	payload, err := c.fetchAcctList(ctx, fingerprint, token)
	if err != nil || payload.BaseResp.Ret != 0 || len(payload.BizList.List) == 0 {
		return "", ""
	}
	first := payload.BizList.List[0]
	name = first.Nickname
	if name == "" {
		name = first.Username
	}
	return name, first.HeadImgURL
}

// SearchAccounts queries the remote publisher directory.
func (c *Client) SearchAccounts(ctx context.Context, token, keyword string, offset, limit int) (int, []AccountHit, error) {
	query := url.Values{
		"action": {"search_biz"},
		"begin":  {strconv.Itoa(offset)},
		"count":  {strconv.Itoa(limit)},
		"query":  {keyword},
		"token":  {token},
		"lang":   {"zh_CN"},
		"f":      {"json"},
		"ajax":   {"1"},
	}
	resp, err := c.get(ctx, "/cgi-bin/searchbiz", query)
	if err != nil {
		return 0, nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return 0, nil, fmt.Errorf("search accounts: %w", err)
	}
	var payload searchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, nil, fmt.Errorf("parse search: %w", err)
	}
	if err := checkBaseResp(payload.BaseResp, "search accounts"); err != nil {
		return 0, nil, err
	}

	hits := make([]AccountHit, 0, len(payload.List))
	for _, item := range payload.List {
		nickname := item.Nickname
		if nickname == "" {
			nickname = item.NickName
		}
		avatar := item.RoundHeadImg
		if avatar == "" {
			avatar = item.HeadImg
		}
		hits = append(hits, AccountHit{
			FakeID:   string(item.FakeID),
			Nickname: nickname,
			Alias:    item.Alias,
			Avatar:   avatar,
			Intro:    item.Signature,
			Biz:      item.Biz,
		})
	}
	total := payload.Total
	if total == 0 {
		total = len(hits)
	}
	return total, hits, nil
}

// FetchPublishPage loads one page of the primary publish feed.
func (c *Client) FetchPublishPage(ctx context.Context, token, fakeid string, begin, count int) ([]FeedItem, error) {
	query := url.Values{
		"sub":        {"list"},
		"sub_action": {"list_ex"},
		"begin":      {strconv.Itoa(begin)},
		"count":      {strconv.Itoa(count)},
		"fakeid":     {fakeid},
		"token":      {token},
		"lang":       {"zh_CN"},
		"f":          {"json"},
		"ajax":       {"1"},
	}
	resp, err := c.get(ctx, "/cgi-bin/appmsgpublish", query)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch publish page: %w", err)
	}
	return parsePublishFeed(body)
}

// FetchAppMsgPage loads one page of the legacy appmsg feed, used as a
// fallback when the publish feed yields nothing for a page.
func (c *Client) FetchAppMsgPage(ctx context.Context, token, fakeid string, begin, count int) ([]FeedItem, error) {
	query := url.Values{
		"action": {"list_ex"},
		"begin":  {strconv.Itoa(begin)},
		"count":  {strconv.Itoa(count)},
		"fakeid": {fakeid},
		"type":   {"9"},
		"token":  {token},
		"lang":   {"zh_CN"},
		"f":      {"json"},
		"ajax":   {"1"},
	}
	resp, err := c.get(ctx, "/cgi-bin/appmsg", query)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch appmsg page: %w", err)
	}
	return parseAppMsgFeed(body)
}

// RestoreCookies seeds the jar from persisted cookies.
func (c *Client) RestoreCookies(cookies []SessionCookie) {
	if len(cookies) == 0 {
		return
	}
	httpCookies := make([]*http.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		httpCookies = append(httpCookies, cookie.HTTPCookie())
	}
	c.jar.SetCookies(c.base, httpCookies)
}

// Cookies snapshots the jar for persistence.
func (c *Client) Cookies() []SessionCookie {
	raw := c.jar.Cookies(c.base)
	cookies := make([]SessionCookie, 0, len(raw))
	for _, cookie := range raw {
		cookies = append(cookies, fromHTTPCookie(cookie))
	}
	return cookies
}

// HTTPCookies returns the jar contents as net/http cookies for handing to
// the render fallback and the article fetcher.
func (c *Client) HTTPCookies() []*http.Cookie {
	return c.jar.Cookies(c.base)
}

// CookieValue returns the named cookie's value, or empty.
func (c *Client) CookieValue(name string) string {
	for _, cookie := range c.jar.Cookies(c.base) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}
