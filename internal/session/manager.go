// Package session owns the remote login lifecycle: QR challenge issuance,
// scan polling, token harvesting, and the authenticated transport handed to
// the crawl engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/wechat"
)

// Manager is the single authority over the login session. All remote calls
// that require authentication go through it so cookie and token state stays
// consistent.
type Manager struct {
	cfg    config.WeChatConfig
	store  core.AuthStore
	clock  core.Clock
	logger *zap.Logger

	mu     sync.Mutex
	client *wechat.Client
}

// NewManager builds a session manager. The transport client is created
// lazily from persisted cookies on first use.
func NewManager(cfg config.WeChatConfig, store core.AuthStore, clock core.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		logger: logger.Named("session"),
	}
}

func (m *Manager) clientConfig() wechat.Config {
	return wechat.Config{
		BaseURL:   m.cfg.BaseURL,
		UserAgent: m.cfg.UserAgent,
		Timeout:   m.cfg.RequestTimeout(),
	}
}

// resetClientLocked discards any existing transport state and starts from an
// empty cookie jar. Callers must hold mu.
func (m *Manager) resetClientLocked() error {
	client, err := wechat.New(m.clientConfig(), m.logger)
	if err != nil {
		return err
	}
	m.client = client
	return nil
}

// ensureClientLocked builds the transport client if absent, rehydrating the
// jar from the persisted session. Callers must hold mu.
func (m *Manager) ensureClientLocked(session core.AuthSession) error {
	if m.client != nil {
		return nil
	}
	if err := m.resetClientLocked(); err != nil {
		return err
	}
	m.client.RestoreCookies(wechat.DecodeCookies(session.CookieJSON))
	return nil
}

func (m *Manager) saveSession(ctx context.Context, session core.AuthSession) (core.AuthSession, error) {
	now := m.clock.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if err := m.store.SaveAuthSession(ctx, session); err != nil {
		return session, fmt.Errorf("save auth session: %w", err)
	}
	return session, nil
}

func newFingerprint() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Challenge describes an issued QR login challenge.
type Challenge struct {
	UUID   string `json:"uuid"`
	QRPath string `json:"qr_path"`
}

// RequestLoginChallenge starts a fresh login attempt: it fetches a QR
// challenge, writes the image to the configured path, and persists the
// session as waiting_scan. Any prior login state is discarded.
func (m *Manager) RequestLoginChallenge(ctx context.Context) (Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.resetClientLocked(); err != nil {
		return Challenge{}, err
	}

	fingerprint := newFingerprint()

	html, err := m.client.FetchHome(ctx)
	if err != nil {
		m.recordChallengeFailureLocked(ctx, fmt.Sprintf("fetch login page: %v", err))
		return Challenge{}, fmt.Errorf("fetch login page: %w", err)
	}

	var loginUUID, qrURL string
	if ref, ok := wechat.ExtractChallenge(html); ok {
		loginUUID = ref.UUID
		qrURL = strings.ReplaceAll(ref.QRURL, "&amp;", "&")
	} else {
		// The landing page no longer embeds a challenge; negotiate one.
		m.logger.Info("landing page carries no challenge, using startlogin fallback")
		loginUUID, err = m.client.StartLogin(ctx, fingerprint)
		if err != nil {
			m.recordChallengeFailureLocked(ctx, fmt.Sprintf("negotiate login challenge: %v", err))
			return Challenge{}, fmt.Errorf("negotiate login challenge: %w", err)
		}
		qrURL = m.client.FallbackQRURL(loginUUID)
	}

	img, _, err := m.client.FetchImage(ctx, qrURL)
	if err != nil {
		m.recordChallengeFailureLocked(ctx, fmt.Sprintf("fetch challenge image: %v", err))
		return Challenge{}, fmt.Errorf("fetch challenge image: %w", err)
	}
	if err := m.writeQRFile(img); err != nil {
		m.recordChallengeFailureLocked(ctx, err.Error())
		return Challenge{}, err
	}

	cookieJSON, err := wechat.EncodeCookies(m.client.Cookies())
	if err != nil {
		m.recordChallengeFailureLocked(ctx, fmt.Sprintf("encode cookies: %v", err))
		return Challenge{}, err
	}

	prior, err := m.store.GetAuthSession(ctx)
	if err != nil {
		return Challenge{}, fmt.Errorf("load auth session: %w", err)
	}
	session := core.AuthSession{
		Status:      core.AuthWaitingScan,
		LoginUUID:   loginUUID,
		Fingerprint: fingerprint,
		CookieJSON:  cookieJSON,
		CreatedAt:   prior.CreatedAt,
	}
	if _, err := m.saveSession(ctx, session); err != nil {
		return Challenge{}, err
	}

	m.logger.Info("login challenge issued", zap.String("uuid", loginUUID))
	return Challenge{UUID: loginUUID, QRPath: m.cfg.QRFile}, nil
}

func (m *Manager) writeQRFile(img []byte) error {
	dir := filepath.Dir(m.cfg.QRFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create qr dir: %w", err)
	}
	if err := os.WriteFile(m.cfg.QRFile, img, 0o644); err != nil {
		return fmt.Errorf("write qr file: %w", err)
	}
	return nil
}

// recordChallengeFailureLocked persists a failed login attempt so status
// reads reflect it instead of a stale state. Callers must hold mu.
func (m *Manager) recordChallengeFailureLocked(ctx context.Context, reason string) {
	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		m.logger.Warn("load auth session for failure bookkeeping", zap.Error(err))
		return
	}
	session.Status = core.AuthFailed
	session.LastError = reason
	if _, err := m.saveSession(ctx, session); err != nil {
		m.logger.Warn("persist login failure", zap.Error(err))
	}
}

func (m *Manager) removeQRFile() {
	if err := os.Remove(m.cfg.QRFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove qr file", zap.Error(err))
	}
}

// PollLoginStatus advances the login state machine one step and returns the
// resulting session. A confirmed scan triggers finalization; an already
// logged-in session is revalidated and demoted to error when the backend
// rejects its token.
func (m *Manager) PollLoginStatus(ctx context.Context) (core.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		return core.AuthSession{}, fmt.Errorf("load auth session: %w", err)
	}

	switch session.Status {
	case core.AuthLoggedIn:
		if err := m.ensureClientLocked(session); err != nil {
			return session, err
		}
		if m.client.ValidateToken(ctx, session.Fingerprint, session.Token) {
			return session, nil
		}
		m.logger.Warn("persisted login no longer valid, demoting")
		session.Status = core.AuthFailed
		session.LastError = "login session no longer accepted by the platform"
		return m.saveSession(ctx, session)

	case core.AuthWaitingScan, core.AuthScanned:
		if err := m.ensureClientLocked(session); err != nil {
			return session, err
		}
		code, err := m.client.AskScanStatus(ctx, session.Fingerprint)
		if err != nil {
			session.Status = core.AuthFailed
			session.LastError = fmt.Sprintf("poll scan status: %v", err)
			if saved, saveErr := m.saveSession(ctx, session); saveErr == nil {
				session = saved
			}
			return session, fmt.Errorf("poll scan status: %w", err)
		}
		switch code {
		case wechat.ScanConfirmed, wechat.ScanConfirmedAlt:
			return m.finalizeLoginLocked(ctx, session)
		case wechat.ScanSeen, wechat.ScanSeenAlt:
			if session.Status != core.AuthScanned {
				session.Status = core.AuthScanned
				return m.saveSession(ctx, session)
			}
			return session, nil
		case wechat.ScanExpired, wechat.ScanInvalidated:
			session.Status = core.AuthExpired
			session.LastError = "login challenge expired before confirmation"
			return m.saveSession(ctx, session)
		default:
			if session.Status != core.AuthWaitingScan {
				session.Status = core.AuthWaitingScan
				return m.saveSession(ctx, session)
			}
			return session, nil
		}

	default:
		// logged_out, expired, error: nothing to poll.
		return session, nil
	}
}

// finalizeLoginLocked confirms the login and harvests a session token from
// every surface the confirmation response exposes, validating candidates in
// order. When no candidate validates, the first one is kept anyway so a
// transiently failing probe cannot discard a usable login.
func (m *Manager) finalizeLoginLocked(ctx context.Context, session core.AuthSession) (core.AuthSession, error) {
	result, err := m.client.Login(ctx, session.Fingerprint)
	if err != nil {
		session.Status = core.AuthFailed
		session.LastError = fmt.Sprintf("login confirmation failed: %v", err)
		if saved, saveErr := m.saveSession(ctx, session); saveErr == nil {
			session = saved
		}
		return session, fmt.Errorf("confirm login: %w", err)
	}

	candidates := wechat.DedupeKeepOrder([]string{
		result.PayloadToken(),
		wechat.ExtractToken(result.FinalURL),
		wechat.ExtractToken(result.Body),
		result.ResponseCookieToken,
		m.client.CookieValue("token"),
		m.client.ResolveTokenFromLoginPage(ctx),
		session.Token,
	})

	if len(candidates) == 0 {
		session.Status = core.AuthFailed
		session.LastError = "login confirmed but no session token surfaced"
		if saved, saveErr := m.saveSession(ctx, session); saveErr == nil {
			session = saved
		}
		return session, core.NewAuthError("login confirmed but no session token surfaced")
	}

	token := ""
	for _, candidate := range candidates {
		if m.client.ValidateToken(ctx, session.Fingerprint, candidate) {
			token = candidate
			break
		}
	}
	if token == "" {
		token = candidates[0]
		m.logger.Warn("no token candidate validated, keeping the first",
			zap.Int("candidates", len(candidates)))
	}

	name, avatar := m.client.AccountInfo(ctx, session.Fingerprint, token)

	cookieJSON, err := wechat.EncodeCookies(m.client.Cookies())
	if err != nil {
		return session, err
	}

	session.Status = core.AuthLoggedIn
	session.Token = token
	session.CookieJSON = cookieJSON
	session.AccountName = name
	session.AccountAvatar = avatar
	session.LastError = ""

	saved, err := m.saveSession(ctx, session)
	if err != nil {
		return session, err
	}
	m.removeQRFile()
	m.logger.Info("login established", zap.String("account", name))
	return saved, nil
}

// Logout clears the persisted login and the transport state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		return fmt.Errorf("load auth session: %w", err)
	}
	session.Status = core.AuthLoggedOut
	session.LoginUUID = ""
	session.Fingerprint = ""
	session.Token = ""
	session.CookieJSON = ""
	session.AccountName = ""
	session.AccountAvatar = ""
	session.LastError = ""
	if _, err := m.saveSession(ctx, session); err != nil {
		return err
	}
	m.client = nil
	m.removeQRFile()
	m.logger.Info("logged out")
	return nil
}

// State returns the current session, repairing it in both directions: a
// logged_in row that lost its token is demoted to expired, and a demoted row
// whose stored token still validates is promoted back to logged_in.
func (m *Manager) State(ctx context.Context) (core.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		return core.AuthSession{}, fmt.Errorf("load auth session: %w", err)
	}
	if session.Status == core.AuthLoggedIn && session.Token == "" {
		m.logger.Warn("logged_in session has no token, marking expired")
		session.Status = core.AuthExpired
		session.LastError = "session token lost, scan again"
		return m.saveSession(ctx, session)
	}
	if session.Status != core.AuthLoggedIn && session.Token != "" {
		if err := m.ensureClientLocked(session); err != nil {
			return session, nil
		}
		if m.client.ValidateToken(ctx, session.Fingerprint, session.Token) {
			m.logger.Info("stored token still accepted, restoring login")
			session.Status = core.AuthLoggedIn
			session.LastError = ""
			return m.saveSession(ctx, session)
		}
	}
	return session, nil
}

// EnsureAuthenticated returns the active session token, rehydrating the
// transport if needed. It fails with an authentication error when no usable
// login exists.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureAuthenticatedLocked(ctx)
}

func (m *Manager) ensureAuthenticatedLocked(ctx context.Context) (string, error) {
	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		return "", fmt.Errorf("load auth session: %w", err)
	}
	if session.Status != core.AuthLoggedIn || session.Token == "" {
		return "", core.NewAuthError("not logged in, scan the QR code first")
	}
	if err := m.ensureClientLocked(session); err != nil {
		return "", err
	}
	return session.Token, nil
}

// markExpired demotes the persisted session after the backend rejected its
// token mid-crawl.
func (m *Manager) markExpired(ctx context.Context, reason string) {
	session, err := m.store.GetAuthSession(ctx)
	if err != nil {
		m.logger.Warn("load auth session for demotion", zap.Error(err))
		return
	}
	if session.Status != core.AuthLoggedIn {
		return
	}
	session.Status = core.AuthExpired
	session.LastError = reason
	if _, err := m.saveSession(ctx, session); err != nil {
		m.logger.Warn("persist session demotion", zap.Error(err))
	}
}

// translateAuthFailure demotes the session when err marks it invalid so the
// next status read reflects reality.
func (m *Manager) translateAuthFailure(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var authErr *core.AuthError
	if errors.As(err, &authErr) {
		m.markExpired(ctx, authErr.Reason)
	}
	return err
}

// PublishPage fetches one page of the primary publish feed for the crawl
// engine.
func (m *Manager) PublishPage(ctx context.Context, fakeID string, begin, count int) ([]wechat.FeedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, err := m.ensureAuthenticatedLocked(ctx)
	if err != nil {
		return nil, err
	}
	items, err := m.client.FetchPublishPage(ctx, token, fakeID, begin, count)
	return items, m.translateAuthFailure(ctx, err)
}

// AppMsgPage fetches one page of the legacy feed for the crawl engine.
func (m *Manager) AppMsgPage(ctx context.Context, fakeID string, begin, count int) ([]wechat.FeedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, err := m.ensureAuthenticatedLocked(ctx)
	if err != nil {
		return nil, err
	}
	items, err := m.client.FetchAppMsgPage(ctx, token, fakeID, begin, count)
	return items, m.translateAuthFailure(ctx, err)
}

// SearchAccounts queries the remote publisher directory through the login
// session.
func (m *Manager) SearchAccounts(ctx context.Context, keyword string, offset, limit int) (int, []wechat.AccountHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, err := m.ensureAuthenticatedLocked(ctx)
	if err != nil {
		return 0, nil, err
	}
	total, hits, err := m.client.SearchAccounts(ctx, token, keyword, offset, limit)
	return total, hits, m.translateAuthFailure(ctx, err)
}

// TransportCookies exposes the live session cookies for the article fetcher
// and the render fallback.
func (m *Manager) TransportCookies(ctx context.Context) ([]*http.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.ensureAuthenticatedLocked(ctx); err != nil {
		return nil, err
	}
	return m.client.HTTPCookies(), nil
}

// UserAgent returns the browser identity used by the session transport.
func (m *Manager) UserAgent() string {
	return m.cfg.UserAgent
}
