package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mpvault/internal/clock"
	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/store/memory"
)

// fakePlatform simulates the remote login backend.
type fakePlatform struct {
	mu         sync.Mutex
	scanCode   int
	validToken string
	feedRet    int
	failHome   bool
	failScan   bool
	srv        *httptest.Server
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{validToken: "tok-good-1"}
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		p.mu.Lock()
		down := p.failHome
		p.mu.Unlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `<html><script>window.wx = {"uuid":"challenge-1"};</script>
			<img src="%s/cgi-bin/loginqrcode?action=getqrcode&amp;param=4300" /></html>`, p.srv.URL)
	})
	mux.HandleFunc("/cgi-bin/loginqrcode", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/cgi-bin/scanloginqrcode", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		code, down := p.scanCode, p.failScan
		p.mu.Unlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"base_resp":{"ret":0},"status":%d}`, code)
	})
	mux.HandleFunc("/cgi-bin/bizlogin", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "login" {
			http.SetCookie(w, &http.Cookie{Name: "token", Value: p.validToken, Path: "/"})
			fmt.Fprintf(w, `{"base_resp":{"ret":0},"redirect_url":"/cgi-bin/home?t=home/index&token=%s"}`, p.validToken)
			return
		}
		fmt.Fprint(w, `{"base_resp":{"ret":0},"uuid":"fallback-uuid"}`)
	})
	mux.HandleFunc("/cgi-bin/loginpage", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html></html>")
	})
	mux.HandleFunc("/cgi-bin/switchacct", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		valid := r.URL.Query().Get("token") == p.validToken
		p.mu.Unlock()
		if valid {
			fmt.Fprint(w, `{"base_resp":{"ret":0},"biz_list":{"list":[{"nickname":"Daily Paper","headimgurl":"https://img/a.jpg"}]}}`)
			return
		}
		fmt.Fprint(w, `{"base_resp":{"ret":200003}}`)
	})
	mux.HandleFunc("/cgi-bin/appmsgpublish", func(w http.ResponseWriter, _ *http.Request) {
		p.mu.Lock()
		ret := p.feedRet
		p.mu.Unlock()
		fmt.Fprintf(w, `{"base_resp":{"ret":%d}}`, ret)
	})
	mux.HandleFunc("/cgi-bin/appmsg", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"base_resp":{"ret":0},"app_msg_list":[]}`)
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlatform) setScanCode(code int) {
	p.mu.Lock()
	p.scanCode = code
	p.mu.Unlock()
}

func newTestManager(t *testing.T, platform *fakePlatform) (*Manager, *memory.Store, string) {
	t.Helper()
	qrFile := filepath.Join(t.TempDir(), "qr", "login.png")
	cfg := config.WeChatConfig{
		BaseURL:        platform.srv.URL,
		UserAgent:      "test-agent",
		TimeoutSeconds: 5,
		QRFile:         qrFile,
	}
	store := memory.New()
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(cfg, store, clk, zap.NewNop()), store, qrFile
}

func TestRequestLoginChallenge(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, qrFile := newTestManager(t, platform)
	ctx := context.Background()

	challenge, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)
	require.Equal(t, "challenge-1", challenge.UUID)
	require.Equal(t, qrFile, challenge.QRPath)

	img, err := os.ReadFile(qrFile)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(img))

	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthWaitingScan, session.Status)
	require.Equal(t, "challenge-1", session.LoginUUID)
	require.NotEmpty(t, session.Fingerprint)
}

func TestRequestLoginChallengeFailureIsPersisted(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	platform.mu.Lock()
	platform.failHome = true
	platform.mu.Unlock()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.Error(t, err)

	// The failed attempt shows up in the persisted state, not just the
	// returned error.
	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthFailed, session.Status)
	require.Contains(t, session.LastError, "fetch login page")
}

func TestPollLoginStatusFullFlow(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, _, qrFile := newTestManager(t, platform)
	ctx := context.Background()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)

	// Nobody scanned yet.
	platform.setScanCode(0)
	session, err := mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthWaitingScan, session.Status)

	// Scanned but not confirmed.
	platform.setScanCode(4)
	session, err = mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthScanned, session.Status)

	// Confirmed: finalization harvests and validates the token.
	platform.setScanCode(1)
	session, err = mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, session.Status)
	require.Equal(t, "tok-good-1", session.Token)
	require.Equal(t, "Daily Paper", session.AccountName)
	require.Empty(t, session.LastError)

	// Challenge image is cleaned up after login.
	_, err = os.Stat(qrFile)
	require.True(t, os.IsNotExist(err))

	// A logged-in session revalidates cleanly.
	session, err = mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, session.Status)

	token, err := mgr.EnsureAuthenticated(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-good-1", token)

	cookies, err := mgr.TransportCookies(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cookies)
}

func TestPollLoginStatusExpiredChallenge(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, _, _ := newTestManager(t, platform)
	ctx := context.Background()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)

	platform.setScanCode(5)
	session, err := mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthExpired, session.Status)
	require.NotEmpty(t, session.LastError)
}

func TestPollLoginStatusDemotesRejectedLogin(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	// A persisted login whose token the backend no longer accepts.
	require.NoError(t, store.SaveAuthSession(ctx, core.AuthSession{
		Status: core.AuthLoggedIn, Token: "tok-stale", Fingerprint: "fp",
	}))

	session, err := mgr.PollLoginStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthFailed, session.Status)
	require.NotEmpty(t, session.LastError)
}

func TestPollLoginStatusTransportFailurePersisted(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)

	platform.mu.Lock()
	platform.failScan = true
	platform.mu.Unlock()

	_, err = mgr.PollLoginStatus(ctx)
	require.Error(t, err)

	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthFailed, session.Status)
	require.Contains(t, session.LastError, "poll scan status")
}

func TestStateRepairsTokenlessLogin(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthSession(ctx, core.AuthSession{
		Status: core.AuthLoggedIn,
	}))

	session, err := mgr.State(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthExpired, session.Status)
}

func TestStateRestoresDemotedSessionWithValidToken(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	// A demoted session whose stored token the backend still accepts.
	require.NoError(t, store.SaveAuthSession(ctx, core.AuthSession{
		Status: core.AuthExpired, Token: "tok-good-1", Fingerprint: "fp",
		LastError: "login session no longer accepted by the platform",
	}))

	session, err := mgr.State(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, session.Status)
	require.Empty(t, session.LastError)

	// The repair is persisted, not just reported.
	stored, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedIn, stored.Status)
}

func TestStateLeavesRejectedTokenDemoted(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthSession(ctx, core.AuthSession{
		Status: core.AuthFailed, Token: "tok-stale", Fingerprint: "fp",
	}))

	session, err := mgr.State(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthFailed, session.Status)
}

func TestEnsureAuthenticatedRequiresLogin(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, _, _ := newTestManager(t, platform)

	_, err := mgr.EnsureAuthenticated(context.Background())
	require.True(t, core.IsAuthError(err))
}

func TestLogoutClearsSession(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)
	platform.setScanCode(1)
	_, err = mgr.PollLoginStatus(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.Logout(ctx))

	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthLoggedOut, session.Status)
	require.Empty(t, session.Token)
	require.Empty(t, session.CookieJSON)

	_, err = mgr.EnsureAuthenticated(ctx)
	require.True(t, core.IsAuthError(err))
}

func TestFeedAuthFailureDemotesSession(t *testing.T) {
	platform := newFakePlatform(t)
	mgr, store, _ := newTestManager(t, platform)
	ctx := context.Background()

	_, err := mgr.RequestLoginChallenge(ctx)
	require.NoError(t, err)
	platform.setScanCode(1)
	_, err = mgr.PollLoginStatus(ctx)
	require.NoError(t, err)

	// The platform invalidates the session mid-crawl.
	platform.mu.Lock()
	platform.feedRet = 200003
	platform.mu.Unlock()

	_, err = mgr.PublishPage(ctx, "FID", 0, 5)
	require.True(t, core.IsAuthError(err))

	session, err := store.GetAuthSession(ctx)
	require.NoError(t, err)
	require.Equal(t, core.AuthExpired, session.Status)
}
