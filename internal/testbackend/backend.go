// Package testbackend is an in-process stand-in for the donation platform
// admin API. It speaks the same cookie protocol as the real backend: an
// HttpOnly auth cookie set on login, and a script readable anti-forgery
// cookie that must be echoed back in a header. Switches let tests make the
// token go stale, the auth expire, or the auth endpoints fail.
package testbackend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/2beens/donationadmin/internal/credentials"
	"github.com/2beens/donationadmin/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

const (
	AuthCookie        = "ADMIN_SESSION"
	AntiForgeryCookie = "XSRF-TOKEN"
	AntiForgeryHeader = "X-XSRF-TOKEN"

	MessageCSRFInvalid = "CSRF token invalid"
)

type Account struct {
	User     credentials.AuthenticatedUser
	Password string
}

type RecordedRequest struct {
	Method      string
	Path        string
	Token       string
	ContentType string
	Body        string
}

type Campaign struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Goal   int    `json:"goal"`
	Raised int    `json:"raised"`
}

type Backend struct {
	mutex        sync.Mutex
	account      Account
	passwordHash string

	authToken        string
	antiForgeryToken string
	campaigns        []Campaign

	// switches
	alwaysRejectToken bool
	failRefresh       bool
	failLogout        bool

	requests  []RecordedRequest
	refreshes int
	logouts   int
	logins    int
}

func New(account Account) (*Backend, error) {
	passwordHash, err := pkg.HashPassword(account.Password)
	if err != nil {
		return nil, err
	}
	return &Backend{
		account:      account,
		passwordHash: passwordHash,
		campaigns: []Campaign{
			{ID: 1, Title: "Clean water for Kibera", Goal: 50000, Raised: 12040},
			{ID: 2, Title: "School books 2026", Goal: 8000, Raised: 7990},
		},
	}, nil
}

func (b *Backend) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("donation-admin-test-backend"), panicRecovery, logRequest, drainAndCloseRequest)
	r.HandleFunc("/auth/login", b.handleLogin).Methods("POST")
	r.HandleFunc("/auth/csrf", b.handleCSRF).Methods("GET")
	r.HandleFunc("/auth/logout", b.handleLogout).Methods("POST")

	protected := r.PathPrefix("/").Subrouter()
	protected.HandleFunc("/campaigns", b.handleListCampaigns).Methods("GET")
	protected.HandleFunc("/campaigns", b.handleNewCampaign).Methods("POST")
	protected.HandleFunc("/campaigns/broken", b.handleBroken).Methods("GET", "POST")
	protected.Use(b.record, b.authCheck, b.antiForgeryCheck)

	return r
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var loginReq struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
		pkg.WriteJSONResponse(w, http.StatusBadRequest, map[string]string{"message": "login failed"})
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if loginReq.Username != b.account.User.Username || !pkg.CheckPasswordHash(loginReq.Password, b.passwordHash) {
		log.Tracef("test backend: failed login for [%s]", loginReq.Username)
		pkg.WriteJSONResponse(w, http.StatusUnauthorized, map[string]string{"message": "bad credentials"})
		return
	}

	authToken, err := pkg.GenerateRandomString(32)
	if err != nil {
		http.Error(w, "generate token error", http.StatusInternalServerError)
		return
	}
	b.authToken = authToken
	b.logins++
	http.SetCookie(w, &http.Cookie{Name: AuthCookie, Value: authToken, Path: "/", HttpOnly: true})
	b.issueAntiForgeryLocked(w)

	pkg.WriteJSONResponse(w, http.StatusOK, b.account.User)
}

func (b *Backend) handleCSRF(w http.ResponseWriter, _ *http.Request) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.refreshes++
	if b.failRefresh {
		pkg.WriteResponse(w, http.StatusServiceUnavailable, pkg.ContentType.Text, "token service down")
		return
	}
	b.issueAntiForgeryLocked(w)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleLogout(w http.ResponseWriter, _ *http.Request) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.logouts++
	if b.failLogout {
		// drop the connection, the client sees a network error
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}

	b.authToken = ""
	http.SetCookie(w, &http.Cookie{Name: AuthCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleListCampaigns(w http.ResponseWriter, _ *http.Request) {
	b.mutex.Lock()
	campaigns := append([]Campaign(nil), b.campaigns...)
	b.mutex.Unlock()

	pkg.WriteJSONResponse(w, http.StatusOK, campaigns)
}

func (b *Backend) handleNewCampaign(w http.ResponseWriter, r *http.Request) {
	var c Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Title == "" {
		pkg.WriteJSONResponse(w, http.StatusBadRequest, map[string]string{"message": "invalid campaign"})
		return
	}

	b.mutex.Lock()
	c.ID = len(b.campaigns) + 1
	b.campaigns = append(b.campaigns, c)
	b.mutex.Unlock()

	pkg.WriteJSONResponse(w, http.StatusCreated, c)
}

func (b *Backend) handleBroken(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteJSONResponse(w, http.StatusInternalServerError, map[string]string{"message": "failed to save"})
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		b.mutex.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Token:       r.Header.Get(AntiForgeryHeader),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(body),
		})
		b.mutex.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(AuthCookie)

		b.mutex.Lock()
		authToken := b.authToken
		b.mutex.Unlock()

		if err != nil || authToken == "" || cookie.Value != authToken {
			pkg.WriteJSONResponse(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) antiForgeryCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mutex.Lock()
		valid := !b.alwaysRejectToken && b.antiForgeryToken != "" && r.Header.Get(AntiForgeryHeader) == b.antiForgeryToken
		b.mutex.Unlock()

		if !valid {
			pkg.WriteJSONResponse(w, http.StatusForbidden, map[string]string{"message": MessageCSRFInvalid})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) issueAntiForgeryLocked(w http.ResponseWriter) {
	token, err := pkg.GenerateRandomString(24)
	if err != nil {
		log.Errorf("test backend: generate anti-forgery token: %s", err)
		return
	}
	b.antiForgeryToken = token
	http.SetCookie(w, &http.Cookie{Name: AntiForgeryCookie, Value: token, Path: "/"})
}
