package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2beens/donationadmin/internal/credentials"
	"github.com/2beens/donationadmin/internal/gateway"
	"github.com/2beens/donationadmin/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultLoginPath = "/auth/login"

var ErrBadCredentials = errors.New("bad credentials")

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client logs in against the admin backend. A successful login leaves the
// auth and anti-forgery cookies in the gateway's cookie jar.
type Client struct {
	gateway  *gateway.Gateway
	loginURL string
}

func NewClient(gw *gateway.Gateway, loginPath string) *Client {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	return &Client{
		gateway:  gw,
		loginURL: gw.URL(loginPath),
	}
}

// Login does not go through SecureFetch: a 401 here means wrong
// credentials, not an ended session.
func (c *Client) Login(ctx context.Context, creds Credentials) (_ *credentials.AuthenticatedUser, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "auth.login")
	span.SetAttributes(attribute.String("username", creds.Username))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if creds.Username == "" || creds.Password == "" {
		return nil, ErrBadCredentials
	}

	if c.gateway.AntiForgeryToken() == "" {
		if err := c.gateway.RefreshAntiForgeryToken(ctx); err != nil {
			log.Warnf("auth: priming anti-forgery token: %s", err)
		}
	}

	reqBody, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("new login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.gateway.AttachAntiForgery(req)

	resp, err := c.gateway.HTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %s", gateway.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		log.Printf("auth: login failed for [%s]: status %d", creds.Username, resp.StatusCode)
		return nil, ErrBadCredentials
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &gateway.HTTPError{StatusCode: resp.StatusCode, Body: respBytes}
	}

	user := &credentials.AuthenticatedUser{}
	if err := json.Unmarshal(respBytes, user); err != nil {
		return nil, fmt.Errorf("unmarshal login response: %w", err)
	}
	if user.Username == "" {
		return nil, fmt.Errorf("login response has no username")
	}

	log.Debugf("auth: logged in as [%s], role [%s]", user.Username, user.Role)
	return user, nil
}
