// Package identity talks to a GoTrue-compatible identity service (accounts)
// and its PostgREST companion (subscription records).
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rcourtman/checkout-provisioner/internal/logging"
	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
)

const accountStore = "identity"

// Mode selects how an account is ensured.
type Mode string

const (
	// ModeRecover sends a password-reset invitation; the user activates the
	// account by setting a password.
	ModeRecover Mode = "recover"
	// ModeCreate creates a confirmed account through the admin API, then sends
	// a password-setup link.
	ModeCreate Mode = "create"
)

// Client is a provisioning.AccountStore backed by the identity service.
type Client struct {
	baseURL     string
	mode        Mode
	redirectURL string
	httpClient  *http.Client
}

// NewClient creates an identity client. httpClient should come from
// NewHTTPClient so requests carry the service key.
func NewClient(baseURL string, mode Mode, redirectURL string, httpClient *http.Client) *Client {
	if mode != ModeCreate {
		mode = ModeRecover
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		mode:        mode,
		redirectURL: redirectURL,
		httpClient:  httpClient,
	}
}

var _ provisioning.AccountStore = (*Client)(nil)

type createUserRequest struct {
	Email        string `json:"email"`
	EmailConfirm bool   `json:"email_confirm"`
}

type userResponse struct {
	ID string `json:"id"`
}

type recoverRequest struct {
	Email string `json:"email"`
}

// EnsureAccount creates or invites the account for email.
func (c *Client) EnsureAccount(ctx context.Context, email string) (provisioning.Account, error) {
	if c.mode == ModeCreate {
		return c.createUser(ctx, email)
	}
	return c.sendRecovery(ctx, email)
}

func (c *Client) createUser(ctx context.Context, email string) (provisioning.Account, error) {
	body, status, err := c.post(ctx, "create", c.baseURL+"/auth/v1/admin/users", createUserRequest{Email: email, EmailConfirm: true})
	if err != nil {
		return provisioning.Account{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return provisioning.Account{}, statusError(accountStore, "create", status, body)
	}
	var user userResponse
	if err := json.Unmarshal(body, &user); err != nil {
		return provisioning.Account{}, provisioning.NewStoreError(accountStore, "create", provisioning.KindTransient, fmt.Errorf("decode user response: %w", err))
	}

	// The account exists from here on; a lost setup link is resent by the user
	// through the regular password-reset flow.
	if _, err := c.sendRecovery(ctx, email); err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).
			Str("account_id", user.ID).
			Msg("Account created but the password setup link could not be sent")
	}
	return provisioning.Account{ID: user.ID}, nil
}

func (c *Client) sendRecovery(ctx context.Context, email string) (provisioning.Account, error) {
	endpoint := c.baseURL + "/auth/v1/recover"
	if c.redirectURL != "" {
		endpoint += "?" + url.Values{"redirect_to": []string{c.redirectURL}}.Encode()
	}
	body, status, err := c.post(ctx, "recover", endpoint, recoverRequest{Email: email})
	if err != nil {
		return provisioning.Account{}, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		// Recovery has no "already exists" case; 409/422 are rejections.
		err := statusError(accountStore, "recover", status, body)
		if provisioning.IsConflict(err) {
			err = withKind(err, provisioning.KindPermanent)
		}
		return provisioning.Account{}, err
	}
	return provisioning.Account{Pending: true}, nil
}

func (c *Client) post(ctx context.Context, op, endpoint string, payload any) ([]byte, int, error) {
	return doJSON(ctx, c.httpClient, accountStore, op, endpoint, payload, nil)
}

// doJSON posts payload and returns the (size-limited) response body.
// Transport failures are returned as transient StoreErrors.
func doJSON(ctx context.Context, client *http.Client, storeName, op, endpoint string, payload any, headers http.Header) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, provisioning.NewStoreError(storeName, op, provisioning.KindPermanent, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, provisioning.NewStoreError(storeName, op, provisioning.KindPermanent, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, provisioning.NewStoreError(storeName, op, provisioning.KindTransient, fmt.Errorf("%s request failed: %w", storeName, err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return body, resp.StatusCode, nil
}

// apiError covers the error shapes of GoTrue and PostgREST.
type apiError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e apiError) text() string {
	for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error, e.ErrorCode} {
		if s != "" {
			return s
		}
	}
	return ""
}

// duplicateErrorCodes are the GoTrue codes for an already registered email.
var duplicateErrorCodes = map[string]bool{
	"email_exists":        true,
	"user_already_exists": true,
}

// duplicate reports whether a 422 body says the user already exists. GoTrue
// also answers 422 for validation failures such as a malformed email.
func (e apiError) duplicate() bool {
	if duplicateErrorCodes[e.ErrorCode] {
		return true
	}
	return strings.Contains(strings.ToLower(e.text()), "already been registered")
}

// statusError classifies a non-success response. 409, and 422 with a
// duplicate-user body, mean the account already exists; 408, 429 and 5xx are
// worth retrying; other 4xx are permanent.
func statusError(storeName, op string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.text()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("%s error (HTTP %d): %s", storeName, status, msg)

	kind := provisioning.KindPermanent
	switch {
	case status == http.StatusConflict:
		kind = provisioning.KindConflict
	case status == http.StatusUnprocessableEntity && apiErr.duplicate():
		kind = provisioning.KindConflict
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		kind = provisioning.KindTransient
	}
	return provisioning.NewStoreError(storeName, op, kind, err)
}

func withKind(err error, kind provisioning.ErrorKind) error {
	var se *provisioning.StoreError
	if errors.As(err, &se) {
		cp := *se
		cp.Kind = kind
		return &cp
	}
	return err
}
