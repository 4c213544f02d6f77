package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/meshenvy/firmware-builder/internal/models"
)

// DefaultAPIBaseURL is the public GitHub REST endpoint.
const DefaultAPIBaseURL = "https://api.github.com"

// GitHubConfig configures workflow_dispatch calls. Either Token or the App
// credentials (AppID, AppPrivateKey, InstallationID) must be set.
type GitHubConfig struct {
	APIBaseURL  string
	Repository  string // owner/name
	Workflow    string // workflow file name or id
	Ref         string
	CallbackURL string

	Token string

	AppID          int64
	AppPrivateKey  string
	InstallationID int64
}

// Validate reports missing required values.
func (c *GitHubConfig) Validate() error {
	var missing []string
	if c.Repository == "" {
		missing = append(missing, "repository")
	}
	if c.Workflow == "" {
		missing = append(missing, "workflow")
	}
	if c.Token == "" && (c.AppID == 0 || c.AppPrivateKey == "" || c.InstallationID == 0) {
		missing = append(missing, "token or app credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// GitHubDispatcher triggers a GitHub Actions workflow per build run.
type GitHubDispatcher struct {
	cfg    GitHubConfig
	hc     *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	appToken   string
	appExpires time.Time
}

// NewGitHubDispatcher validates cfg and creates a dispatcher.
func NewGitHubDispatcher(cfg GitHubConfig, logger *slog.Logger) (*GitHubDispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	return &GitHubDispatcher{
		cfg:    cfg,
		hc:     &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

type workflowDispatch struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Dispatch posts a workflow_dispatch event for the request.
func (d *GitHubDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	if req.BuildHash == "" {
		return fmt.Errorf("dispatching build %s: empty build hash", req.BuildID)
	}

	token, err := d.authToken(ctx)
	if err != nil {
		return fmt.Errorf("authenticating to GitHub: %w", err)
	}

	payload := workflowDispatch{
		Ref: d.cfg.Ref,
		Inputs: map[string]string{
			"target":       req.Target,
			"flags":        req.Flags,
			"version":      req.Version,
			"build_id":     req.BuildID,
			"build_hash":   req.BuildHash,
			"plugins":      strings.Join(req.Plugins, " "),
			"callback_url": d.cfg.CallbackURL,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling dispatch payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/repos/%s/actions/workflows/%s/dispatches",
		d.cfg.APIBaseURL, d.cfg.Repository, d.cfg.Workflow)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling GitHub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	d.logger.Info("dispatched build workflow",
		"build_id", req.BuildID,
		"build_hash", req.BuildHash,
		"target", req.Target,
		"version", req.Version,
	)
	return nil
}

// authToken returns the static token or a cached installation token.
func (d *GitHubDispatcher) authToken(ctx context.Context) (string, error) {
	if d.cfg.Token != "" {
		return d.cfg.Token, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.appToken != "" && time.Until(d.appExpires) > time.Minute {
		return d.appToken, nil
	}

	token, expires, err := d.installationToken(ctx)
	if err != nil {
		return "", err
	}
	d.appToken, d.appExpires = token, expires
	return token, nil
}

func (d *GitHubDispatcher) installationToken(ctx context.Context) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(d.cfg.AppPrivateKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": strconv.FormatInt(d.cfg.AppID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing jwt: %w", err)
	}

	apiURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", d.cfg.APIBaseURL, d.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := d.hc.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, &HTTPError{StatusCode: resp.StatusCode}
	}

	var tokenResp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, err
	}
	if tokenResp.ExpiresAt.IsZero() {
		tokenResp.ExpiresAt = now.Add(time.Hour)
	}
	return tokenResp.Token, tokenResp.ExpiresAt, nil
}
