package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	claudeUsageEndpoint = "https://api.anthropic.com/api/oauth/usage"
	claudeOAuthBeta     = "oauth-2025-04-20"
	usageCacheTTL       = 30 * time.Second
)

var errNoCredentials = errors.New("no claude credentials found")

// claudeCredentials mirrors ~/.claude/.credentials.json
type claudeCredentials struct {
	ClaudeAiOauth struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"` // unix millis
	} `json:"claudeAiOauth"`
}

func (c claudeCredentials) expired(now time.Time) bool {
	if c.ClaudeAiOauth.ExpiresAt == 0 {
		return false
	}
	return now.After(time.UnixMilli(c.ClaudeAiOauth.ExpiresAt))
}

func defaultCredentialsPath() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, ".credentials.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", ".credentials.json")
}

func loadCredentials(path string) (*claudeCredentials, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errNoCredentials
	}
	if err != nil {
		return nil, err
	}
	var creds claudeCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return nil, errNoCredentials
	}
	return &creds, nil
}

type usageWindow struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

type usageResponse struct {
	FiveHour *usageWindow `json:"five_hour"`
	SevenDay *usageWindow `json:"seven_day"`
}

// usageClient queries the subscription usage endpoint with the local OAuth token
// and caches the answer briefly; the scheduler asks on every tick
type usageClient struct {
	endpoint        string
	credentialsPath string
	client          *http.Client
	now             func() time.Time

	mu        sync.Mutex
	cached    *usageResponse
	fetchedAt time.Time
}

func newUsageClient() *usageClient {
	return &usageClient{
		endpoint:        claudeUsageEndpoint,
		credentialsPath: defaultCredentialsPath(),
		client:          &http.Client{Timeout: 10 * time.Second},
		now:             time.Now,
	}
}

func (u *usageClient) fetch(ctx context.Context) (*usageResponse, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cached != nil && u.now().Sub(u.fetchedAt) < usageCacheTTL {
		return u.cached, nil
	}

	creds, err := loadCredentials(u.credentialsPath)
	if err != nil {
		return nil, err
	}
	if creds.expired(u.now()) {
		return nil, errors.New("claude OAuth token expired")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.ClaudeAiOauth.AccessToken)
	req.Header.Set("anthropic-beta", claudeOAuthBeta)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}

	var out usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding usage response: %w", err)
	}
	u.cached = &out
	u.fetchedAt = u.now()
	return &out, nil
}

func (u *usageClient) percent(ctx context.Context) UsagePercent {
	resp, err := u.fetch(ctx)
	if err != nil {
		return UsagePercent{Err: err}
	}
	var p UsagePercent
	if resp.FiveHour != nil {
		p.FiveHour = resp.FiveHour.Utilization
		p.FiveHourResetAt = resp.FiveHour.ResetsAt
	}
	if resp.SevenDay != nil {
		p.SevenDay = resp.SevenDay.Utilization
		p.SevenDayResetAt = resp.SevenDay.ResetsAt
	}
	return p
}
