// Package oauthapi implements the OAuth2 login flows: the Google
// device flow and the Google/Discord web redirect flows. A successful
// exchange resolves or creates a local user and issues the same
// session token the password login does.
package oauthapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/google"
)

// Account is the provider-side identity resolved from an access token.
type Account struct {
	Provider   string
	ProviderID string
	Email      string
	Name       string
}

// Provider wraps one upstream OAuth2 provider.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Fetch(ctx context.Context, tok *oauth2.Token) (*Account, error)
}

// Credentials is one provider's client configuration.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type googleProvider struct {
	cfg *oauth2.Config
}

// NewGoogle builds the Google provider.
func NewGoogle(c Credentials) Provider {
	return &googleProvider{cfg: &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}}
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *googleProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.cfg.Exchange(ctx, code)
}

func (p *googleProvider) Fetch(ctx context.Context, tok *oauth2.Token) (*Account, error) {
	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := fetchJSON(ctx, p.cfg, tok, "https://www.googleapis.com/oauth2/v2/userinfo", &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("google userinfo missing id")
	}
	return &Account{Provider: "google", ProviderID: info.ID, Email: info.Email, Name: info.Name}, nil
}

// DeviceStart begins the Google device authorization flow.
func (p *googleProvider) DeviceStart(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	return p.cfg.DeviceAuth(ctx)
}

// DevicePoll performs a single token poll for a pending device
// authorization. The flow is client-driven, so each HTTP poll maps to
// exactly one upstream poll; oauth2's blocking DeviceAccessToken does
// not fit here.
func (p *googleProvider) DevicePoll(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
		"device_code":   {deviceCode},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode device token response: %w", err)
	}
	if body.Error != "" {
		return nil, &DeviceError{Code: body.Error}
	}
	return &oauth2.Token{AccessToken: body.AccessToken, TokenType: body.TokenType}, nil
}

// DeviceError is an upstream device flow error code.
type DeviceError struct {
	Code string
}

func (e *DeviceError) Error() string { return "device flow: " + e.Code }

type discordProvider struct {
	cfg *oauth2.Config
}

// NewDiscord builds the Discord provider.
func NewDiscord(c Credentials) Provider {
	return &discordProvider{cfg: &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoints.Discord,
		Scopes:       []string{"identify", "email"},
	}}
}

func (p *discordProvider) Name() string { return "discord" }

func (p *discordProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

func (p *discordProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.cfg.Exchange(ctx, code)
}

func (p *discordProvider) Fetch(ctx context.Context, tok *oauth2.Token) (*Account, error) {
	var info struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := fetchJSON(ctx, p.cfg, tok, "https://discord.com/api/users/@me", &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("discord user missing id")
	}
	return &Account{Provider: "discord", ProviderID: info.ID, Email: info.Email, Name: info.Username}, nil
}

func fetchJSON(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, url string, out any) error {
	client := cfg.Client(ctx, tok)
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
