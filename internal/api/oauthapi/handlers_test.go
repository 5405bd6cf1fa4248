package oauthapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/domain"
	"github.com/pylonhq/pylon/internal/store"
)

type fakeProvider struct {
	name      string
	pollErr   error
	fetched   *Account
	exchanged []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.example/authorize?state=" + state
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	p.exchanged = append(p.exchanged, code)
	return &oauth2.Token{AccessToken: "at"}, nil
}

func (p *fakeProvider) Fetch(ctx context.Context, tok *oauth2.Token) (*Account, error) {
	return p.fetched, nil
}

func (p *fakeProvider) DeviceStart(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	return &oauth2.DeviceAuthResponse{
		DeviceCode:      "dc",
		UserCode:        "ABCD-EFGH",
		VerificationURI: "https://provider.example/device",
		Interval:        5,
		Expiry:          time.Now().Add(10 * time.Minute),
	}, nil
}

func (p *fakeProvider) DevicePoll(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	if p.pollErr != nil {
		return nil, p.pollErr
	}
	return &oauth2.Token{AccessToken: "at"}, nil
}

type fakeStore struct {
	byUsername map[string]*domain.User
	byOAuth    map[string]*domain.User
	linked     []string
	logins     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byUsername: make(map[string]*domain.User),
		byOAuth:    make(map[string]*domain.User),
	}
}

func (f *fakeStore) UserByOAuth(ctx context.Context, provider, providerID string) (*domain.User, error) {
	if u, ok := f.byOAuth[provider+":"+providerID]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UserByUsername(ctx context.Context, username string) (*domain.User, error) {
	if u, ok := f.byUsername[username]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateUser(ctx context.Context, u *domain.User) error {
	f.byUsername[u.Username] = u
	return nil
}

func (f *fakeStore) LinkOAuthIdentity(ctx context.Context, userID, provider, providerID string) error {
	f.linked = append(f.linked, provider+":"+providerID)
	return nil
}

func (f *fakeStore) RecordLogin(ctx context.Context, userID, token, ip string) error {
	f.logins = append(f.logins, userID)
	return nil
}

func newHandler(t *testing.T) (*Handler, *fakeStore, *fakeProvider) {
	t.Helper()
	fs := newFakeStore()
	p := &fakeProvider{
		name:    "google",
		fetched: &Account{Provider: "google", ProviderID: "g1", Email: "alice@example.com", Name: "Alice"},
	}
	h := &Handler{Store: fs, Signer: auth.NewSigner("secret"), Google: p}
	return h, fs, p
}

func TestDevicePollStatusMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{"authorization_pending", http.StatusPreconditionRequired},
		{"slow_down", http.StatusTooManyRequests},
		{"expired_token", http.StatusBadRequest},
		{"access_denied", http.StatusBadRequest},
	}
	for _, tc := range cases {
		h, _, p := newHandler(t)
		p.pollErr = &DeviceError{Code: tc.code}
		req := httptest.NewRequest(http.MethodPost, "/oauth/google/device/poll",
			strings.NewReader(`{"deviceCode":"dc"}`))
		rec := httptest.NewRecorder()
		h.GoogleDevicePoll(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: code = %d, want %d", tc.code, rec.Code, tc.want)
		}
	}
}

func TestDevicePollSuccessCreatesAndLinksUser(t *testing.T) {
	h, fs, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/oauth/google/device/poll",
		strings.NewReader(`{"deviceCode":"dc"}`))
	rec := httptest.NewRecorder()
	h.GoogleDevicePoll(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		OK   bool `json:"ok"`
		User struct {
			Username string `json:"username"`
			Token    string `json:"token"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.User.Username != "Alice" || resp.User.Token == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(fs.linked) != 1 || fs.linked[0] != "google:g1" {
		t.Errorf("linked = %v", fs.linked)
	}
	if len(fs.logins) != 1 {
		t.Errorf("logins = %v", fs.logins)
	}
}

func TestDevicePollExistingLinkedUser(t *testing.T) {
	h, fs, _ := newHandler(t)
	fs.byOAuth["google:g1"] = &domain.User{ID: "u1", Username: "alice"}

	req := httptest.NewRequest(http.MethodPost, "/oauth/google/device/poll",
		strings.NewReader(`{"deviceCode":"dc"}`))
	rec := httptest.NewRecorder()
	h.GoogleDevicePoll(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if len(fs.linked) != 0 {
		t.Errorf("re-linked existing user: %v", fs.linked)
	}
	if !strings.Contains(rec.Body.String(), `"alice"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestWebFlowStateRoundTrip(t *testing.T) {
	h, _, p := newHandler(t)

	rec := httptest.NewRecorder()
	h.web(p)(rec, httptest.NewRequest(http.MethodGet, "/oauth/google/web", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("code = %d, want 307", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("redirect carries no state")
	}

	rec = httptest.NewRecorder()
	h.webCallback(p)(rec, httptest.NewRequest(http.MethodGet,
		"/oauth/google/web/callback?state="+state+"&code=c1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback code = %d: %s", rec.Code, rec.Body)
	}
	if len(p.exchanged) != 1 || p.exchanged[0] != "c1" {
		t.Errorf("exchanged = %v", p.exchanged)
	}

	// A state is single-use.
	rec = httptest.NewRecorder()
	h.webCallback(p)(rec, httptest.NewRequest(http.MethodGet,
		"/oauth/google/web/callback?state="+state+"&code=c2", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed state code = %d, want 400", rec.Code)
	}
}

func TestWebCallbackRejectsUnknownState(t *testing.T) {
	h, _, p := newHandler(t)
	rec := httptest.NewRecorder()
	h.webCallback(p)(rec, httptest.NewRequest(http.MethodGet,
		"/oauth/google/web/callback?state=forged&code=c1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestDeriveUsername(t *testing.T) {
	cases := []struct {
		account Account
		want    string
	}{
		{Account{Name: "Alice Smith"}, "AliceSmith"},
		{Account{Email: "bob.jones@example.com"}, "bobjones"},
		{Account{Name: "x", Provider: "discord"}, "discorduser"},
		{Account{Name: strings.Repeat("a", 30)}, strings.Repeat("a", 20)},
	}
	for _, tc := range cases {
		if got := deriveUsername(&tc.account); got != tc.want {
			t.Errorf("deriveUsername(%+v) = %q, want %q", tc.account, got, tc.want)
		}
	}
}

func TestUsernameCollisionGetsSuffix(t *testing.T) {
	h, fs, _ := newHandler(t)
	fs.byUsername["Alice"] = &domain.User{ID: "u0", Username: "Alice"}

	user, err := h.createLinkedUser(context.Background(),
		&Account{Provider: "google", ProviderID: "g2", Name: "Alice"})
	if err != nil {
		t.Fatalf("createLinkedUser: %v", err)
	}
	if user.Username != "Alice1" {
		t.Errorf("username = %q, want Alice1", user.Username)
	}
}
