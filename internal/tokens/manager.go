package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crmbridge.io/internal/crm"
	"crmbridge.io/internal/ids"
	"crmbridge.io/internal/logs"
	"crmbridge.io/internal/store"
)

// ErrReauthRequired means no usable credential exists for the scope and the
// tenant must go through the authorization flow again. Never retryable.
var ErrReauthRequired = errors.New("tokens: reauthorization required")

const defaultExpiryBuffer = 5 * time.Minute

// OAuthAPI is the slice of the upstream OAuth client the manager needs.
type OAuthAPI interface {
	ExchangeCode(ctx context.Context, code string) (*crm.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*crm.TokenResponse, error)
	RevokeToken(ctx context.Context, accessToken string) error
}

// Manager owns the upstream credential lifecycle: exchange, buffered refresh,
// supersession and revocation. It implements crm.TokenSource so the API
// client pulls tokens through the same contract.
type Manager struct {
	oauth  OAuthAPI
	creds  store.CredentialStore
	buffer time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ crm.TokenSource = (*Manager)(nil)

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithExpiryBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

func NewManager(oauth OAuthAPI, creds store.CredentialStore, opts ...Option) *Manager {
	m := &Manager{
		oauth:  oauth,
		creds:  creds,
		buffer: defaultExpiryBuffer,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refreshes for the same scope are serialized so concurrent callers do not
// race the upstream with the same refresh token.
func (m *Manager) lockFor(tenantID, locationID string) *sync.Mutex {
	key := tenantID + "|" + locationID
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Exchange trades an authorization code for tokens and persists them,
// superseding any prior credential for the same scope.
func (m *Manager) Exchange(ctx context.Context, tenantID, code string) (store.OAuthCredential, error) {
	tok, err := m.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return store.OAuthCredential{}, err
	}
	return m.Store(ctx, tenantID, tok)
}

// Store persists an upstream token response as the scope's valid credential.
func (m *Manager) Store(ctx context.Context, tenantID string, tok *crm.TokenResponse) (store.OAuthCredential, error) {
	cred := m.credentialFrom(tenantID, tok)
	if err := m.creds.Save(ctx, cred); err != nil {
		return store.OAuthCredential{}, err
	}
	return cred, nil
}

// GetValid returns the scope's credential, refreshing it first when it is
// within the expiry buffer. A missing credential or a failed refresh yields
// ErrReauthRequired; callers must not treat that as retryable.
func (m *Manager) GetValid(ctx context.Context, tenantID, locationID string) (store.OAuthCredential, error) {
	l := m.lockFor(tenantID, locationID)
	l.Lock()
	defer l.Unlock()
	return m.getValidLocked(ctx, tenantID, locationID, false)
}

// AccessToken implements crm.TokenSource. force refreshes regardless of the
// remaining lifetime; the client uses it on 401 responses.
func (m *Manager) AccessToken(ctx context.Context, tenantID, locationID string, force bool) (string, error) {
	l := m.lockFor(tenantID, locationID)
	l.Lock()
	defer l.Unlock()
	cred, err := m.getValidLocked(ctx, tenantID, locationID, force)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

func (m *Manager) getValidLocked(ctx context.Context, tenantID, locationID string, force bool) (store.OAuthCredential, error) {
	cred, err := m.creds.GetValid(ctx, tenantID, locationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.OAuthCredential{}, ErrReauthRequired
	}
	if err != nil {
		return store.OAuthCredential{}, err
	}
	if !force && cred.ExpiresAt.Sub(m.now()) >= m.buffer {
		return cred, nil
	}

	tok, err := m.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if ierr := m.creds.Invalidate(ctx, cred.ID); ierr != nil {
			logs.Logger.WithError(ierr).Warn("invalidate stale credential")
		}
		logs.Logger.WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"location_id": locationID,
		}).WithError(err).Warn("token refresh failed")
		return store.OAuthCredential{}, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	fresh := m.credentialFrom(tenantID, tok)
	if fresh.LocationID == "" {
		fresh.LocationID = cred.LocationID
	}
	if fresh.CompanyID == "" {
		fresh.CompanyID = cred.CompanyID
	}
	if fresh.UserType == "" {
		fresh.UserType = cred.UserType
	}
	if len(fresh.Scopes) == 0 {
		fresh.Scopes = cred.Scopes
	}
	// Some token endpoints omit the refresh token on refresh; the old one
	// stays live in that case.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	if err := m.creds.Save(ctx, fresh); err != nil {
		return store.OAuthCredential{}, err
	}
	return fresh, nil
}

// Invalidate marks one credential row invalid.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	return m.creds.Invalidate(ctx, id)
}

// Revoke tells the upstream to drop the scope's access token and marks the
// stored credential invalid. The local invalidation happens even when the
// upstream call fails.
func (m *Manager) Revoke(ctx context.Context, tenantID, locationID string) error {
	l := m.lockFor(tenantID, locationID)
	l.Lock()
	defer l.Unlock()

	cred, err := m.creds.GetValid(ctx, tenantID, locationID)
	if err != nil {
		return err
	}
	if err := m.oauth.RevokeToken(ctx, cred.AccessToken); err != nil {
		logs.Logger.WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"location_id": cred.LocationID,
		}).WithError(err).Warn("upstream token revoke failed")
	}
	return m.creds.InvalidateScope(ctx, tenantID, cred.LocationID)
}

// Status returns the stored credential without triggering a refresh.
func (m *Manager) Status(ctx context.Context, tenantID, locationID string) (store.OAuthCredential, error) {
	return m.creds.GetValid(ctx, tenantID, locationID)
}

func (m *Manager) credentialFrom(tenantID string, tok *crm.TokenResponse) store.OAuthCredential {
	now := m.now()
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return store.OAuthCredential{
		ID:              ids.New(),
		TenantID:        tenantID,
		LocationID:      tok.LocationID,
		CompanyID:       tok.CompanyID,
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		TokenType:       tokenType,
		ExpiresAt:       now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		Scopes:          strings.Fields(tok.Scope),
		UserType:        tok.UserType,
		IsValid:         true,
		LastRefreshedAt: now,
		CreatedAt:       now,
	}
}
