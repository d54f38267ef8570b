package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultRefreshSkew = 2 * time.Minute

	opToken   = "credentials.token"
	opRefresh = "credentials.refresh"
	opRevoke  = "credentials.revoke"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingTokenURL     = errors.New("token url is required")
	errMissingClientID     = errors.New("client id is required")
	errMissingClientSecret = errors.New("client secret is required")
)

// StoreConfig bundles the dependencies for the credential store.
type StoreConfig struct {
	Database     *gorm.DB
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshSkew  time.Duration
	HTTPClient   *http.Client
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Store owns actor_credentials rows and runs the OAuth refresh-token grant.
// Callers that pair a refresh with an external request must serialize through
// the ActorLock; the store itself holds no locks.
type Store struct {
	db           *gorm.DB
	tokenURL     string
	clientID     string
	clientSecret string
	refreshSkew  time.Duration
	httpClient   *http.Client
	clock        func() time.Time
	logger       *zap.Logger
}

// NewStore constructs a credential store with validated configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errMissingTokenURL
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errMissingClientSecret
	}

	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = defaultRefreshSkew
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		db:           cfg.Database,
		tokenURL:     strings.TrimSpace(cfg.TokenURL),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		refreshSkew:  skew,
		httpClient:   httpClient,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Credential loads the stored credential for the actor.
func (s *Store) Credential(ctx context.Context, actorID int64) (ActorCredential, error) {
	var credential ActorCredential
	err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Take(&credential).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ActorCredential{}, faults.CredentialExpired(opToken, "missing_credential", err).
			WithEntities(actorEntity(actorID))
	}
	if err != nil {
		return ActorCredential{}, faults.Internal(opToken, "credential_select_failed", err).
			WithEntities(actorEntity(actorID))
	}
	return credential, nil
}

// Token returns a currently valid access token for the actor, refreshing the
// credential first when it is inside the expiry skew window.
func (s *Store) Token(ctx context.Context, actorID int64) (string, error) {
	credential, err := s.Credential(ctx, actorID)
	if err != nil {
		return "", err
	}

	if !credential.ExpiresWithin(s.clock(), s.refreshSkew) {
		return credential.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, credential)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Revoke deletes the actor's credential. Subsequent Token calls fail with a
// credential_expired fault until the actor re-authorizes.
func (s *Store) Revoke(ctx context.Context, actorID int64) error {
	if err := s.db.WithContext(ctx).
		Where("actor_id = ?", actorID).
		Delete(&ActorCredential{}).
		Error; err != nil {
		return faults.Internal(opRevoke, "credential_delete_failed", err).
			WithEntities(actorEntity(actorID))
	}
	s.logger.Info("actor credential revoked", zap.Int64("actor_id", actorID))
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// refresh performs the refresh-token grant and updates the row in place.
// Transport failures retry once; a 4xx from the token endpoint means the
// refresh token is dead, so the row is deleted and the actor must re-authorize.
func (s *Store) refresh(ctx context.Context, credential ActorCredential) (ActorCredential, error) {
	payload, err := s.requestRefresh(ctx, credential)
	if faults.IsRetryable(err) {
		s.logger.Warn("token refresh retrying after transport failure",
			zap.Int64("actor_id", credential.ActorID), zap.Error(err))
		payload, err = s.requestRefresh(ctx, credential)
	}
	if err != nil {
		if faults.KindOf(err) == faults.KindCredentialExpired {
			if deleteErr := s.db.WithContext(ctx).
				Where("actor_id = ?", credential.ActorID).
				Delete(&ActorCredential{}).
				Error; deleteErr != nil {
				s.logger.Error("failed to delete dead credential",
					zap.Int64("actor_id", credential.ActorID), zap.Error(deleteErr))
			}
		}
		return ActorCredential{}, err
	}

	updated := ActorCredential{
		ActorID:      credential.ActorID,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    s.clock().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second),
		Scopes:       payload.Scope,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = credential.RefreshToken
	}
	if updated.Scopes == "" {
		updated.Scopes = credential.Scopes
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "actor_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"access_token":  updated.AccessToken,
			"refresh_token": updated.RefreshToken,
			"expires_at":    updated.ExpiresAt,
			"scopes":        updated.Scopes,
		}),
	}).Create(&updated).Error; err != nil {
		return ActorCredential{}, faults.Internal(opRefresh, "credential_update_failed", err).
			WithEntities(actorEntity(credential.ActorID))
	}

	s.logger.Info("actor credential refreshed",
		zap.Int64("actor_id", credential.ActorID),
		zap.Time("expires_at", updated.ExpiresAt))
	return updated, nil
}

func (s *Store) requestRefresh(ctx context.Context, credential ActorCredential) (tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", credential.RefreshToken)
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, faults.Internal(opRefresh, "request_build_failed", err).
			WithEntities(actorEntity(credential.ActorID))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := s.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, faults.Transport(opRefresh, "request_failed", err).
			WithEntities(actorEntity(credential.ActorID))
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
		// fall through to decode
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return tokenResponse{}, faults.CredentialExpired(opRefresh, "refresh_rejected",
			fmt.Errorf("token endpoint returned status %d", response.StatusCode)).
			WithEntities(actorEntity(credential.ActorID))
	default:
		return tokenResponse{}, faults.Transport(opRefresh, "unexpected_status",
			fmt.Errorf("token endpoint returned status %d", response.StatusCode)).
			WithEntities(actorEntity(credential.ActorID))
	}

	var payload tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return tokenResponse{}, faults.Validation(opRefresh, "malformed_payload", err).
			WithEntities(actorEntity(credential.ActorID))
	}
	if payload.AccessToken == "" {
		return tokenResponse{}, faults.Validation(opRefresh, "malformed_payload",
			errors.New("token endpoint response missing access_token")).
			WithEntities(actorEntity(credential.ActorID))
	}
	return payload, nil
}

func actorEntity(actorID int64) string {
	return "actor:" + strconv.FormatInt(actorID, 10)
}
