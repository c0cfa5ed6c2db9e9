// Package streaming gates playback access. Opaque tokens are issued per
// video, stored only as hashes in the TTL key-value store, and checked on
// every manifest, segment, and file request.
package streaming

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"coursecast/internal/errdefs"
	"coursecast/internal/kv"
	"coursecast/internal/models"
	"coursecast/internal/storage"
)

const (
	defaultTokenTTL    = 12 * time.Hour
	defaultTokenLength = 32
	tokenRecordGrace   = time.Hour

	tokenKeyPrefix = "coursecast:stream:token:"

	pepperSalt       = "coursecast-stream-tokens"
	pepperIterations = 120000
	pepperKeyLength  = 32
)

// Token permissions.
const (
	PermissionStream   = "stream"
	PermissionDownload = "download"
)

// TokenConfig tunes token issuance. When Secret is set, token hashes are
// keyed with a pbkdf2-derived pepper so a leaked store dump alone cannot be
// replayed against the API.
type TokenConfig struct {
	TTL         time.Duration
	TokenLength int
	Secret      string
	Logger      *slog.Logger
}

// TokenManager issues and validates streaming tokens.
type TokenManager struct {
	store       kv.Store
	catalog     storage.Repository
	ttl         time.Duration
	tokenLength int
	macKey      []byte
	logger      *slog.Logger
	clock       func() time.Time
}

func NewTokenManager(store kv.Store, catalog storage.Repository, cfg TokenConfig) *TokenManager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	length := cfg.TokenLength
	if length <= 0 {
		length = defaultTokenLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var macKey []byte
	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		macKey = pbkdf2.Key([]byte(secret), []byte(pepperSalt), pepperIterations, pepperKeyLength, sha256.New)
	}
	return &TokenManager{
		store:       store,
		catalog:     catalog,
		ttl:         ttl,
		tokenLength: length,
		macKey:      macKey,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source for tests.
func (m *TokenManager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

func (m *TokenManager) hashToken(token string) string {
	if len(m.macKey) > 0 {
		mac := hmac.New(sha256.New, m.macKey)
		mac.Write([]byte(token))
		return hex.EncodeToString(mac.Sum(nil))
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

func tokenKey(hash string) string { return tokenKeyPrefix + hash }

func generateTokenValue(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// IssueParams describes a token grant request.
type IssueParams struct {
	VideoID     string
	SubjectID   string
	Permissions []string
	TTL         time.Duration
}

func normalizePermissions(perms []string) ([]string, error) {
	if len(perms) == 0 {
		return []string{PermissionStream}, nil
	}
	seen := make(map[string]bool, len(perms))
	var normalized []string
	for _, perm := range perms {
		trimmed := strings.ToLower(strings.TrimSpace(perm))
		switch trimmed {
		case PermissionStream, PermissionDownload:
		default:
			return nil, errdefs.New(errdefs.KindValidation, "unknown permission %q", perm)
		}
		if !seen[trimmed] {
			seen[trimmed] = true
			normalized = append(normalized, trimmed)
		}
	}
	return normalized, nil
}

// Issue mints an opaque token for one video. The raw value is returned once;
// only its hash is stored.
func (m *TokenManager) Issue(ctx context.Context, params IssueParams) (string, models.StreamingToken, error) {
	if strings.TrimSpace(params.SubjectID) == "" {
		return "", models.StreamingToken{}, errdefs.New(errdefs.KindValidation, "subject id is required")
	}
	if _, ok := m.catalog.GetVideo(params.VideoID); !ok {
		return "", models.StreamingToken{}, errdefs.New(errdefs.KindNotFound, "video %s not found", params.VideoID)
	}
	permissions, err := normalizePermissions(params.Permissions)
	if err != nil {
		return "", models.StreamingToken{}, err
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}

	value, err := generateTokenValue(m.tokenLength)
	if err != nil {
		return "", models.StreamingToken{}, errdefs.Wrap(errdefs.KindInternal, err, "generate token")
	}
	grant := models.StreamingToken{
		VideoID:     params.VideoID,
		SubjectID:   params.SubjectID,
		Permissions: permissions,
		ExpiresAt:   m.clock().Add(ttl),
	}
	payload, err := json.Marshal(grant)
	if err != nil {
		return "", models.StreamingToken{}, errdefs.Wrap(errdefs.KindInternal, err, "encode token")
	}
	// The record outlives the grant so a late request reads Expired rather
	// than Forbidden.
	if err := m.store.Set(ctx, tokenKey(m.hashToken(value)), payload, ttl+tokenRecordGrace); err != nil {
		return "", models.StreamingToken{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "persist token")
	}
	m.logger.Info("streaming token issued",
		"video_id", grant.VideoID,
		"subject_id", grant.SubjectID,
		"expires_at", grant.ExpiresAt)
	return value, grant, nil
}

// Validate checks the token against a video and required permission.
func (m *TokenManager) Validate(ctx context.Context, token, videoID, permission string) (models.StreamingToken, error) {
	if strings.TrimSpace(token) == "" {
		return models.StreamingToken{}, errdefs.New(errdefs.KindForbidden, "streaming token required")
	}
	raw, err := m.store.Get(ctx, tokenKey(m.hashToken(token)))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return models.StreamingToken{}, errdefs.New(errdefs.KindForbidden, "invalid streaming token")
		}
		return models.StreamingToken{}, errdefs.Wrap(errdefs.KindUpstreamFailure, err, "load token")
	}
	var grant models.StreamingToken
	if err := json.Unmarshal(raw, &grant); err != nil {
		return models.StreamingToken{}, errdefs.Wrap(errdefs.KindInternal, err, "decode token")
	}
	if !m.clock().Before(grant.ExpiresAt) {
		return models.StreamingToken{}, errdefs.New(errdefs.KindExpired, "streaming token expired")
	}
	if grant.VideoID != videoID {
		return models.StreamingToken{}, errdefs.New(errdefs.KindForbidden, "token does not grant access to this video")
	}
	for _, perm := range grant.Permissions {
		if perm == permission {
			return grant, nil
		}
	}
	return models.StreamingToken{}, errdefs.New(errdefs.KindForbidden, "token lacks %s permission", permission)
}

// Revoke deletes the grant backing the given token.
func (m *TokenManager) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return errdefs.New(errdefs.KindValidation, "streaming token required")
	}
	if err := m.store.Delete(ctx, tokenKey(m.hashToken(token))); err != nil {
		return errdefs.Wrap(errdefs.KindUpstreamFailure, err, "revoke token")
	}
	return nil
}
