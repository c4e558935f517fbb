package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BotToken is a tenant's bot user token. Fields are plaintext in memory.
type BotToken struct {
	TenantID     int64
	Platform     string
	BotUserID    string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// tokenAAD binds ciphertext to its tenant row so it cannot be swapped.
func tokenAAD(tenantID int64) string { return "oauth_tokens:" + strconv.FormatInt(tenantID, 10) }

// SaveBotToken stores or replaces a tenant's bot token. When a keyring is
// configured tokens are encrypted under its active key
// (encryption_version=1); otherwise they are stored as-is (version 0).
func (s *Store) SaveBotToken(ctx context.Context, tok BotToken) error {
	access, refresh, version, keyID, err := s.sealToken(tok)
	if err != nil {
		return err
	}
	var expiry any
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens
			(tenant_id, platform, bot_user_id, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			bot_user_id = EXCLUDED.bot_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			encryption_version = EXCLUDED.encryption_version,
			encryption_key_id = EXCLUDED.encryption_key_id,
			updated_at = NOW()`,
		tok.TenantID, tok.Platform, tok.BotUserID, access, refresh, expiry, tok.Scope, version, keyID)
	return err
}

func (s *Store) sealToken(tok BotToken) (access, refresh string, version int, keyID string, err error) {
	if s.Keys == nil {
		return tok.AccessToken, tok.RefreshToken, 0, "", nil
	}
	aad := tokenAAD(tok.TenantID)
	access, keyID, err = s.Keys.EncryptString(tok.AccessToken, aad)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt access token: %w", err)
	}
	if tok.RefreshToken != "" {
		refresh, _, err = s.Keys.EncryptString(tok.RefreshToken, aad)
		if err != nil {
			return "", "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return access, refresh, 1, keyID, nil
}

// GetBotToken loads and decrypts a tenant's bot token, or returns ErrNotFound.
func (s *Store) GetBotToken(ctx context.Context, tenantID int64) (*BotToken, error) {
	tok := BotToken{TenantID: tenantID}
	var expiry sql.NullTime
	var version int
	var keyID string
	err := s.DB.QueryRowContext(ctx, `SELECT platform, bot_user_id, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id
		FROM oauth_tokens WHERE tenant_id = $1`, tenantID).
		Scan(&tok.Platform, &tok.BotUserID, &tok.AccessToken, &tok.RefreshToken, &expiry, &tok.Scope, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bot token for tenant %d: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	if version == 1 {
		if s.Keys == nil {
			return nil, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		aad := tokenAAD(tenantID)
		if tok.AccessToken, err = s.Keys.DecryptString(tok.AccessToken, keyID, aad); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken != "" {
			if tok.RefreshToken, err = s.Keys.DecryptString(tok.RefreshToken, keyID, aad); err != nil {
				return nil, fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return &tok, nil
}

// ListExpiringTokens returns tenant ids whose token expires before cutoff and
// can be refreshed.
func (s *Store) ListExpiringTokens(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT tenant_id FROM oauth_tokens
		WHERE refresh_token <> '' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReencryptTokens rewrites every token not already sealed under the active key.
// It returns the number of rows rewritten.
func (s *Store) ReencryptTokens(ctx context.Context) (int, error) {
	if s.Keys == nil {
		return 0, errors.New("no encryption keys configured")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT tenant_id FROM oauth_tokens
		WHERE encryption_version = 0 OR encryption_key_id <> $1 ORDER BY tenant_id`, s.Keys.ActiveID())
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		tok, err := s.GetBotToken(ctx, id)
		if err != nil {
			return n, fmt.Errorf("tenant %d: %w", id, err)
		}
		if err := s.SaveBotToken(ctx, *tok); err != nil {
			return n, fmt.Errorf("tenant %d: %w", id, err)
		}
		n++
	}
	return n, nil
}
