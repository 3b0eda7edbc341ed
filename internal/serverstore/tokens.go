package serverstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrTokenInvalid is returned when a bearer token has no matching,
// unrevoked device_tokens row.
var ErrTokenInvalid = errors.New("serverstore: invalid or revoked token")

// IssueToken provisions a new device, generating a random device_id
// (a v4 UUID, so forwarders and receivers never collide on identity
// even when provisioned offline) and a random bearer token. Only the
// token's SHA-256 hash is stored, matching AuthenticateToken's lookup;
// the plaintext token is returned once, for the operator to copy into
// that device's config.
func (s *Store) IssueToken(ctx context.Context, deviceType string) (deviceID, token string, err error) {
	deviceID = uuid.NewString()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("serverstore: generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(token))

	_, err = s.pool.Exec(ctx, `
		INSERT INTO device_tokens (token_hash, device_id, device_type)
		VALUES ($1, $2, $3)
	`, hash[:], deviceID, deviceType)
	if err != nil {
		return "", "", fmt.Errorf("serverstore: issue token: %w", err)
	}
	return deviceID, token, nil
}

// RevokeToken marks every token issued to deviceID as revoked,
// matching AuthenticateToken's `revoked_at IS NULL` filter.
func (s *Store) RevokeToken(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_tokens SET revoked_at = now()
		WHERE device_id = $1 AND revoked_at IS NULL
	`, deviceID)
	if err != nil {
		return fmt.Errorf("serverstore: revoke token: %w", err)
	}
	return nil
}

// DeviceIdentity is the result of a successful token lookup.
type DeviceIdentity struct {
	DeviceID   string
	DeviceType string
}

// AuthenticateToken hashes token with SHA-256 and looks it up against
// device_tokens, per spec.md §4.4 ("authenticating the bearer token
// (SHA-256 lookup against device_tokens)").
func (s *Store) AuthenticateToken(ctx context.Context, token string) (DeviceIdentity, error) {
	hash := sha256.Sum256([]byte(token))

	var ident DeviceIdentity
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, device_type FROM device_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, hash[:]).Scan(&ident.DeviceID, &ident.DeviceType)

	if errors.Is(err, pgx.ErrNoRows) {
		return DeviceIdentity{}, ErrTokenInvalid
	}
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("serverstore: authenticate token: %w", err)
	}
	return ident, nil
}
