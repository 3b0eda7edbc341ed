package receiverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rustytimer/rusty-timer/internal/wire"
)

// ErrNoProfile is returned by LoadProfile when the Receiver has never
// been configured (operator hasn't run PUT /api/v1/profile yet).
var ErrNoProfile = errors.New("receiverstore: no profile saved")

// Profile is the Receiver's persisted connection configuration,
// mirroring spec.md §4.6's "profile (server URL, token, selection,
// replay policy)".
type Profile struct {
	ServerURL string
	Token     string
	Mode      wire.Mode
	// PortOverrides maps a stream key string to an operator-chosen
	// local TCP port, taking priority over the derived-port rules.
	PortOverrides map[string]int
}

// LoadProfile returns the single persisted profile row, or
// ErrNoProfile if none has been saved yet.
func (s *Store) LoadProfile(ctx context.Context) (Profile, error) {
	var (
		p             Profile
		modeJSON      string
		overridesJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT server_url, token, mode_json, port_overrides FROM profile WHERE id = 1
	`).Scan(&p.ServerURL, &p.Token, &modeJSON, &overridesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNoProfile
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}

	if modeJSON != "" {
		if err := json.Unmarshal([]byte(modeJSON), &p.Mode); err != nil {
			return Profile{}, fmt.Errorf("decode stored mode: %w", err)
		}
	}
	p.PortOverrides = make(map[string]int)
	if overridesJSON != "" && overridesJSON != "{}" {
		if err := json.Unmarshal([]byte(overridesJSON), &p.PortOverrides); err != nil {
			return Profile{}, fmt.Errorf("decode stored port overrides: %w", err)
		}
	}
	return p, nil
}

// SaveProfile upserts the single profile row.
func (s *Store) SaveProfile(ctx context.Context, p Profile) error {
	modeJSON, err := json.Marshal(p.Mode)
	if err != nil {
		return fmt.Errorf("encode mode: %w", err)
	}
	overrides := p.PortOverrides
	if overrides == nil {
		overrides = map[string]int{}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode port overrides: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profile (id, server_url, token, mode_json, port_overrides)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			server_url = excluded.server_url,
			token = excluded.token,
			mode_json = excluded.mode_json,
			port_overrides = excluded.port_overrides
	`, p.ServerURL, p.Token, string(modeJSON), string(overridesJSON))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}
