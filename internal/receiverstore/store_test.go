package receiverstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rustytimer/rusty-timer/internal/streamkey"
	"github.com/rustytimer/rusty-timer/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receiver.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadProfile_NoneSaved(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadProfile(context.Background())
	if !errors.Is(err, ErrNoProfile) {
		t.Fatalf("err = %v, want ErrNoProfile", err)
	}
}

func TestSaveAndLoadProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := Profile{
		ServerURL: "https://race.example.com",
		Token:     "secret-token",
		Mode: wire.Mode{
			Kind:    wire.ModeLive,
			Streams: []streamkey.Key{{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}},
		},
		PortOverrides: map[string]int{"fwd-1@10.0.0.5": 12345},
	}
	if err := s.SaveProfile(ctx, want); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := s.LoadProfile(ctx)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if got.ServerURL != want.ServerURL || got.Token != want.Token {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if got.Mode.Kind != wire.ModeLive || len(got.Mode.Streams) != 1 {
		t.Fatalf("mode not round-tripped: %+v", got.Mode)
	}
	if got.PortOverrides["fwd-1@10.0.0.5"] != 12345 {
		t.Fatalf("port overrides not round-tripped: %+v", got.PortOverrides)
	}

	// Saving again should update, not duplicate, the singleton row.
	want.Token = "rotated-token"
	if err := s.SaveProfile(ctx, want); err != nil {
		t.Fatalf("SaveProfile (update): %v", err)
	}
	got, err = s.LoadProfile(ctx)
	if err != nil {
		t.Fatalf("LoadProfile (after update): %v", err)
	}
	if got.Token != "rotated-token" {
		t.Fatalf("Token = %q, want rotated-token", got.Token)
	}
}

func TestCursors_UpsertAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := streamkey.Key{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5"}

	if err := s.UpsertCursor(ctx, key, 1, 10); err != nil {
		t.Fatalf("UpsertCursor: %v", err)
	}
	if err := s.UpsertCursor(ctx, key, 1, 20); err != nil {
		t.Fatalf("UpsertCursor (update): %v", err)
	}

	cursors, err := s.LoadCursors(ctx)
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	c, ok := cursors[key.String()]
	if !ok {
		t.Fatalf("cursor for %s not found: %+v", key, cursors)
	}
	if c.Epoch != 1 || c.LastSeq != 20 {
		t.Fatalf("cursor = %+v, want epoch=1 last_seq=20", c)
	}
}
