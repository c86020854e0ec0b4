package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "alertpipe/pkg/logx"
)

func TestFileStoreCooldownRoundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "state")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	ctx := context.Background()
	base := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	if err := st.PutCooldown(ctx, "SUPPORT_6600", base); err != nil {
		t.Fatalf("PutCooldown error: %v", err)
	}
	if err := st.PutCooldown(ctx, "RESIST_7000", base.Add(-time.Hour)); err != nil {
		t.Fatalf("PutCooldown error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Reopen: the journal must survive the restart.
	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st.Close()

	got, err := st.RecentCooldowns(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("RecentCooldowns error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentCooldowns = %v, want only the recent key", got)
	}
	at, ok := got["SUPPORT_6600"]
	if !ok || !at.Equal(base) {
		t.Fatalf("SUPPORT_6600 = %v/%v, want %v", at, ok, base)
	}
}

func TestFileStoreDeliveryJournal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	e := DeliveryEntry{
		Sink:     "webhook",
		Priority: 2,
		Category: "price",
		Attempts: 1,
		Outcome:  OutcomeDelivered,
	}
	if err := st.AppendDelivery(context.Background(), e); err != nil {
		t.Fatalf("AppendDelivery error: %v", err)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v/%v, want nil/nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
