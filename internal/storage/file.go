package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "alertpipe/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl         (append-only JSON Lines)
//   - <prefix>.cooldowns.snapshot.json  (periodic snapshot)
//   - <prefix>.cooldowns.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	snapshotPath string
	journalFile  *os.File
	cooldowns    map[string]int64 // unix milli of last fire

	journalWrites int
}

// compactEvery bounds journal growth between snapshot rewrites.
const compactEvery = 256

type cooldownRecord struct {
	Key     string `json:"key"`
	FiredAt int64  `json:"fired_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".cooldowns.snapshot.json"
	journalPath := prefix + ".cooldowns.journal.jsonl"

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load cooldowns from snapshot + journal.
	cooldowns := map[string]int64{}
	_ = loadCooldownSnapshot(snapPath, cooldowns)
	_ = replayCooldownJournal(journalPath, cooldowns)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		deliveryFile: df,
		snapshotPath: snapPath,
		journalFile:  jf,
		cooldowns:    cooldowns,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveryFile != nil {
		err1 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery journal closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(e)
}

func (s *fileStore) PutCooldown(ctx context.Context, key string, firedAt time.Time) error {
	_ = ctx
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("cooldown journal closed")
	}

	ms := firedAt.UnixMilli()
	s.cooldowns[key] = ms
	rec := cooldownRecord{Key: key, FiredAt: ms}
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}

	s.journalWrites++
	if s.journalWrites >= compactEvery {
		s.journalWrites = 0
		if err := s.compactLocked(); err != nil {
			s.log.Warn("cooldown snapshot compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentCooldowns(ctx context.Context, since time.Time) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]time.Time{}
	cutoff := since.UnixMilli()
	for key, ms := range s.cooldowns {
		if ms >= cutoff {
			out[key] = time.UnixMilli(ms)
		}
	}
	return out, nil
}

// compactLocked rewrites the snapshot from memory and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(s.cooldowns)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 0)
	return err
}

func loadCooldownSnapshot(path string, into map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &into)
}

func replayCooldownJournal(path string, into map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec cooldownRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail writes are expected after a crash; stop replaying.
			break
		}
		if rec.Key != "" {
			into[rec.Key] = rec.FiredAt
		}
	}
	return sc.Err()
}
