package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery outcomes recorded in the journal.
const (
	OutcomeDelivered = "delivered"
	OutcomeDropped   = "dropped"
)

// DeliveryEntry records one terminal dispatch outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At          time.Time
	Sink        string
	Priority    int
	Category    string
	CooldownKey string
	Attempts    int
	Outcome     string
	Error       string
}
