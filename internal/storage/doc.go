// Package storage persists the little state the dispatch core needs across
// restarts: the delivery journal (diagnostics) and cooldown fire times
// (so a restart does not re-fire suppressed alerts).
package storage
