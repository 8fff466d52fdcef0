package main

import (
	"context"
	"sync"
	"time"
)

// BanManager is the process-wide table of banned remote addresses. Entries
// expire after the configured ban window and a background sweep purges
// them.
type BanManager struct {
	cfg     BanningConfig
	banTime time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewBanManager(cfg BanningConfig, banTime time.Duration) *BanManager {
	return &BanManager{
		cfg:     cfg,
		banTime: banTime,
		entries: make(map[string]time.Time),
	}
}

func (b *BanManager) Enabled() bool { return b.cfg.Enabled }

func (b *BanManager) Add(addr string) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	b.entries[addr] = time.Now()
	b.mu.Unlock()
	logger.Warn("banned address", "remote", addr, "duration", b.banTime)
}

// IsBanned reports whether addr is inside its ban window; expired entries
// are dropped on sight.
func (b *BanManager) IsBanned(addr string) bool {
	if !b.cfg.Enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	start, ok := b.entries[addr]
	if !ok {
		return false
	}
	if time.Since(start) > b.banTime {
		delete(b.entries, addr)
		return false
	}
	return true
}

func (b *BanManager) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// StartPurge sweeps expired entries until ctx is done.
func (b *BanManager) StartPurge(ctx context.Context, interval time.Duration) {
	if !b.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.purge()
			}
		}
	}()
}

func (b *BanManager) purge() {
	now := time.Now()
	b.mu.Lock()
	for addr, start := range b.entries {
		if now.Sub(start) > b.banTime {
			delete(b.entries, addr)
		}
	}
	b.mu.Unlock()
}
