package main

import (
	"testing"
	"time"
)

func TestBanManagerLifecycle(t *testing.T) {
	cfg := BanningConfig{Enabled: true, InvalidPercent: 50, CheckThreshold: 10}
	bm := NewBanManager(cfg, 50*time.Millisecond)

	if bm.IsBanned("10.0.0.1") {
		t.Fatal("fresh manager must not report bans")
	}
	bm.Add("10.0.0.1")
	if !bm.IsBanned("10.0.0.1") {
		t.Fatal("added address must be banned")
	}
	if bm.Count() != 1 {
		t.Fatalf("count = %d", bm.Count())
	}

	time.Sleep(60 * time.Millisecond)
	if bm.IsBanned("10.0.0.1") {
		t.Fatal("expired entry must not be banned")
	}
}

func TestBanManagerPurge(t *testing.T) {
	cfg := BanningConfig{Enabled: true}
	bm := NewBanManager(cfg, 10*time.Millisecond)
	bm.Add("10.0.0.2")
	bm.Add("10.0.0.3")
	time.Sleep(20 * time.Millisecond)
	bm.purge()
	if bm.Count() != 0 {
		t.Fatalf("purge left %d entries", bm.Count())
	}
}

func TestBanManagerDisabled(t *testing.T) {
	bm := NewBanManager(BanningConfig{Enabled: false}, time.Minute)
	bm.Add("10.0.0.4")
	if bm.IsBanned("10.0.0.4") {
		t.Fatal("disabled manager must never ban")
	}
}
