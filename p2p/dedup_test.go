package p2p

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupAllowsConfiguredOccurrences(t *testing.T) {
	cache, err := newDedupCache(128, 2, time.Hour)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	msg := []byte("tx-1234")
	if !cache.Observe(msg) {
		t.Fatal("first occurrence dropped")
	}
	if !cache.Observe(msg) {
		t.Fatal("second occurrence dropped with allowed=2")
	}
	if cache.Observe(msg) {
		t.Fatal("third occurrence passed with allowed=2")
	}
	if !cache.Observe([]byte("tx-5678")) {
		t.Fatal("unrelated message dropped")
	}
}

func TestDedupCapacityEviction(t *testing.T) {
	cache, err := newDedupCache(4, 1, time.Hour)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	first := []byte("msg-0")
	cache.Observe(first)
	for i := 1; i <= 4; i++ {
		cache.Observe([]byte(fmt.Sprintf("msg-%d", i)))
	}
	// The oldest digest was evicted, so a repeat looks new again.
	if !cache.Observe(first) {
		t.Fatal("evicted digest still counted as duplicate")
	}
}

func TestDedupTrimExpiresOldEntries(t *testing.T) {
	cache, err := newDedupCache(128, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cache.Close()

	msg := []byte("gossip")
	cache.Observe(msg)
	if cache.Observe(msg) {
		t.Fatal("immediate repeat passed")
	}
	cache.trim(time.Now().Add(time.Minute))
	if !cache.Observe(msg) {
		t.Fatal("repeat after trim still counted as duplicate")
	}
}
