// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_Allow(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Allow() = false on event %d, want true", i)
		}
	}

	if tb.Allow() {
		t.Error("Allow() = true with empty bucket, want false")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(10, 100)

	// Drain the bucket.
	if !tb.AllowN(10) {
		t.Fatal("AllowN(10) = false on full bucket")
	}
	if tb.Allow() {
		t.Fatal("Allow() = true on drained bucket")
	}

	// 100 tokens/s refills at least one token well within 100ms.
	time.Sleep(100 * time.Millisecond)
	if !tb.Allow() {
		t.Error("Allow() = false after refill window")
	}
}

func TestTokenBucket_CapacityClamp(t *testing.T) {
	tb := NewTokenBucket(5, 1000)

	time.Sleep(50 * time.Millisecond)
	if got := tb.Available(); got > 5 {
		t.Errorf("Available() = %d, want at most capacity 5", got)
	}
}

func TestLimiter_PerKey(t *testing.T) {
	l := NewLimiter(2, 1, 10)
	defer l.Close()

	// Draining one key must not affect another.
	if !l.Allow("error") || !l.Allow("error") {
		t.Fatal("Allow(error) exhausted prematurely")
	}
	if l.Allow("error") {
		t.Error("Allow(error) = true on drained key")
	}
	if !l.Allow("debug") {
		t.Error("Allow(debug) = false on fresh key")
	}

	if got := l.Keys(); got != 2 {
		t.Errorf("Keys() = %d, want 2", got)
	}
}

func TestLimiter_MaxKeys(t *testing.T) {
	l := NewLimiter(1, 1, 2)
	defer l.Close()

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("Allow() = false within maxKeys")
	}
	if l.Allow("c") {
		t.Error("Allow() = true beyond maxKeys, want false")
	}

	l.Remove("a")
	if !l.Allow("c") {
		t.Error("Allow() = false after Remove freed a slot")
	}
}
