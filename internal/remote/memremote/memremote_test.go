package memremote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCache_SetGetDelete(t *testing.T) {
	c := New()
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "k"); found || err != nil {
		t.Fatalf("Get() on empty cache = found %v, err %v", found, err)
	}

	if err := c.SetWithTTL(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	got, found, err := c.Get(ctx, "k")
	if err != nil || !found || string(got) != "v" {
		t.Fatalf("Get() = %q, %v, %v; want v, true, nil", got, found, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() of absent key error = %v", err)
	}
	if c.Contains("k") {
		t.Error("key still present after Delete")
	}
}

func TestCache_TTL(t *testing.T) {
	now := time.Unix(5000, 0)
	c := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	c.SetWithTTL(ctx, "short", []byte("v"), 10*time.Second)
	c.SetWithTTL(ctx, "forever", []byte("v"), 0)

	rem, known, err := c.TTL(ctx, "short")
	if err != nil || !known || rem != 10*time.Second {
		t.Errorf("TTL(short) = %v, %v, %v; want 10s, true, nil", rem, known, err)
	}
	if _, known, _ := c.TTL(ctx, "forever"); known {
		t.Error("TTL(forever) should be unknown")
	}
	if _, known, _ := c.TTL(ctx, "absent"); known {
		t.Error("TTL(absent) should be unknown")
	}

	now = now.Add(10 * time.Second)
	if _, found, _ := c.Get(ctx, "short"); found {
		t.Error("short should have expired")
	}
	if _, found, _ := c.Get(ctx, "forever"); !found {
		t.Error("forever should not expire")
	}
}

func TestCache_Fail(t *testing.T) {
	c := New()
	ctx := context.Background()
	c.Fail()

	if _, _, err := c.Get(ctx, "k"); !errors.Is(err, ErrInjected) {
		t.Errorf("Get() error = %v, want ErrInjected", err)
	}
	if err := c.SetWithTTL(ctx, "k", nil, 0); !errors.Is(err, ErrInjected) {
		t.Errorf("SetWithTTL() error = %v, want ErrInjected", err)
	}

	c.Recover()
	if err := c.SetWithTTL(ctx, "k", []byte("v"), 0); err != nil {
		t.Errorf("SetWithTTL() after Recover error = %v", err)
	}
}
