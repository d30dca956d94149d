package cache

import (
	"context"
	"testing"
)

func TestMapProviderGetSetClear(t *testing.T) {
	ctx := context.Background()
	p := NewMapProvider()

	if _, found, err := p.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found=%v err=%v, want found=false", found, err)
	}

	if err := p.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, found, err := p.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Fatalf("Get(k) = %q, %v, %v; want v, true, nil", v, found, err)
	}

	if err := p.Clear(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := p.Get(ctx, "k"); found {
		t.Fatalf("key still present after Clear")
	}
}

func TestMapProviderClearIdempotent(t *testing.T) {
	p := NewMapProvider()
	ctx := context.Background()
	if err := p.Clear(ctx, "never-set"); err != nil {
		t.Fatalf("Clear on absent key must be idempotent, got %v", err)
	}
}
