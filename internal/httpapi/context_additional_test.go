package httpapi

import (
	"context"
	"testing"
	"time"
)

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetBaseContext(ctx)
	// nolint:staticcheck // SA1012: this test intentionally passes nil to verify fallback behavior
	SetBaseContext(nil)
	cancel()
	if serverBaseCtx.Err() != nil {
		t.Fatal("base context should be Background after nil reset")
	}
}

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	for _, first := range []bool{true, false} {
		a, ac := context.WithCancel(context.Background())
		b, bc := context.WithCancel(context.Background())
		j, cancelJ := joinContexts(a, b)
		if first {
			ac()
		} else {
			bc()
		}
		select {
		case <-j.Done():
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("joined context did not cancel (first=%v)", first)
		}
		cancelJ()
		ac()
		bc()
	}
}

type ctxKey struct{}

func TestJoinContexts_KeepsValuesOfFirst(t *testing.T) {
	a := context.WithValue(context.Background(), ctxKey{}, "req")
	j, cancel := joinContexts(a, context.Background())
	defer cancel()
	if j.Value(ctxKey{}) != "req" {
		t.Fatal("request values lost")
	}
	cancel()
	if j.Err() == nil {
		t.Fatal("cancel func did not cancel")
	}
}
