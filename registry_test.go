package apps

import (
	"context"
	"log/slog"
	"testing"
)

func TestInstanceRegistry_GetSet(t *testing.T) {
	r := newInstanceRegistry(slog.Default())
	r.ensure("inst-1", "ui://test")

	if _, ok := r.Get("inst-1"); ok {
		t.Error("expected no state before first Set")
	}

	r.Set("inst-1", "first")
	r.Set("inst-1", "second")

	got, ok := r.Get("inst-1")
	if !ok {
		t.Fatal("expected state after Set")
	}
	if got != "second" {
		t.Errorf("Get() = %v, want %q", got, "second")
	}
}

func TestInstanceRegistry_SetUnknownInstanceDropped(t *testing.T) {
	r := newInstanceRegistry(slog.Default())

	// A write racing a destroy must not resurrect the instance.
	r.Set("ghost", "state")

	if r.Has("ghost") {
		t.Error("Set() must not create an instance")
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("expected no state for unknown instance")
	}
}

func TestInstanceRegistry_Destroy(t *testing.T) {
	r := newInstanceRegistry(slog.Default())
	r.ensure("inst-1", "ui://test")
	r.Set("inst-1", "final")

	var observedID string
	var observedState any
	calls := 0
	r.OnDestroy(func(instanceID string, lastState any) {
		observedID = instanceID
		observedState = lastState
		calls++
	})

	if !r.Destroy("inst-1") {
		t.Fatal("Destroy() = false, want true for existing instance")
	}
	if r.Has("inst-1") {
		t.Error("instance still exists after Destroy")
	}
	if observedID != "inst-1" {
		t.Errorf("observer got instanceID %q, want %q", observedID, "inst-1")
	}
	if observedState != "final" {
		t.Errorf("observer got state %v, want %q", observedState, "final")
	}

	if r.Destroy("inst-1") {
		t.Error("second Destroy() = true, want false")
	}
	if calls != 1 {
		t.Errorf("observer fired %d times, want 1", calls)
	}
}

func TestInstanceRegistry_DestroyClosesChannel(t *testing.T) {
	r := newInstanceRegistry(slog.Default())
	r.ensure("inst-1", "ui://test")

	var closedID string
	r.channelCloser = func(instanceID string) bool {
		closedID = instanceID
		return true
	}

	r.Destroy("inst-1")
	if closedID != "inst-1" {
		t.Errorf("channel closer got %q, want %q", closedID, "inst-1")
	}
}

func TestInstanceRegistry_EnsureRecreatesDestroyed(t *testing.T) {
	r := newInstanceRegistry(slog.Default())
	r.ensure("inst-1", "ui://test")
	r.Set("inst-1", "old")
	r.Destroy("inst-1")

	// An explicitly routed call referencing a destroyed id recreates it fresh.
	r.ensure("inst-1", "ui://test")
	if !r.Has("inst-1") {
		t.Fatal("expected instance to exist after re-ensure")
	}
	if _, ok := r.Get("inst-1"); ok {
		t.Error("recreated instance must start with no state")
	}
}

func TestRegistryState(t *testing.T) {
	r := newInstanceRegistry(slog.Default())
	r.ensure("inst-1", "ui://test")
	r.Set("inst-1", 42)

	got, ok := RegistryState[int](r, "inst-1")
	if !ok {
		t.Fatal("expected typed state")
	}
	if got != 42 {
		t.Errorf("RegistryState() = %d, want 42", got)
	}

	if _, ok := RegistryState[string](r, "inst-1"); ok {
		t.Error("expected type mismatch to report false")
	}
}

func TestInstanceResolver_CallerIDWins(t *testing.T) {
	r := newInstanceResolver(slog.Default())
	caps := SessionCapabilities{SupportsMultiInstance: true, Dialect: DialectStructured}

	got, fresh := r.resolve(context.Background(), "ui://test", "explicit-id", MultiInstance, caps)
	if got != "explicit-id" {
		t.Errorf("resolve() = %q, want caller-supplied id", got)
	}
	if fresh {
		t.Error("caller-supplied id must not be reported fresh")
	}
}

func TestInstanceResolver_MultiInstanceMintsFresh(t *testing.T) {
	r := newInstanceResolver(slog.Default())
	caps := SessionCapabilities{SupportsMultiInstance: true, Dialect: DialectStructured}

	first, _ := r.resolve(context.Background(), "ui://test", "", MultiInstance, caps)
	second, _ := r.resolve(context.Background(), "ui://test", "", MultiInstance, caps)
	if first == second {
		t.Error("expected a fresh id per call for multi-instance on a capable session")
	}
}

func TestInstanceResolver_SingletonBindingStable(t *testing.T) {
	r := newInstanceResolver(slog.Default())
	noMulti := SessionCapabilities{SupportsMultiInstance: false, Dialect: DialectText}

	first, fresh := r.resolve(context.Background(), "ui://test", "", MultiInstance, noMulti)
	if !fresh {
		t.Error("first singleton resolution should mint a fresh id")
	}
	second, fresh := r.resolve(context.Background(), "ui://test", "", MultiInstance, noMulti)
	if fresh {
		t.Error("second singleton resolution should reuse the binding")
	}
	if first != second {
		t.Errorf("singleton binding not stable: %q then %q", first, second)
	}

	// A singleton resource collapses even on a multi-capable session.
	multi := SessionCapabilities{SupportsMultiInstance: true, Dialect: DialectStructured}
	third, _ := r.resolve(context.Background(), "ui://test", "", Singleton, multi)
	if third != first {
		t.Errorf("singleton resource resolved to %q, want binding %q", third, first)
	}
}

func TestInstanceResolver_DropBinding(t *testing.T) {
	r := newInstanceResolver(slog.Default())
	caps := SessionCapabilities{SupportsMultiInstance: false, Dialect: DialectBoth}

	first, _ := r.resolve(context.Background(), "ui://test", "", Singleton, caps)
	r.dropBinding(first)
	second, fresh := r.resolve(context.Background(), "ui://test", "", Singleton, caps)

	if !fresh {
		t.Error("expected a fresh binding after dropBinding")
	}
	if first == second {
		t.Error("expected a different id after dropBinding")
	}
}

func TestNewInstanceID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := newInstanceID()
		if id == "" {
			t.Fatal("newInstanceID() returned empty id")
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate instance id %q", id)
		}
		seen[id] = struct{}{}
	}
}
