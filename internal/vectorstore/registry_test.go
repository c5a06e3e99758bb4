package vectorstore

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("embedded", NewEmbeddedStore())

	d, err := reg.Get("embedded")
	if err != nil {
		t.Fatalf("Get(embedded) error = %v", err)
	}
	if d.Kind() != "embedded" {
		t.Errorf("Kind() = %q, want embedded", d.Kind())
	}

	if _, err := reg.Get("pgvector"); err == nil {
		t.Error("Get(pgvector) on empty registry should fail")
	}
}

func TestRegistry_HealthCheckAll(t *testing.T) {
	reg := NewRegistry()
	reg.Register("embedded", NewEmbeddedStore())
	reg.Register("down", &downIndex{})

	results := reg.HealthCheckAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("HealthCheckAll() = %d entries, want 2", len(results))
	}
	if results["embedded"] != nil {
		t.Errorf("embedded health = %v, want nil", results["embedded"])
	}
	if _, ok := results["down"]; !ok {
		t.Error("down driver missing from fan-out")
	}
}

// brokenIndex always fails its health check.
type brokenIndex struct {
	downIndex
}

func (b *brokenIndex) HealthCheck(ctx context.Context) error {
	return errors.New("backend unreachable")
}

func TestRegistry_HealthCheckAll_ReportsFailures(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", &brokenIndex{})

	results := reg.HealthCheckAll(context.Background())
	if results["broken"] == nil {
		t.Error("broken driver reported healthy")
	}
}
