package embeddings

import (
	"context"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("local", NewLocalDriver(64))

	d, err := reg.Get("local")
	if err != nil {
		t.Fatalf("Get(local) error = %v", err)
	}
	if d.Dimensions() != 64 {
		t.Errorf("Dimensions() = %d, want 64", d.Dimensions())
	}

	if _, err := reg.Get("openai"); err == nil {
		t.Error("Get(openai) on empty registry should fail")
	}
}

func TestRegistry_HealthCheckAll(t *testing.T) {
	reg := NewRegistry()
	reg.Register("local", NewLocalDriver(8))

	results := reg.HealthCheckAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("HealthCheckAll() = %d entries, want 1", len(results))
	}
	if results["local"] != nil {
		t.Errorf("local health = %v, want nil", results["local"])
	}
}
