package zcl

import (
	"log/slog"
	"os"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := NewRegistry(logger)

	c := ClusterDef{
		ID:   0x0102,
		Name: "Window Covering",
		Attributes: []AttributeDef{
			{ID: 0x000A, Name: "OperationalStatus", Type: TypeBitmap8, Access: AccessRead},
		},
	}
	r.Register(c)

	got := r.Get(0x0102)
	if got == nil {
		t.Fatal("cluster not found")
	}
	if got.Name != "Window Covering" {
		t.Errorf("name = %q, want %q", got.Name, "Window Covering")
	}
	if len(got.Attributes) != 1 {
		t.Errorf("attrs = %d, want 1", len(got.Attributes))
	}
}

func TestRegistryMerge(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := NewRegistry(logger)

	r.Register(ClusterDef{
		ID:   0x0102,
		Name: "Window Covering",
		Attributes: []AttributeDef{
			{ID: 0x0000, Name: "WindowCoveringType", Type: TypeEnum8, Access: AccessRead},
		},
	})

	// Vendor overlay keeps the manufacturer code on merged attributes.
	r.Register(ClusterDef{
		ID: 0x0102,
		Attributes: []AttributeDef{
			{ID: 0x1002, Name: "TotalSteps", Type: TypeUint16, Access: AccessRead | AccessWrite, Manufacturer: 0x10F2},
		},
	})

	got := r.Get(0x0102)
	if len(got.Attributes) != 2 {
		t.Errorf("after merge: attrs = %d, want 2", len(got.Attributes))
	}

	attr := got.FindAttribute(0x1002)
	if attr == nil {
		t.Fatal("merged attribute not found")
	}
	if attr.Manufacturer != 0x10F2 {
		t.Errorf("manufacturer = 0x%04X, want 0x10F2", attr.Manufacturer)
	}
}

func TestRegistryAll(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := NewRegistry(logger)

	r.Register(ClusterDef{ID: 1, Name: "A"})
	r.Register(ClusterDef{ID: 2, Name: "B"})
	r.Register(ClusterDef{ID: 3, Name: "C"})

	all := r.All()
	if len(all) != 3 {
		t.Errorf("got %d clusters, want 3", len(all))
	}
}
