package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func namedTool(name string, category Category, priority int) *Tool {
	return &Tool{
		Name:     name,
		Category: category,
		Priority: priority,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(namedTool("a", CategoryFile, 0)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool := reg.Get("a")
	if tool == nil {
		t.Fatal("Get returned nil")
	}
	if tool.Priority != 50 {
		t.Fatalf("default priority not applied: %d", tool.Priority)
	}
	if reg.Get("missing") != nil {
		t.Fatal("Get for unknown name should return nil")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(namedTool("a", CategoryFile, 0))

	err := reg.Register(namedTool("a", CategorySearch, 0))
	if !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Fatalf("expected ErrToolAlreadyRegistered, got %v", err)
	}
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&Tool{Name: "", Execute: nil}); err == nil {
		t.Fatal("nameless tool should be rejected")
	}
	if err := reg.Register(&Tool{Name: "noop"}); err == nil {
		t.Fatal("tool without executor should be rejected")
	}
}

func TestRegistryFreeze(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(namedTool("a", CategoryFile, 0))
	reg.Freeze()

	err := reg.Register(namedTool("b", CategoryFile, 0))
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if !reg.Has("a") {
		t.Fatal("existing tools remain readable after freeze")
	}
}

func TestRegistryGetByCategoryOrdersByPriority(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(namedTool("low", CategorySearch, 10))
	reg.MustRegister(namedTool("high", CategorySearch, 90))
	reg.MustRegister(namedTool("other", CategoryFile, 50))

	got := reg.GetByCategory(CategorySearch)
	if len(got) != 2 || got[0].Name != "high" || got[1].Name != "low" {
		names := make([]string, len(got))
		for i, tool := range got {
			names[i] = tool.Name
		}
		t.Fatalf("order %v", names)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(namedTool("zeta", CategoryFile, 0))
	reg.MustRegister(namedTool("alpha", CategoryFile, 0))

	if diff := cmp.Diff([]string{"alpha", "zeta"}, reg.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if reg.Count() != 2 {
		t.Fatalf("count %d", reg.Count())
	}
}
