package tool

import (
	"context"
	"reflect"
	"testing"
)

func echoTool(name string) Tool {
	return Func{
		ToolName: name,
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return input, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(echoTool("search"))
	if err := r.Register(echoTool("scrape")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	got, ok := r.Get("scrape")
	if !ok {
		t.Fatal("Get(scrape) not found")
	}
	out, err := got.Execute(context.Background(), map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !reflect.DeepEqual(out, map[string]any{"k": "v"}) {
		t.Errorf("Execute() = %v", out)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found phantom tool")
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := NewRegistry(echoTool("search"))
	if err := r.Register(echoTool("search")); err == nil {
		t.Fatal("duplicate Register() succeeded")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry(echoTool("b"), echoTool("a"), echoTool("c"))
	want := []string{"a", "b", "c"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}
