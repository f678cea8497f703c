package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	return "", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, nil
}
func (m *mockEngine) EmbedBatch(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		for _, done := range []int64{10, 15, 40, 100} {
			cb(PullProgress{Status: "downloading", Total: 100, Completed: done})
		}
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"qwen2.5:3b": true, "nomic-embed-text": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "qwen2.5:3b", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"qwen2.5:3b": true},
	}
	err := EnsureReady(context.Background(), m, io.Discard, "qwen2.5:3b", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "qwen2.5:3b", "nomic-embed-text")
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q", err)
	}
}

func TestEnsureReady_SkipsBlankAndDuplicate(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, io.Discard, "nomic-embed-text", "", "nomic-embed-text")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 {
		t.Errorf("pulled = %v, want one pull", m.pulled)
	}
}

func TestEnsureReady_ProgressOutput(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	var buf bytes.Buffer
	if err := EnsureReady(context.Background(), m, &buf, "qwen2.5:3b"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	want := "model qwen2.5:3b: pulling...\n" +
		"  downloading 10%\n" +
		"  downloading 40%\n" +
		"  downloading 100%\n" +
		"  success\n" +
		"model qwen2.5:3b: ready\n"
	if buf.String() != want {
		t.Errorf("output =\n%s\nwant\n%s", buf.String(), want)
	}
}
