package policy

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/operation"
)

const installsFile = `
policy_sets:
  - name: installs
    description: Keep successful installs visible for a moment
    policies:
      - type: auto-start-broadcast
        kind: start
      - type: auto-start
      - type: auto-complete
        severity: success
      - type: snapshot-retention
        status: completed
        severity: success
        retention: 3s
`

const downloadsFile = `
policy_sets:
  - name: downloads
    policies:
      - type: broadcast-on-start
      - type: auto-start
      - type: auto-complete
      - type: auto-stop-broadcast
        name: stop-when-done
        condition: |
          package oplife.condition
          import rego.v1
          allow if input.snapshot.properties.status == "completed"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestParseFile(t *testing.T) {
	file, err := ParseFile([]byte(installsFile))
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(file.PolicySets) != 1 || file.PolicySets[0].Name != "installs" {
		t.Fatalf("unexpected sets: %+v", file.PolicySets)
	}
	retention := file.PolicySets[0].Policies[3]
	if retention.Retention != 3*time.Second {
		t.Errorf("retention = %v, want 3s", retention.Retention)
	}
}

func TestParseFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty document", "policy_sets: []"},
		{"missing set name", "policy_sets:\n  - policies:\n      - type: auto-start\n"},
		{"no policies", "policy_sets:\n  - name: x\n"},
		{"unknown type", "policy_sets:\n  - name: x\n    policies:\n      - type: auto-explode\n"},
		{"bad severity", "policy_sets:\n  - name: x\n    policies:\n      - type: auto-complete\n        severity: fatal\n"},
		{"bad kind", "policy_sets:\n  - name: x\n    policies:\n      - type: auto-start\n        kind: attach\n"},
		{"retention without status", "policy_sets:\n  - name: x\n    policies:\n      - type: snapshot-retention\n        severity: success\n        retention: 1s\n"},
		{"retention without period", "policy_sets:\n  - name: x\n    policies:\n      - type: snapshot-retention\n        status: completed\n        severity: success\n"},
		{"bad duration", "policy_sets:\n  - name: x\n    policies:\n      - type: snapshot-retention\n        status: completed\n        severity: success\n        retention: soon\n"},
		{"not yaml", "policy_sets: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFile([]byte(tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		spec     PolicySpec
		wantName string
		wantKind Kind
		wantErr  bool
	}{
		{PolicySpec{Type: "auto-start"}, NameAutoStart, KindStart, false},
		{PolicySpec{Type: "auto-complete", Severity: "warning"}, NameAutoComplete, KindCompletion, false},
		{PolicySpec{Type: "auto-start-broadcast"}, NameAutoStartBroadcast, KindCompletion, false},
		{PolicySpec{Type: "auto-start-broadcast", Kind: "start"}, NameBroadcastOnStart, KindStart, false},
		{PolicySpec{Type: "auto-stop-broadcast"}, NameAutoStopBroadcast, KindCompletion, false},
		{PolicySpec{Type: "snapshot-retention", Status: "completed", Severity: "success", Retention: time.Second}, NameSnapshotRetention, KindCompletion, false},
		{PolicySpec{Type: "auto-start", Kind: "completion"}, "", "", true},
		{PolicySpec{Type: "auto-stop-broadcast", Kind: "start"}, "", "", true},
		{PolicySpec{Type: "mystery"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.spec.Type+"/"+tt.spec.Kind, func(t *testing.T) {
			p, err := BuildPolicy(ctx, tt.spec, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.Name() != tt.wantName || p.Kind() != tt.wantKind {
				t.Errorf("got %s/%s, want %s/%s", p.Name(), p.Kind(), tt.wantName, tt.wantKind)
			}
		})
	}

	p, err := BuildPolicy(ctx, PolicySpec{Type: "auto-complete", Severity: "warning"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("BuildPolicy failed: %v", err)
	}
	if sev := p.(*AutoCompletePolicy).Severity(); sev == nil || *sev != operation.SeverityWarning {
		t.Errorf("expected configured warning severity, got %v", sev)
	}
}

func TestLoadFromPathsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "installs.yaml", installsFile)
	writeFile(t, dir, "downloads.yml", downloadsFile)
	writeFile(t, dir, "broken.yaml", "policy_sets: [")
	writeFile(t, dir, "README.md", "not a policy")

	loader := NewLoader(zerolog.Nop())
	sets, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	want := []string{NameBroadcastOnStart, NameAutoStart, NameAutoComplete, NameSnapshotRetention}
	if got := sets["installs"].Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("installs names = %v, want %v", got, want)
	}
	downloads := sets["downloads"].Policies
	if _, ok := downloads[3].(*RegoPolicy); !ok || downloads[3].Name() != "stop-when-done" {
		t.Errorf("expected conditional stop policy, got %T %s", downloads[3], downloads[3].Name())
	}
}

func TestLoadFromPathsErrors(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", installsFile)
	b := writeFile(t, dir, "b.yaml", installsFile)
	broken := writeFile(t, dir, "broken.yaml", "policy_sets: [")

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{a, b}); err == nil || !strings.Contains(err.Error(), "more than once") {
		t.Fatalf("expected duplicate set error, got %v", err)
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{broken}); err == nil {
		t.Fatal("expected error for an explicitly listed broken file")
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatal("expected error for a missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "installs.yaml", installsFile)

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	writeFile(t, dir, "installs.yaml", downloadsFile)
	sets, _ := loader.LoadFromPaths(context.Background(), []string{path})
	if _, ok := sets["installs"]; !ok {
		t.Fatal("expected cached content before ClearCache")
	}

	loader.ClearCache()
	sets, _ = loader.LoadFromPaths(context.Background(), []string{path})
	if _, ok := sets["downloads"]; !ok {
		t.Fatal("expected fresh content after ClearCache")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sets.yaml", installsFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := NewLoader(zerolog.Nop())
	loader.reloadDelay = 20 * time.Millisecond

	var mu sync.Mutex
	var reloaded map[string]ExecutionOptions
	err := loader.Watch(ctx, []string{dir}, func(sets map[string]ExecutionOptions) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = sets
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	writeFile(t, dir, "sets.yaml", downloadsFile)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		_, ok := reloaded["downloads"]
		mu.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy sets were not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
