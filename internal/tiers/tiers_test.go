package tiers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmq/swarmq/pkg/models"
)

func TestLimits_Defaults(t *testing.T) {
	r := NewResolver()

	free := r.Limits(models.FreeTier)
	if free.AgentsLimit != 2 {
		t.Errorf("free agents_limit = %d, want 2", free.AgentsLimit)
	}

	ent := r.Limits("enterprise")
	if !ent.Unlimited() {
		t.Error("enterprise tier should be unlimited")
	}
}

func TestLimits_UnknownTierFallsBackToFree(t *testing.T) {
	r := NewResolver()
	got := r.Limits("no-such-tier")
	want := r.Limits(models.FreeTier)
	if got != want {
		t.Errorf("unknown tier = %+v, want free-tier limits %+v", got, want)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `pro:
  agents_limit: 25
  workflows_limit: 10
custom:
  agents_limit: 7
  workflows_limit: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write tier file: %v", err)
	}

	r := NewResolver()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if got := r.Limits("pro").AgentsLimit; got != 25 {
		t.Errorf("pro agents_limit = %d, want 25 (file overrides default)", got)
	}
	if got := r.Limits("custom").AgentsLimit; got != 7 {
		t.Errorf("custom agents_limit = %d, want 7", got)
	}
	// Tiers missing from the file keep their defaults.
	if got := r.Limits("team").AgentsLimit; got != 50 {
		t.Errorf("team agents_limit = %d, want default 50", got)
	}
}

func TestLoadFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte("::not yaml::"), 0644); err != nil {
		t.Fatalf("failed to write tier file: %v", err)
	}

	r := NewResolver()
	if err := r.LoadFile(path); err == nil {
		t.Error("expected error for malformed tier file")
	}
	// Table is unchanged after a failed load.
	if got := r.Limits(models.FreeTier).AgentsLimit; got != 2 {
		t.Errorf("free agents_limit after failed load = %d, want 2", got)
	}
}

func TestWatch_RequiresLoadedFile(t *testing.T) {
	r := NewResolver()
	if err := r.Watch(); err == nil {
		t.Error("Watch without LoadFile should fail")
		r.Close()
	}
}
