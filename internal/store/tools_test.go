package store

import (
	"testing"

	"mnemo/internal/memerr"
)

func sampleTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "Formats Go source in the repository.",
		Category:    "cli",
		Usage:       "gofmt -w ./...",
	}
}

func TestToolCRUD(t *testing.T) {
	s := newTestStore(t)

	tool, err := s.CreateTool(sampleTool("gofmt"), "tester")
	if err != nil {
		t.Fatalf("CreateTool failed: %v", err)
	}
	if tool.ID == "" || !tool.Active {
		t.Fatal("Expected id and active on created tool")
	}

	got, err := s.GetTool(tool.ID)
	if err != nil {
		t.Fatalf("GetTool failed: %v", err)
	}
	if got.Name != "gofmt" {
		t.Errorf("Expected name gofmt, got %q", got.Name)
	}

	byName, err := s.GetToolByName("gofmt", Scope{})
	if err != nil {
		t.Fatalf("GetToolByName failed: %v", err)
	}
	if byName.ID != tool.ID {
		t.Errorf("By-name lookup returned wrong tool")
	}

	newUsage := "gofmt -l -w ./..."
	updated, err := s.UpdateTool(tool.ID, ToolUpdate{Usage: &newUsage}, "tester")
	if err != nil {
		t.Fatalf("UpdateTool failed: %v", err)
	}
	if updated.Usage != newUsage {
		t.Errorf("Usage not updated")
	}

	if err := s.DeleteTool(tool.ID, "tester"); err != nil {
		t.Fatalf("DeleteTool failed: %v", err)
	}
	if _, err := s.GetTool(tool.ID); !memerr.IsNotFound(err) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
}

func TestToolCategoryDefaultsAndEnum(t *testing.T) {
	s := newTestStore(t)

	plain := &Tool{Name: "plain", Description: "d"}
	created, err := s.CreateTool(plain, "tester")
	if err != nil {
		t.Fatalf("CreateTool failed: %v", err)
	}
	if created.Category != "cli" {
		t.Errorf("Expected default category cli, got %q", created.Category)
	}

	for _, cat := range []string{"mcp", "cli", "function", "api"} {
		tool := sampleTool("tool-" + cat)
		tool.Category = cat
		if _, err := s.CreateTool(tool, "tester"); err != nil {
			t.Errorf("Category %s should be accepted: %v", cat, err)
		}
	}

	bad := sampleTool("bad-cat")
	bad.Category = "hardware"
	if _, err := s.CreateTool(bad, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error for unknown category, got %v", err)
	}
}

func TestToolVersionChain(t *testing.T) {
	s := newTestStore(t)

	tool := sampleTool("linter")
	tool.CurrentVersion = "1.0.0"
	created, err := s.CreateTool(tool, "tester")
	if err != nil {
		t.Fatalf("CreateTool failed: %v", err)
	}
	if len(created.Versions) != 1 || created.Versions[0].Version != "1.0.0" {
		t.Fatalf("Expected seeded version chain, got %v", created.Versions)
	}

	after, err := s.AddToolVersion(created.ID, "1.1.0", "adds autofix", "tester")
	if err != nil {
		t.Fatalf("AddToolVersion failed: %v", err)
	}
	if after.CurrentVersion != "1.1.0" {
		t.Errorf("Expected current version 1.1.0, got %q", after.CurrentVersion)
	}
	if len(after.Versions) != 2 {
		t.Fatalf("Expected 2 versions, got %d", len(after.Versions))
	}
	// Newest first.
	if after.Versions[0].Version != "1.1.0" {
		t.Errorf("Expected newest version first, got %q", after.Versions[0].Version)
	}
	if after.Versions[0].Notes != "adds autofix" {
		t.Errorf("Expected version notes, got %q", after.Versions[0].Notes)
	}

	// Re-adding the same version collides.
	if _, err := s.AddToolVersion(created.ID, "1.1.0", "", "tester"); !memerr.IsUniqueConstraint(err) {
		t.Errorf("Expected unique constraint on duplicate version, got %v", err)
	}
}

func TestToolRequiresDescription(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTool(&Tool{Name: "no-desc"}, "tester"); !memerr.IsValidation(err) {
		t.Errorf("Expected validation error without description, got %v", err)
	}
}

func TestListToolsOmitsVersions(t *testing.T) {
	s := newTestStore(t)

	tool := sampleTool("versioned")
	tool.CurrentVersion = "2.0.0"
	if _, err := s.CreateTool(tool, "tester"); err != nil {
		t.Fatalf("CreateTool failed: %v", err)
	}

	list, err := s.ListTools(EntryFilter{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 tool, got %d", len(list))
	}
	// List skips the version chain; Get loads it.
	if len(list[0].Versions) != 0 {
		t.Errorf("Expected list to omit versions, got %d", len(list[0].Versions))
	}
	if list[0].CurrentVersion != "2.0.0" {
		t.Errorf("Expected current version on list row, got %q", list[0].CurrentVersion)
	}
}
