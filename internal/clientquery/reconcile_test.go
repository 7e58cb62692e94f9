package clientquery

import "testing"

// TestRelationPreservedOnOptimisticUpdate is scenario S6: an optimistic
// update that doesn't touch the foreign key must keep the cached relation
// sidecar intact.
func TestRelationPreservedOnOptimisticUpdate(t *testing.T) {
	old := map[string]any{
		"id":         "1",
		"categoryId": "A",
		"category":   map[string]any{"id": "A", "name": "Work"},
	}
	patch := map[string]any{"completed": true}

	merged := mergeRelationAware(old, patch)

	if merged["completed"] != true {
		t.Fatalf("expected completed=true, got %v", merged["completed"])
	}
	if merged["categoryId"] != "A" {
		t.Fatalf("expected categoryId preserved, got %v", merged["categoryId"])
	}
	category, ok := merged["category"].(map[string]any)
	if !ok {
		t.Fatalf("expected category relation preserved, got %v", merged["category"])
	}
	if category["name"] != "Work" {
		t.Fatalf("expected category.name=Work, got %v", category["name"])
	}
}

func TestRelationClearedWhenForeignKeyChanges(t *testing.T) {
	old := map[string]any{
		"id":         "1",
		"categoryId": "A",
		"category":   map[string]any{"id": "A", "name": "Work"},
	}
	patch := map[string]any{"categoryId": "B"}

	merged := mergeRelationAware(old, patch)

	if merged["categoryId"] != "B" {
		t.Fatalf("expected categoryId=B, got %v", merged["categoryId"])
	}
	if _, stillPresent := merged["category"]; stillPresent {
		t.Fatalf("expected stale category relation to be cleared, got %v", merged["category"])
	}
}

func TestRelationClearedWhenForeignKeyNulled(t *testing.T) {
	old := map[string]any{
		"id":         "1",
		"categoryId": "A",
		"category":   map[string]any{"id": "A", "name": "Work"},
	}
	patch := map[string]any{"categoryId": nil}

	merged := mergeRelationAware(old, patch)

	if merged["categoryId"] != nil {
		t.Fatalf("expected categoryId nulled, got %v", merged["categoryId"])
	}
	if _, stillPresent := merged["category"]; stillPresent {
		t.Fatalf("expected category relation cleared when foreign key nulled, got %v", merged["category"])
	}
}

func TestRelationLeftAloneWhenCallerSuppliesItsOwn(t *testing.T) {
	old := map[string]any{
		"id":         "1",
		"categoryId": "A",
		"category":   map[string]any{"id": "A", "name": "Work"},
	}
	patch := map[string]any{
		"categoryId": "A",
		"category":   map[string]any{"id": "A", "name": "Renamed"},
	}

	merged := mergeRelationAware(old, patch)

	category := merged["category"].(map[string]any)
	if category["name"] != "Renamed" {
		t.Fatalf("expected caller-supplied relation to win, got %v", category["name"])
	}
}
