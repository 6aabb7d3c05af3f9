package utils

import (
	"strings"
	"testing"
)

func TestInspectionPhotoObjectKey(t *testing.T) {
	t.Setenv("QC_PHOTO_PREFIX", "")
	key, err := InspectionPhotoObjectKey("qc-1", "item-1", "image/PNG")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "quality-checks/qc-1/item-1/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected key %s", key)
	}
	if !IsInspectionPhotoKey("qc-1", "item-1", key) {
		t.Fatal("generated key must be accepted for its own item")
	}
	if IsInspectionPhotoKey("qc-1", "item-2", key) {
		t.Fatal("key must not be accepted for another item")
	}
	if IsInspectionPhotoKey("qc-1", "item-1", "quality-checks/qc-1/item-1/../../x.png") {
		t.Fatal("traversal must be rejected")
	}
	if _, err := InspectionPhotoObjectKey("qc-1", "item-1", "application/pdf"); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildObjectAccessURL(t *testing.T) {
	t.Setenv("STORAGE_ACCESS_BASE_URL", "")
	t.Setenv("GCS_BUCKET", "")
	if got := BuildObjectAccessURL("a/b.jpg"); got != "a/b.jpg" {
		t.Fatalf("expected key unchanged, got %s", got)
	}
	t.Setenv("GCS_BUCKET", "receiving")
	if got := BuildObjectAccessURL("a/b.jpg"); got != "https://storage.googleapis.com/receiving/a/b.jpg" {
		t.Fatalf("unexpected %s", got)
	}
	t.Setenv("STORAGE_ACCESS_BASE_URL", "https://cdn.example.com/{objectKey}")
	if got := BuildObjectAccessURL("a/b c.jpg"); got != "https://cdn.example.com/a%2Fb%20c.jpg" {
		t.Fatalf("unexpected %s", got)
	}
}
