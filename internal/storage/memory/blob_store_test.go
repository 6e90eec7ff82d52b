package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "12/34_photo.jpg", "image/jpeg", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://12/34_photo.jpg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, contentType, ok := store.Object("12/34_photo.jpg")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	if contentType != "image/jpeg" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one object, got %d", store.Len())
	}
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewBlobStore().PutObject(context.Background(), "", "", []byte("x")); err == nil {
		t.Fatal("expected error for empty path")
	}
}
