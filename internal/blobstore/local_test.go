package blobstore

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

func TestLocalStorePresignVerify(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), LocalOptions{BaseURL: "http://127.0.0.1:7400/blobs/", Secret: "s3cret"})
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()
	ref, err := store.Put(ctx, "datasets", "e1/r 1", []byte("payload"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	handle, err := store.Presign(ctx, ref, time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(handle.AccessURL, "http://127.0.0.1:7400/blobs/datasets/e1/r%201?") {
		t.Fatalf("unexpected access url: %s", handle.AccessURL)
	}
	if handle.SizeBytes != 7 || handle.ContentHash != ContentHash([]byte("payload")) {
		t.Fatalf("unexpected handle: %#v", handle)
	}

	u, err := url.Parse(handle.AccessURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if err := store.VerifyPresigned(ref, q.Get("expires"), q.Get("sig"), time.Now()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := store.VerifyPresigned(models.BlobRef{Bucket: "datasets", Key: "e1/other"}, q.Get("expires"), q.Get("sig"), time.Now()); !errors.Is(err, gwerr.ErrValidation) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if err := store.VerifyPresigned(ref, q.Get("expires"), q.Get("sig"), time.Now().Add(2*time.Minute)); !errors.Is(err, gwerr.ErrValidation) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestLocalStoreSigningKeyDependsOnSecret(t *testing.T) {
	dir := t.TempDir()
	a, err := NewLocalStore(dir, LocalOptions{Secret: "a"})
	if err != nil {
		t.Fatalf("new store a: %v", err)
	}
	b, err := NewLocalStore(dir, LocalOptions{Secret: "b"})
	if err != nil {
		t.Fatalf("new store b: %v", err)
	}
	ref := models.BlobRef{Bucket: "x", Key: "y"}
	if a.sign(ref, 100) == b.sign(ref, 100) {
		t.Fatal("expected different signatures for different secrets")
	}
}

func TestLocalStoreWithoutSecretUsesOwnKey(t *testing.T) {
	dir := t.TempDir()
	a, err := NewLocalStore(dir, LocalOptions{})
	if err != nil {
		t.Fatalf("new store a: %v", err)
	}
	b, err := NewLocalStore(dir, LocalOptions{})
	if err != nil {
		t.Fatalf("new store b: %v", err)
	}
	ref := models.BlobRef{Bucket: "x", Key: "y"}
	expires := time.Now().Add(time.Hour).Unix()
	expiresRaw := strconv.FormatInt(expires, 10)

	sig := a.sign(ref, expires)
	if err := a.VerifyPresigned(ref, expiresRaw, sig, time.Now()); err != nil {
		t.Fatalf("own signature rejected: %v", err)
	}
	if err := b.VerifyPresigned(ref, expiresRaw, sig, time.Now()); err == nil {
		t.Fatal("expected foreign signature to be rejected")
	}
}

func TestLocalStoreQuotaCountsExistingData(t *testing.T) {
	dir := t.TempDir()
	first, err := NewLocalStore(dir, LocalOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := first.Put(context.Background(), "b", "k1", make([]byte, 6), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, err := NewLocalStore(dir, LocalOptions{QuotaBytes: 8})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Put(context.Background(), "b", "k2", make([]byte, 4), PutOptions{}); !errors.Is(err, gwerr.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	if _, err := reopened.Put(context.Background(), "b", "k1", make([]byte, 7), PutOptions{}); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}
