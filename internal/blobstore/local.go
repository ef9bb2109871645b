package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

const (
	localObjectsDir  = "objects"
	localMetaDir     = "meta"
	localTmpDir      = "tmp"
	presignKeyInfo   = "dsgate local presign v1"
	presignKeyLength = 32
)

type localMeta struct {
	ContentType string            `json:"content_type,omitempty"`
	ContentHash string            `json:"content_hash"`
	SizeBytes   uint64            `json:"size_bytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	// BaseURL prefixes presigned URLs, e.g. "http://127.0.0.1:7400/blobs".
	BaseURL string
	// Secret seeds the presign signing key. When empty, a random key is
	// drawn per store and its URLs do not survive a restart.
	Secret string
	// QuotaBytes caps the total stored bytes. Zero means unlimited.
	QuotaBytes int64
}

// LocalStore stores blobs in a local directory tree with sidecar metadata.
// Layout: <root>/objects/<bucket>/<key> and <root>/meta/<bucket>/<key>.json.
type LocalStore struct {
	root       string
	baseURL    string
	signingKey []byte
	quota      int64

	mu   sync.Mutex
	used int64
}

// NewLocalStore creates a local store rooted at root.
func NewLocalStore(root string, opts LocalOptions) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local blob root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{localObjectsDir, localMetaDir, localTmpDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, err
		}
	}
	key, err := derivePresignKey(opts.Secret)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "file://" + filepath.ToSlash(filepath.Join(abs, localObjectsDir))
	}
	s := &LocalStore{root: abs, baseURL: baseURL, signingKey: key, quota: opts.QuotaBytes}
	if s.quota > 0 {
		used, err := s.diskUsage()
		if err != nil {
			return nil, err
		}
		s.used = used
	}
	return s, nil
}

func derivePresignKey(secret string) ([]byte, error) {
	seed := []byte(secret)
	if secret == "" {
		seed = make([]byte, presignKeyLength)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate presign key: %w", err)
		}
	}
	r := hkdf.New(sha256.New, seed, nil, []byte(presignKeyInfo))
	key := make([]byte, presignKeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive presign key: %w", err)
	}
	return key, nil
}

func (s *LocalStore) diskUsage() (int64, error) {
	var total int64
	err := filepath.WalkDir(filepath.Join(s.root, localObjectsDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func (s *LocalStore) objectPath(ref models.BlobRef) (string, error) {
	if err := validateRef(ref); err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(ref.Key))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", gwerr.Validation("invalid blob key %q", ref.Key)
	}
	return filepath.Join(s.root, localObjectsDir, ref.Bucket, clean), nil
}

func (s *LocalStore) metaPath(ref models.BlobRef) string {
	return filepath.Join(s.root, localMetaDir, ref.Bucket, filepath.FromSlash(ref.Key)+".json")
}

// Put writes data atomically via a temp file and rename.
func (s *LocalStore) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error) {
	ref := models.BlobRef{Bucket: bucket, Key: key}
	if err := validateBucket(bucket); err != nil {
		return models.BlobRef{}, err
	}
	dst, err := s.objectPath(ref)
	if err != nil {
		return models.BlobRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.BlobRef{}, gwerr.FromContext("blob put", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced int64
	if info, err := os.Stat(dst); err == nil {
		replaced = info.Size()
	}
	if s.quota > 0 && s.used-replaced+int64(len(data)) > s.quota {
		return models.BlobRef{}, quotaError(bucket, s.used-replaced, int64(len(data)), s.quota)
	}

	meta := localMeta{
		ContentType: opts.ContentType,
		ContentHash: ContentHash(data),
		SizeBytes:   uint64(len(data)),
		Metadata:    normalizeMetadata(opts.Metadata),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return models.BlobRef{}, err
	}

	if err := writeFileAtomic(filepath.Join(s.root, localTmpDir), s.metaPath(ref), metaJSON); err != nil {
		return models.BlobRef{}, gwerr.Unavailable("blob put meta", err)
	}
	if err := writeFileAtomic(filepath.Join(s.root, localTmpDir), dst, data); err != nil {
		_ = os.Remove(s.metaPath(ref))
		return models.BlobRef{}, gwerr.Unavailable("blob put", err)
	}
	s.used += int64(len(data)) - replaced
	return ref, nil
}

func writeFileAtomic(tmpDir, dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(tmpDir, "put-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Get reads the object bytes.
func (s *LocalStore) Get(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, gwerr.FromContext("blob get", err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, gwerr.NotFound("blob %s", ref)
	}
	if err != nil {
		return nil, gwerr.Unavailable("blob get", err)
	}
	return data, nil
}

// Open returns a reader for streaming the object, used by the presigned
// download handler.
func (s *LocalStore) Open(ctx context.Context, ref models.BlobRef) (io.ReadCloser, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, gwerr.FromContext("blob open", err)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, gwerr.NotFound("blob %s", ref)
	}
	if err != nil {
		return nil, gwerr.Unavailable("blob open", err)
	}
	return f, nil
}

// Stat reads object attributes from the file and its sidecar.
func (s *LocalStore) Stat(ctx context.Context, ref models.BlobRef) (models.BlobInfo, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return models.BlobInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.BlobInfo{}, gwerr.FromContext("blob stat", err)
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return models.BlobInfo{}, gwerr.NotFound("blob %s", ref)
	}
	if err != nil {
		return models.BlobInfo{}, gwerr.Unavailable("blob stat", err)
	}

	info := models.BlobInfo{
		Ref:          ref,
		SizeBytes:    uint64(fi.Size()),
		LastModified: fi.ModTime().UTC(),
		Metadata:     map[string]string{},
	}
	raw, err := os.ReadFile(s.metaPath(ref))
	switch {
	case err == nil:
		var meta localMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			info.ContentType = meta.ContentType
			info.ContentHash = meta.ContentHash
			if meta.Metadata != nil {
				info.Metadata = meta.Metadata
			}
		}
	case !errors.Is(err, os.ErrNotExist):
		return models.BlobInfo{}, gwerr.Unavailable("blob stat meta", err)
	}
	return info, nil
}

// Delete removes the object and its sidecar. Missing files are ignored.
func (s *LocalStore) Delete(ctx context.Context, ref models.BlobRef) error {
	path, err := s.objectPath(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return gwerr.FromContext("blob delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return gwerr.Unavailable("blob delete", err)
	} else if err == nil {
		s.used -= size
	}
	if err := os.Remove(s.metaPath(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return gwerr.Unavailable("blob delete meta", err)
	}
	return nil
}

// Presign returns an HMAC-signed URL valid until now+ttl.
func (s *LocalStore) Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error) {
	info, err := s.Stat(ctx, ref)
	if err != nil {
		return models.BlobHandle{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expires := time.Now().UTC().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.sign(ref, expires.Unix()))
	accessURL := s.baseURL + "/" + url.PathEscape(ref.Bucket) + "/" + escapeKey(ref.Key) + "?" + q.Encode()

	return models.BlobHandle{
		Ref:         ref,
		SizeBytes:   info.SizeBytes,
		ContentHash: info.ContentHash,
		AccessURL:   accessURL,
		ExpiresAt:   expires,
	}, nil
}

// VerifyPresigned checks a signature produced by Presign.
func (s *LocalStore) VerifyPresigned(ref models.BlobRef, expiresRaw, sig string, now time.Time) error {
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return gwerr.Validation("invalid expires")
	}
	if now.Unix() > expires {
		return gwerr.Validation("presigned url expired")
	}
	want := s.sign(ref, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return gwerr.Validation("invalid signature")
	}
	return nil
}

func (s *LocalStore) sign(ref models.BlobRef, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%s\n%d", ref.Bucket, ref.Key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// List walks the bucket directory and returns keys in lexical order.
func (s *LocalStore) List(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	if err := validateBucket(bucket); err != nil {
		return ListResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, gwerr.FromContext("blob list", err)
	}
	after, err := DecodePageToken(opts.PageToken)
	if err != nil {
		return ListResult{}, err
	}
	limit := normalizeLimit(opts.Limit)

	base := filepath.Join(s.root, localObjectsDir, bucket)
	keys := []string{}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, opts.Prefix) && key > after {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, gwerr.Unavailable("blob list", err)
	}
	sort.Strings(keys)

	result := ListResult{Items: []models.BlobRef{}}
	for _, key := range keys {
		if len(result.Items) == limit {
			result.NextPageToken = EncodePageToken(result.Items[len(result.Items)-1].Key)
			break
		}
		result.Items = append(result.Items, models.BlobRef{Bucket: bucket, Key: key})
	}
	return result, nil
}

var _ BlobStore = (*LocalStore)(nil)
