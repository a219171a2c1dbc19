// Package blob implements the content-addressed blob store: component B of
// the repository state engine. It computes md5/sha1/sha256 digests of a
// package payload in one streaming pass and uploads it to object storage at
// the standard Debian pool layout key.
package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"

	"github.com/aptpub/controlplane/internal/apterr"
)

// Digests are the three checksums the catalog and index generator need for
// every package payload (spec §3 Package entity, §4.B).
type Digests struct {
	MD5    string
	SHA1   string
	SHA256 string
	Size   int64
}

// Store uploads package payloads to a *blob.Bucket, which may be backed by
// S3, GCS, Azure Blob or (in tests) an in-memory/file driver — gocloud.dev/blob
// abstracts the object-storage API the way spec §6 describes generically as
// "object storage".
type Store struct {
	bucket *blob.Bucket
}

// New wraps an already-opened bucket. Callers open the bucket (via
// blob.OpenBucket with an s3blob/gcsblob/fileblob URL) at startup.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// PoolKey computes the deterministic pool layout key for a package payload:
// <prefix>/pool/<component>/<first-letter>/<package-name>/<filename>
// (spec §4.B).
func PoolKey(prefix, component, packageName, filename string) string {
	letter := poolLetter(packageName)
	return joinKey(prefix, "pool", component, letter, packageName, filename)
}

// poolLetter follows the standard Debian pool convention: "lib"-prefixed
// packages are bucketed by "lib" plus their next letter (e.g. libc6 -> libc),
// everything else by its own first letter.
func poolLetter(packageName string) string {
	if packageName == "" {
		return "0"
	}
	lower := strings.ToLower(packageName)
	if strings.HasPrefix(lower, "lib") && len(lower) > 3 {
		return lower[:4]
	}
	return lower[:1]
}

// StandardFilename returns the canonical <package>_<version>_<arch>.deb
// filename (spec §4.B).
func StandardFilename(pkg, version, arch string) string {
	return fmt.Sprintf("%s_%s_%s.deb", pkg, version, arch)
}

func joinKey(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}

// Upload streams r into memory just once, computing digests and uploading
// the bytes to key. Upload is idempotent: if an object already exists at
// key with a matching size and MD5, the upload is skipped (spec §4.B
// "repeated uploads to the same key must succeed").
func (s *Store) Upload(ctx context.Context, key string, r io.Reader, contentType string) (Digests, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Digests{}, apterr.Wrap(apterr.Internal, "reading package payload", err)
	}

	md5Sum := md5.Sum(buf)
	sha1Sum := sha1.Sum(buf)
	sha256Sum := sha256.Sum256(buf)
	d := Digests{
		MD5:    hex.EncodeToString(md5Sum[:]),
		SHA1:   hex.EncodeToString(sha1Sum[:]),
		SHA256: hex.EncodeToString(sha256Sum[:]),
		Size:   int64(len(buf)),
	}

	if attrs, err := s.bucket.Attributes(ctx, key); err == nil {
		if attrs.Size == d.Size && hex.EncodeToString(attrs.MD5) == d.MD5 {
			return d, nil
		}
	}

	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return Digests{}, apterr.Wrap(apterr.StorageUnavailable, "opening object-storage writer", err)
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return Digests{}, apterr.Wrap(apterr.StorageUnavailable, "writing object", err)
	}
	if err := w.Close(); err != nil {
		return Digests{}, apterr.Wrap(apterr.StorageUnavailable, "closing object-storage writer", err)
	}
	return d, nil
}

// UploadBytes is Upload for already-in-memory content (index files, Release
// manifests — spec §4.F).
func (s *Store) UploadBytes(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.Upload(ctx, key, bytes.NewReader(content), contentType)
	return err
}

// List returns every object key under prefix. The by-hash sweeper uses this
// to find previously-published digests a freshly generated index no longer
// references (spec §4.F).
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apterr.Wrap(apterr.StorageUnavailable, "listing objects", err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete removes an object, used by the by-hash sweeper (spec §4.F).
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && s.bucket.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apterr.Wrap(apterr.StorageUnavailable, "deleting object", err)
	}
	return nil
}
