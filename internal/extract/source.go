package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// Source resolves a document's source reference to its bytes.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileSource reads and writes documents under a root directory. References
// are paths relative to the root, optionally prefixed with file://, or
// absolute paths inside the root.
type FileSource struct {
	root     string
	maxBytes int64
}

// NewFileSource returns a FileSource rooted at dir, creating it if needed.
func NewFileSource(dir string, maxBytes int64) (*FileSource, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &FileSource{root: abs, maxBytes: maxBytes}, nil
}

func (s *FileSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	rel, err := s.relative(ref)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(s.root)
	if err != nil {
		return nil, fmt.Errorf("opening data dir: %w", err)
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, failf("source %q is missing", ref)
		}
		return nil, failf("source %q: %v", ref, err)
	}
	defer f.Close()
	return readCapped(f, s.maxBytes, ref)
}

// Put stores data under name and returns the reference to fetch it by.
func (s *FileSource) Put(_ context.Context, name string, data []byte) (string, error) {
	rel, err := s.relative(name)
	if err != nil {
		return "", err
	}
	root, err := os.OpenRoot(s.root)
	if err != nil {
		return "", fmt.Errorf("opening data dir: %w", err)
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	tmp := rel + ".tmp"
	if err := root.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := root.Rename(tmp, rel); err != nil {
		_ = root.Remove(tmp)
		return "", fmt.Errorf("renaming %s: %w", rel, err)
	}
	return "file://" + filepath.ToSlash(rel), nil
}

// Remove deletes the document behind ref. A missing file is not an error.
func (s *FileSource) Remove(_ context.Context, ref string) error {
	rel, err := s.relative(ref)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(s.root)
	if err != nil {
		return fmt.Errorf("opening data dir: %w", err)
	}
	defer root.Close()
	if err := root.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSource) relative(ref string) (string, error) {
	p := filepath.FromSlash(strings.TrimPrefix(ref, "file://"))
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(s.root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", failf("source %q is outside the data dir", ref)
		}
		p = rel
	}
	if p == "" || p == "." {
		return "", failf("empty source reference")
	}
	return p, nil
}

// GCSSource reads gs://bucket/object references from Cloud Storage.
type GCSSource struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSSource creates a Cloud Storage client. An empty credentialsFile
// uses application default credentials.
func NewGCSSource(ctx context.Context, credentialsFile string, maxBytes int64) (*GCSSource, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSSource{client: client, maxBytes: maxBytes}, nil
}

func (s *GCSSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, err := ParseGCSRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, failf("source %q is missing", ref)
		}
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer r.Close()
	return readCapped(r, s.maxBytes, ref)
}

func (s *GCSSource) Close() error {
	return s.client.Close()
}

// ParseGCSRef splits gs://bucket/path/to/object.
func ParseGCSRef(ref string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(ref, gcsScheme)
	if !ok {
		return "", "", failf("not a gs:// reference: %q", ref)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", failf("malformed gs:// reference: %q", ref)
	}
	return bucket, object, nil
}

// Mux routes gs:// references to a Cloud Storage source and everything
// else to the local one.
type Mux struct {
	local Source
	gcs   Source
}

// NewMux returns a Mux. gcs may be nil, in which case gs:// references
// fail.
func NewMux(local, gcs Source) *Mux {
	return &Mux{local: local, gcs: gcs}
}

func (m *Mux) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, gcsScheme) {
		if m.gcs == nil {
			return nil, failf("cloud storage is not configured for %q", ref)
		}
		return m.gcs.Fetch(ctx, ref)
	}
	if m.local == nil {
		return nil, failf("no local source for %q", ref)
	}
	return m.local.Fetch(ctx, ref)
}

func readCapped(r io.Reader, maxBytes int64, ref string) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, failf("source %q exceeds %d bytes", ref, maxBytes)
	}
	return data, nil
}
