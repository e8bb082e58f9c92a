package extract

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

func TestFileSource_PutFetchRemove(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFileSource(dir, 1024)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := src.Put(ctx, "docs/policy.txt", []byte("Governance policy."))
	require.NoError(t, err)
	assert.Equal(t, "file://docs/policy.txt", ref)

	data, err := src.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "Governance policy.", string(data))

	abs, err := src.Fetch(ctx, filepath.Join(dir, "docs", "policy.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, abs)

	require.NoError(t, src.Remove(ctx, ref))
	require.NoError(t, src.Remove(ctx, ref))
	_, err = src.Fetch(ctx, ref)
	assert.ErrorIs(t, err, apperrors.ErrExtraction)
}

func TestFileSource_RejectsEscapes(t *testing.T) {
	src, err := NewFileSource(t.TempDir(), 0)
	require.NoError(t, err)

	for _, ref := range []string{"../secret.txt", "/etc/passwd", "file://../x", ""} {
		_, err := src.Fetch(context.Background(), ref)
		assert.Error(t, err, ref)
	}
}

func TestFileSource_SizeCap(t *testing.T) {
	src, err := NewFileSource(t.TempDir(), 4)
	require.NoError(t, err)
	ref, err := src.Put(context.Background(), "big.txt", []byte("too large"))
	require.NoError(t, err)

	_, err = src.Fetch(context.Background(), ref)
	assert.ErrorIs(t, err, apperrors.ErrExtraction)
}

func TestParseGCSRef(t *testing.T) {
	bucket, object, err := ParseGCSRef("gs://reports/2024/water.pdf")
	require.NoError(t, err)
	assert.Equal(t, "reports", bucket)
	assert.Equal(t, "2024/water.pdf", object)

	for _, bad := range []string{"gs://bucket", "gs:///obj", "s3://b/o"} {
		_, _, err := ParseGCSRef(bad)
		assert.ErrorIs(t, err, apperrors.ErrExtraction, bad)
	}
}

type staticSource map[string]string

func (s staticSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	v, ok := s[ref]
	if !ok {
		return nil, failf("source %q is missing", ref)
	}
	return []byte(v), nil
}

func TestMux(t *testing.T) {
	local := staticSource{"file://a.txt": "local"}
	gcs := staticSource{"gs://b/o.txt": "remote"}
	ctx := context.Background()

	m := NewMux(local, gcs)
	got, err := m.Fetch(ctx, "file://a.txt")
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))
	got, err = m.Fetch(ctx, "gs://b/o.txt")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(got))

	_, err = NewMux(local, nil).Fetch(ctx, "gs://b/o.txt")
	assert.ErrorIs(t, err, apperrors.ErrExtraction)
}
