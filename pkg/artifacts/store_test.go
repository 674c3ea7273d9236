package artifacts_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/fault"
)

func newFileStore(t *testing.T) *artifacts.FileStore {
	t.Helper()
	s, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	data := []byte("blob contents")
	addr, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, artifacts.Address(data), addr)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, addr)

	// Idempotent re-put.
	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	got, err := s.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, addr)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, addr))
	ok, err = s.Exists(ctx, addr)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, addr)
	assert.ErrorIs(t, err, artifacts.ErrBlobNotFound)
}

func TestFileStoreRejectsMalformedAddress(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for _, addr := range []string{"", "abc", "sha256:zz", "md5:" + "00" + "11"} {
		_, err := s.Get(ctx, addr)
		require.Error(t, err, addr)
		assert.Equal(t, fault.CodeSchemaInvalid, fault.CodeOf(err), addr)
	}
}

func TestRegistryCanonicalizesAndRechecks(t *testing.T) {
	ctx := context.Background()
	reg := artifacts.NewRegistry(newFileStore(t))

	// Key order does not change the address.
	a1, err := reg.Put(ctx, []byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	a2, err := reg.Put(ctx, []byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	doc, err := reg.Get(ctx, a1)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(doc))

	_, err = reg.Put(ctx, []byte(`not json`))
	require.Error(t, err)
}

func TestRegistryDetectsBackendCorruption(t *testing.T) {
	ctx := context.Background()
	blobs := &corruptStore{inner: newFileStore(t)}
	reg := artifacts.NewRegistry(blobs)

	addr, err := reg.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)

	blobs.corrupt = true
	_, err = reg.Get(ctx, addr)
	require.Error(t, err)
	assert.Equal(t, fault.CodeArtifactHashMismatch, fault.CodeOf(err))
}

type corruptStore struct {
	inner   artifacts.BlobStore
	corrupt bool
}

func (c *corruptStore) Put(ctx context.Context, data []byte) (string, error) {
	return c.inner.Put(ctx, data)
}

func (c *corruptStore) Get(ctx context.Context, addr string) ([]byte, error) {
	data, err := c.inner.Get(ctx, addr)
	if err == nil && c.corrupt && len(data) > 0 {
		data[0] ^= 0xFF
	}
	return data, err
}

func (c *corruptStore) Exists(ctx context.Context, addr string) (bool, error) {
	return c.inner.Exists(ctx, addr)
}

func (c *corruptStore) Delete(ctx context.Context, addr string) error {
	return c.inner.Delete(ctx, addr)
}

func TestFactorySelectsDriver(t *testing.T) {
	ctx := context.Background()
	env := func(string) string { return "" }

	cfg := &config.Config{BundleStore: "file", DataDir: t.TempDir()}
	s, err := artifacts.NewFromConfig(ctx, cfg, env)
	require.NoError(t, err)
	assert.IsType(t, &artifacts.FileStore{}, s)

	cfg = &config.Config{BundleStore: "s3", DataDir: t.TempDir()}
	_, err = artifacts.NewFromConfig(ctx, cfg, env)
	require.Error(t, err, "s3 without a bucket must fail")

	cfg = &config.Config{BundleStore: "sideways"}
	_, err = artifacts.NewFromConfig(ctx, cfg, env)
	require.Error(t, err)
}
