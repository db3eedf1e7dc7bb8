package cache_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/cache/remote"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/mocks"
)

func newLocal(t *testing.T) *cache.LocalStore {
	t.Helper()
	store, err := cache.NewLocalStore(t.TempDir(), logger.NewNopLogger())
	require.NoError(t, err)
	return store
}

func sampleBundle(t *testing.T, key string) []byte {
	t.Helper()
	root := t.TempDir()
	writeOutputs(t, root, "artifact for "+key)
	data, _ := packBundle(t, root, key)
	return data
}

func TestBuildCache_LocalHit(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	data := sampleBundle(t, keyA)
	require.NoError(t, local.Store(ctx, keyA, data))

	ctrl := gomock.NewController(t)
	rs := mocks.NewMockRemoteStore(ctrl)
	// no remote calls expected

	bc := cache.New(local, logger.NewNopLogger(), cache.Options{Remote: rs})
	hit, err := bc.Load(ctx, keyA)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, cache.SourceLocal, hit.Source)
	assert.Equal(t, keyA, hit.Manifest.Key)
}

func TestBuildCache_RemoteHitIsWrittenBack(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	data := sampleBundle(t, keyA)

	ctrl := gomock.NewController(t)
	rs := mocks.NewMockRemoteStore(ctrl)
	rs.EXPECT().Get(gomock.Any(), keyA).Return(data, nil).Times(1)
	rs.EXPECT().Name().Return("mock").AnyTimes()

	bc := cache.New(local, logger.NewNopLogger(), cache.Options{Remote: rs})
	hit, err := bc.Load(ctx, keyA)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, cache.SourceRemote, hit.Source)

	// second load is served locally
	hit, err = bc.Load(ctx, keyA)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, cache.SourceLocal, hit.Source)
}

func TestBuildCache_CorruptRemoteIsRetriedOnce(t *testing.T) {
	ctx := context.Background()
	good := sampleBundle(t, keyA)

	t.Run("second attempt succeeds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)
		gomock.InOrder(
			rs.EXPECT().Get(gomock.Any(), keyA).Return([]byte("torn download"), nil),
			rs.EXPECT().Get(gomock.Any(), keyA).Return(good, nil),
		)
		rs.EXPECT().Name().Return("mock").AnyTimes()

		bc := cache.New(newLocal(t), logger.NewNopLogger(), cache.Options{Remote: rs})
		hit, err := bc.Load(ctx, keyA)
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, cache.SourceRemote, hit.Source)
	})

	t.Run("corrupt twice is a miss", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)
		rs.EXPECT().Get(gomock.Any(), keyA).Return([]byte("torn download"), nil).Times(2)
		rs.EXPECT().Name().Return("mock").AnyTimes()

		var logs bytes.Buffer
		bc := cache.New(newLocal(t), logger.CreateLoggerWithOutput("warn", &logs), cache.Options{Remote: rs})
		hit, err := bc.Load(ctx, keyA)
		require.NoError(t, err)
		assert.Nil(t, hit)
		assert.Contains(t, logs.String(), "Corrupt remote cache bundle")
	})

	t.Run("bundle for another key is corrupt", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)
		rs.EXPECT().Get(gomock.Any(), keyB).Return(good, nil).Times(2)
		rs.EXPECT().Name().Return("mock").AnyTimes()

		bc := cache.New(newLocal(t), logger.NewNopLogger(), cache.Options{Remote: rs})
		hit, err := bc.Load(ctx, keyB)
		require.NoError(t, err)
		assert.Nil(t, hit)
	})
}

func TestBuildCache_RemoteMissAndOutage(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	rs := mocks.NewMockRemoteStore(ctrl)
	rs.EXPECT().Get(gomock.Any(), keyA).Return(nil, remote.ErrNotFound)
	rs.EXPECT().Get(gomock.Any(), keyB).Return(nil, errors.New("connection refused"))
	rs.EXPECT().Name().Return("mock").AnyTimes()

	bc := cache.New(newLocal(t), logger.NewNopLogger(), cache.Options{Remote: rs})

	hit, err := bc.Load(ctx, keyA)
	require.NoError(t, err)
	assert.Nil(t, hit)

	hit, err = bc.Load(ctx, keyB)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestBuildCache_StorePushesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	data := sampleBundle(t, keyA)

	t.Run("push", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)
		rs.EXPECT().Put(gomock.Any(), keyA, data).Return(nil)

		bc := cache.New(newLocal(t), logger.NewNopLogger(), cache.Options{Remote: rs, Push: true})
		require.NoError(t, bc.Store(ctx, keyA, data))
	})

	t.Run("push failure is not an error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)
		rs.EXPECT().Put(gomock.Any(), keyA, data).Return(errors.New("403 forbidden"))
		rs.EXPECT().Name().Return("mock").AnyTimes()

		local := newLocal(t)
		bc := cache.New(local, logger.NewNopLogger(), cache.Options{Remote: rs, Push: true})
		require.NoError(t, bc.Store(ctx, keyA, data))

		_, ok, err := local.Load(ctx, keyA)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("pull only", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		rs := mocks.NewMockRemoteStore(ctrl)

		bc := cache.New(newLocal(t), logger.NewNopLogger(), cache.Options{Remote: rs})
		require.NoError(t, bc.Store(ctx, keyA, data))
	})
}

func TestBuildCache_CorruptLocalFallsThroughToRemote(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	store := remote.NewMemoryStore()
	data := sampleBundle(t, keyA)
	require.NoError(t, store.Put(ctx, keyA, data))

	// plant a bundle whose manifest is readable but whose content is cut short
	require.NoError(t, local.Store(ctx, keyA, data))
	bundlePath := filepath.Join(local.Dir(), keyA[:2], keyA+".bundle")
	require.NoError(t, os.WriteFile(bundlePath, data[:len(data)-16], 0o644))

	bc := cache.New(local, logger.NewNopLogger(), cache.Options{Remote: store})
	hit, err := bc.Load(ctx, keyA)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, cache.SourceRemote, hit.Source)
}
