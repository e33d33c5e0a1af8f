package emitter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/liftsync/pkg/resource"
)

func newTestBolt(t *testing.T) (*BoltEmitter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	b, err := NewBoltEmitter(path, nil)
	require.NoError(t, err)
	return b, path
}

func TestBoltEmitter_UpsertAndList(t *testing.T) {
	b, _ := newTestBolt(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, resource.KindStack, []resource.Entity{
		{Identifier: "s2", Blueprint: "spaceliftStack", Title: "dns"},
		{Identifier: "s1", Blueprint: "spaceliftStack", Title: "network"},
	}))
	require.NoError(t, b.Upsert(ctx, resource.KindUser, []resource.Entity{
		{Identifier: "u1", Blueprint: "spaceliftUser"},
	}))

	stacks, err := b.List(resource.KindStack)
	require.NoError(t, err)
	require.Len(t, stacks, 2)
	assert.Equal(t, "s1", stacks[0].Identifier)
	assert.Equal(t, "s2", stacks[1].Identifier)

	assert.Equal(t, 2, b.Count(resource.KindStack))
	assert.Equal(t, 1, b.Count(resource.KindUser))
	assert.Equal(t, 0, b.Count(resource.KindPolicy))
	assert.Equal(t, int64(2), b.Revision())

	empty, err := b.List(resource.KindPolicy)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBoltEmitter_UpdateReplacesEntity(t *testing.T) {
	b, _ := newTestBolt(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, resource.KindStack, []resource.Entity{
		{Identifier: "s1", Blueprint: "spaceliftStack", Title: "network", Properties: map[string]any{"state": "NONE"}},
	}))
	require.NoError(t, b.Upsert(ctx, resource.KindStack, []resource.Entity{
		{Identifier: "s1", Blueprint: "spaceliftStack", Title: "network", Properties: map[string]any{"state": "FINISHED"}},
	}))

	got, err := b.Get(resource.KindStack, "spaceliftStack", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "FINISHED", got.Properties["state"])
	assert.Equal(t, 1, b.Count(resource.KindStack))
}

func TestBoltEmitter_GetMissing(t *testing.T) {
	b, _ := newTestBolt(t)
	defer b.Close()

	got, err := b.Get(resource.KindStack, "spaceliftStack", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoltEmitter_ReopenRebuildsIndex(t *testing.T) {
	b, path := newTestBolt(t)
	require.NoError(t, b.Upsert(context.Background(), resource.KindPolicy, []resource.Entity{
		{Identifier: "p1", Blueprint: "spaceliftPolicy"},
		{Identifier: "p2", Blueprint: "spaceliftPolicy"},
	}))
	require.NoError(t, b.Close())

	reopened, err := NewBoltEmitter(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Count(resource.KindPolicy))
	assert.Equal(t, int64(1), reopened.Revision())

	policies, err := reopened.List(resource.KindPolicy)
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}

func TestBoltEmitter_EmptyBatch(t *testing.T) {
	b, _ := newTestBolt(t)
	defer b.Close()

	require.NoError(t, b.Upsert(context.Background(), resource.KindStack, nil))
	assert.Equal(t, 0, b.Count(resource.KindStack))
}
