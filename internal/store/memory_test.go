package store

import (
	"context"
	"errors"
	"testing"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestWorkspaceCreateFindUpdateDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &Workspace{
		Resource: Resource{ID: "ws-1", OwnerUserID: "user-1", DisplayName: "dev", Status: enum.StatusCreating},
		RepoURL:  "https://github.com/o/r",
		Preset:   "default",
	}
	require.NoError(t, s.CreateWorkspace(ctx, w))
	assert.False(t, w.CreatedAt.IsZero())

	got, err := s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.DisplayName)

	got.Status = enum.StatusRunning
	require.NoError(t, s.UpdateWorkspace(ctx, got))

	got2, err := s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, enum.StatusRunning, got2.Status)

	require.NoError(t, s.DeleteWorkspace(ctx, "ws-1"))
	_, err = s.FindWorkspaceByID(ctx, "ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubdomainUniquenessAcrossKinds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &Workspace{
		Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a",
			DomainID: strPtr("dom-1"), Subdomain: strPtr("app"), Status: enum.StatusCreating},
	}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	d := &Deployment{
		Resource: Resource{ID: "dep-1", OwnerUserID: "u1", DisplayName: "b",
			DomainID: strPtr("dom-1"), Subdomain: strPtr("app"), Status: enum.StatusCreating},
	}
	err := s.CreateDeployment(ctx, d)
	assert.ErrorIs(t, err, ErrConflict)

	// Different subdomain on same domain is fine.
	d.Subdomain = strPtr("app2")
	require.NoError(t, s.CreateDeployment(ctx, d))
}

func TestBuildAtMostOneBuildingPerDeployment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b1 := &Build{ID: "build-1", DeploymentID: "dep-1", Status: enum.BuildStatusBuilding}
	require.NoError(t, s.CreateBuild(ctx, b1))

	b2 := &Build{ID: "build-2", DeploymentID: "dep-1", Status: enum.BuildStatusBuilding}
	err := s.CreateBuild(ctx, b2)
	assert.ErrorIs(t, err, ErrConflict)

	active, err := s.FindActiveBuildByDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "build-1", active.ID)

	b1.Status = enum.BuildStatusSuccess
	require.NoError(t, s.UpdateBuild(ctx, b1))

	require.NoError(t, s.CreateBuild(ctx, b2))
}

func TestBucketObjectInvariantMaintained(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b := &Bucket{Resource: Resource{ID: "bkt-1", OwnerUserID: "u1", DisplayName: "mybucket", Status: enum.StatusRunning}}
	require.NoError(t, s.CreateBucket(ctx, b))

	require.NoError(t, s.UpsertBucketObject(ctx, &BucketObject{BucketID: "bkt-1", Key: "a/b.txt", VersionID: "v1", Size: 17}))

	got, err := s.FindBucketByID(ctx, "bkt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ObjectCount)
	assert.EqualValues(t, 17, got.TotalSizeBytes)

	objs, err := s.ListBucketObjects(ctx, "bkt-1", "a/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "a/b.txt", objs[0].Key)

	require.NoError(t, s.DeleteBucketObject(ctx, "bkt-1", "a/b.txt", "v1"))

	got, err = s.FindBucketByID(ctx, "bkt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.ObjectCount)
	assert.EqualValues(t, 0, got.TotalSizeBytes)
}

func TestBucketUniquePublicURLAndOwnerName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	b1 := &Bucket{Resource: Resource{ID: "bkt-1", OwnerUserID: "u1", DisplayName: "assets", Status: enum.StatusRunning},
		PublicURL: strPtr("assets-xyz")}
	require.NoError(t, s.CreateBucket(ctx, b1))

	b2 := &Bucket{Resource: Resource{ID: "bkt-2", OwnerUserID: "u2", DisplayName: "other", Status: enum.StatusRunning},
		PublicURL: strPtr("assets-xyz")}
	assert.ErrorIs(t, s.CreateBucket(ctx, b2), ErrConflict)

	b3 := &Bucket{Resource: Resource{ID: "bkt-3", OwnerUserID: "u1", DisplayName: "assets", Status: enum.StatusRunning}}
	assert.ErrorIs(t, s.CreateBucket(ctx, b3), ErrConflict)
}

func TestPortInUseChecksActiveStatusesOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &Workspace{Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a", Status: enum.StatusRunning},
		VSCodePort: intPtr(40010), AgentPort: intPtr(40011)}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	inUse, err := s.PortInUse(ctx, 40010)
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = s.PortInUse(ctx, 40012)
	require.NoError(t, err)
	assert.False(t, inUse)

	w.Status = enum.StatusStopped
	require.NoError(t, s.UpdateWorkspace(ctx, w))

	inUse, err = s.PortInUse(ctx, 40010)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		w := &Workspace{Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a", Status: enum.StatusCreating}}
		if createErr := tx.CreateWorkspace(ctx, w); createErr != nil {
			return createErr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.FindWorkspaceByID(ctx, "ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Store) error {
		w := &Workspace{Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a", Status: enum.StatusCreating}}
		return tx.CreateWorkspace(ctx, w)
	})
	require.NoError(t, err)

	_, err = s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
}

func TestDomainUniqueNameAndVerifiedFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &Domain{ID: "dom-1", OwnerUserID: "u1", Name: "example.com", Verified: true}
	require.NoError(t, s.CreateDomain(ctx, d))

	dup := &Domain{ID: "dom-2", OwnerUserID: "u2", Name: "example.com"}
	assert.ErrorIs(t, s.CreateDomain(ctx, dup), ErrConflict)

	got, err := s.FindDomainByName(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func TestFindResourceBySubdomain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := &Workspace{Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a",
		DomainID: strPtr("dom-1"), Subdomain: strPtr("app"), Status: enum.StatusCreating}}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	ref, err := s.FindResourceBySubdomain(ctx, "dom-1", "app")
	require.NoError(t, err)
	assert.Equal(t, "workspace", ref.Kind)
	assert.Equal(t, "ws-1", ref.ID)

	_, err = s.FindResourceBySubdomain(ctx, "dom-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
