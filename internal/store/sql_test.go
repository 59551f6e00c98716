package store

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLStore(context.Background(), db, DialectSQLite)
	require.NoError(t, err)
	return s
}

func TestSQLStoreWorkspaceCRUD(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	w := &Workspace{
		Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "dev", Status: enum.StatusCreating},
		RepoURL:  "https://github.com/o/r",
		Preset:   "default",
		SecretEnv: map[string]string{
			"API_KEY": "shh",
		},
	}
	require.NoError(t, s.CreateWorkspace(ctx, w))
	assert.False(t, w.CreatedAt.IsZero())

	got, err := s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.DisplayName)
	assert.Equal(t, "shh", got.SecretEnv["API_KEY"])

	got.Status = enum.StatusRunning
	require.NoError(t, s.UpdateWorkspace(ctx, got))

	got2, err := s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, enum.StatusRunning, got2.Status)

	require.NoError(t, s.DeleteWorkspace(ctx, "ws-1"))
	_, err = s.FindWorkspaceByID(ctx, "ws-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreSubdomainUniquenessAcrossKinds(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	w := &Workspace{
		Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a",
			DomainID: strPtr("dom-1"), Subdomain: strPtr("app"), Status: enum.StatusCreating},
	}
	require.NoError(t, s.CreateWorkspace(ctx, w))

	d := &Deployment{
		Resource: Resource{ID: "dep-1", OwnerUserID: "u1", DisplayName: "b",
			DomainID: strPtr("dom-1"), Subdomain: strPtr("app"), Status: enum.StatusCreating},
		InternalPort: 3000,
	}
	err := s.CreateDeployment(ctx, d)
	assert.ErrorIs(t, err, ErrConflict)

	d.Subdomain = strPtr("app2")
	require.NoError(t, s.CreateDeployment(ctx, d))

	ref, err := s.FindResourceBySubdomain(ctx, "dom-1", "app2")
	require.NoError(t, err)
	assert.Equal(t, "deployment", ref.Kind)
}

func TestSQLStoreBuildAtMostOneBuildingPerDeployment(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	b1 := &Build{ID: "build-1", DeploymentID: "dep-1", Status: enum.BuildStatusBuilding, Trigger: "manual"}
	require.NoError(t, s.CreateBuild(ctx, b1))

	b2 := &Build{ID: "build-2", DeploymentID: "dep-1", Status: enum.BuildStatusBuilding, Trigger: "manual"}
	assert.ErrorIs(t, s.CreateBuild(ctx, b2), ErrConflict)

	active, err := s.FindActiveBuildByDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "build-1", active.ID)

	b1.Status = enum.BuildStatusSuccess
	require.NoError(t, s.UpdateBuild(ctx, b1))

	require.NoError(t, s.CreateBuild(ctx, b2))

	builds, err := s.ListBuildsByDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}

func TestSQLStoreBucketObjectInvariantMaintained(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	b := &Bucket{Resource: Resource{ID: "bkt-1", OwnerUserID: "u1", DisplayName: "mybucket", Status: enum.StatusRunning},
		AccessKey: "ak", SecretKey: "sk", Region: "us-east-1"}
	require.NoError(t, s.CreateBucket(ctx, b))

	require.NoError(t, s.UpsertBucketObject(ctx, &BucketObject{BucketID: "bkt-1", Key: "a/b.txt", VersionID: "v1", Size: 17}))

	got, err := s.FindBucketByID(ctx, "bkt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ObjectCount)
	assert.EqualValues(t, 17, got.TotalSizeBytes)

	objs, err := s.ListBucketObjects(ctx, "bkt-1", "a/")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	require.NoError(t, s.DeleteBucketObject(ctx, "bkt-1", "a/b.txt", "v1"))

	got, err = s.FindBucketByID(ctx, "bkt-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.ObjectCount)
	assert.EqualValues(t, 0, got.TotalSizeBytes)
}

func TestSQLStoreBucketUniquePublicURLAndOwnerName(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	b1 := &Bucket{Resource: Resource{ID: "bkt-1", OwnerUserID: "u1", DisplayName: "assets", Status: enum.StatusRunning},
		AccessKey: "ak", SecretKey: "sk", Region: "us-east-1", PublicURL: strPtr("assets-xyz")}
	require.NoError(t, s.CreateBucket(ctx, b1))

	b2 := &Bucket{Resource: Resource{ID: "bkt-2", OwnerUserID: "u2", DisplayName: "other", Status: enum.StatusRunning},
		AccessKey: "ak", SecretKey: "sk", Region: "us-east-1", PublicURL: strPtr("assets-xyz")}
	assert.ErrorIs(t, s.CreateBucket(ctx, b2), ErrConflict)

	b3 := &Bucket{Resource: Resource{ID: "bkt-3", OwnerUserID: "u1", DisplayName: "assets", Status: enum.StatusRunning},
		AccessKey: "ak", SecretKey: "sk", Region: "us-east-1"}
	assert.ErrorIs(t, s.CreateBucket(ctx, b3), ErrConflict)
}

func TestSQLStorePortInUseChecksActiveStatusesOnly(t *testing.T) {
	s := newSQLiteStore(t)
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

func TestSQLStoreWithTxRollsBackOnError(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	boom := assert.AnError
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

func TestSQLStoreWithTxCommitsOnSuccess(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Store) error {
		w := &Workspace{Resource: Resource{ID: "ws-1", OwnerUserID: "u1", DisplayName: "a", Status: enum.StatusCreating}}
		return tx.CreateWorkspace(ctx, w)
	})
	require.NoError(t, err)

	_, err = s.FindWorkspaceByID(ctx, "ws-1")
	require.NoError(t, err)
}

func TestSQLStoreDomainUniqueNameAndVerifiedFlag(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	d := &Domain{ID: "dom-1", OwnerUserID: "u1", Name: "example.com", Verified: true, VerificationToken: "tok"}
	require.NoError(t, s.CreateDomain(ctx, d))

	dup := &Domain{ID: "dom-2", OwnerUserID: "u2", Name: "example.com", VerificationToken: "tok2"}
	assert.ErrorIs(t, s.CreateDomain(ctx, dup), ErrConflict)

	got, err := s.FindDomainByName(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func TestSQLStoreDatabaseAndAgentCRUD(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	db := &Database{
		Resource: Resource{ID: "db-1", OwnerUserID: "u1", DisplayName: "pg", Status: enum.StatusCreating},
		Engine:   enum.DatabasePostgres,
		Version:  "16",
		Username: "app",
		Password: "pw",
		DBName:   "app",
		Host:     "db-1.internal",
	}
	require.NoError(t, s.CreateDatabase(ctx, db))

	got, err := s.FindDatabaseByID(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, enum.DatabasePostgres, got.Engine)

	require.NoError(t, s.DeleteDatabase(ctx, "db-1"))
	_, err = s.FindDatabaseByID(ctx, "db-1")
	assert.ErrorIs(t, err, ErrNotFound)

	a := &Agent{ID: "agent-1", WorkspaceID: "ws-1", Status: enum.AgentStatusRunning}
	require.NoError(t, s.CreateAgent(ctx, a))
	gotAgent, err := s.FindAgentByID(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, enum.AgentStatusRunning, gotAgent.Status)

	require.NoError(t, s.DeleteAgent(ctx, "agent-1"))
	_, err = s.FindAgentByID(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
