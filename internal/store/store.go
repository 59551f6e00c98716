package store

import "context"

// Store is the persistence contract every other component depends on.
// Implementations: sqlStore (database/sql over Postgres or SQLite) for
// production, memoryStore for unit tests.
//
// Every mutating method takes full ownership of timestamps: Create sets
// CreatedAt/UpdatedAt, Update bumps UpdatedAt. Callers never set them.
type Store interface {
	// Workspace
	CreateWorkspace(ctx context.Context, w *Workspace) error
	FindWorkspaceByID(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, w *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByOwner(ctx context.Context, ownerUserID string) ([]*Workspace, error)

	// Deployment
	CreateDeployment(ctx context.Context, d *Deployment) error
	FindDeploymentByID(ctx context.Context, id string) (*Deployment, error)
	UpdateDeployment(ctx context.Context, d *Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	ListDeploymentsByOwner(ctx context.Context, ownerUserID string) ([]*Deployment, error)

	// Build
	CreateBuild(ctx context.Context, b *Build) error
	FindBuildByID(ctx context.Context, id string) (*Build, error)
	UpdateBuild(ctx context.Context, b *Build) error
	FindActiveBuildByDeployment(ctx context.Context, deploymentID string) (*Build, error)
	ListBuildsByDeployment(ctx context.Context, deploymentID string) ([]*Build, error)
	DeleteBuildsByDeployment(ctx context.Context, deploymentID string) error

	// Database
	CreateDatabase(ctx context.Context, d *Database) error
	FindDatabaseByID(ctx context.Context, id string) (*Database, error)
	UpdateDatabase(ctx context.Context, d *Database) error
	DeleteDatabase(ctx context.Context, id string) error
	ListDatabasesByOwner(ctx context.Context, ownerUserID string) ([]*Database, error)

	// Bucket
	CreateBucket(ctx context.Context, b *Bucket) error
	FindBucketByID(ctx context.Context, id string) (*Bucket, error)
	UpdateBucket(ctx context.Context, b *Bucket) error
	DeleteBucket(ctx context.Context, id string) error
	ListBucketsByOwner(ctx context.Context, ownerUserID string) ([]*Bucket, error)
	FindBucketByPublicURL(ctx context.Context, slug string) (*Bucket, error)
	FindBucketByOwnerAndName(ctx context.Context, ownerUserID, name string) (*Bucket, error)

	// BucketObject
	UpsertBucketObject(ctx context.Context, o *BucketObject) error
	DeleteBucketObject(ctx context.Context, bucketID, key, versionID string) error
	FindBucketObject(ctx context.Context, bucketID, key, versionID string) (*BucketObject, error)
	ListBucketObjects(ctx context.Context, bucketID, prefix string) ([]*BucketObject, error)

	// Agent
	CreateAgent(ctx context.Context, a *Agent) error
	FindAgentByID(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// Domain
	CreateDomain(ctx context.Context, d *Domain) error
	FindDomainByID(ctx context.Context, id string) (*Domain, error)
	FindDomainByName(ctx context.Context, name string) (*Domain, error)

	// FindResourceBySubdomain looks up which resource, if any, already
	// holds (domainID, subdomain) — the uniqueness check shared by every
	// resource kind before it is linked to a custom domain.
	FindResourceBySubdomain(ctx context.Context, domainID, subdomain string) (*ResourceRef, error)

	// PortInUse implements portalloc.StateStore: true if any resource
	// record in an active lifecycle status already references port.
	PortInUse(ctx context.Context, port int) (bool, error)

	// WithTx runs fn against a Store bound to a single transaction,
	// committing on success and rolling back on error or panic.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
