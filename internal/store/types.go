// Package store is the persistent state store: every managed
// resource's durable record, plus the transaction and lookup contract
// the rest of the control plane builds on. It is implemented directly
// against database/sql, with an in-memory implementation backing unit
// tests that avoid live infrastructure.
package store

import (
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
)

// Resource holds the fields common to every managed resource kind.
type Resource struct {
	ID          string
	OwnerUserID string
	OwnerTeamID *string
	DomainID    *string
	Subdomain   *string
	DisplayName string
	Status      enum.ResourceStatus
	ContainerID *string
	VolumeID    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Workspace is a long-lived container running a code editor and
// in-container agent bridge, owned by one user.
type Workspace struct {
	Resource

	VSCodePort *int
	AgentPort  *int

	RepoURL    string
	CloneToken *string
	Preset     string

	// SecretEnv holds encrypted values; callers decrypt via
	// internal/secrets.DecryptEnvMap before injecting into a container.
	SecretEnv map[string]string
}

// Deployment is a container running a user-built application, optionally
// exposed under a routed subdomain.
type Deployment struct {
	Resource

	// WorkspaceID, when set, ties this deployment's build to a running
	// workspace: the builder execs BuildCommand inside that workspace's
	// container instead of provisioning a standalone build container.
	WorkspaceID *string

	BuildCommand string
	StartCommand string
	WorkingDir   string
	InternalPort int

	// Env holds encrypted values; see Workspace.SecretEnv.
	Env map[string]string

	GithubRepo    *string
	GithubBranch  *string
	GithubRootDir *string
	AutoRebuild   bool
	WebhookSecret *string

	ExposedPort    *int
	LastDeployedAt *time.Time
}

// Build is a single build attempt belonging to a Deployment.
type Build struct {
	ID           string
	DeploymentID string
	Status       enum.BuildStatus
	Trigger      string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Logs         string
	ErrorMessage *string
}

// Database is a container running a managed database engine (or, for
// SQLite, no container at all).
type Database struct {
	Resource

	Engine   enum.DatabaseEngine
	Version  string
	Username string
	Password string
	DBName   string

	Host         string
	ExternalPort *int
}

// Bucket is a container running an S3-compatible object server hosting
// one logical bucket.
type Bucket struct {
	Resource

	AccessKey string
	SecretKey string
	Region    string

	Versioning   bool
	Encryption   bool
	PublicAccess bool
	MaxSizeBytes *int64

	PublicURL *string

	APIPort     *int
	ConsolePort *int

	ObjectCount    int64
	TotalSizeBytes int64
}

// BucketObject is a single object stored in a Bucket.
type BucketObject struct {
	BucketID    string
	Key         string
	VersionID   string
	Size        int64
	ContentType string
	ETag        string
	Metadata    map[string]string
	IsPublic    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Agent is a short-lived in-container process running an LLM with tool
// use, belonging to a Workspace.
type Agent struct {
	ID          string
	WorkspaceID string
	Status      enum.AgentStatus
	AgentPort   *int

	// Serialized JSON baselines, replayed forward by the gateway's
	// snapshot reducer on hydration.
	ConversationHistory string
	ToolCalls           string
	FilesEdited         string

	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Domain is a custom domain a user has attached and proven ownership of.
// Only Verified domains may be referenced by a Resource.
type Domain struct {
	ID                string
	OwnerUserID       string
	Name              string
	Verified          bool
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ResourceRef identifies a resource row by kind and id, used for
// cross-kind lookups such as the (subdomain, domainId) uniqueness check.
type ResourceRef struct {
	Kind string // "workspace", "deployment", "database", "bucket"
	ID   string
}
