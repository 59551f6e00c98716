// Package enum holds the small closed value sets shared across resource
// kinds: lifecycle statuses, database engines, and build outcomes.
package enum

// ResourceStatus is the lifecycle status shared by every managed resource
// (workspace, deployment, database, bucket).
type ResourceStatus string

const (
	StatusCreating ResourceStatus = "CREATING"
	StatusStarting ResourceStatus = "STARTING"
	StatusRunning  ResourceStatus = "RUNNING"
	StatusStopping ResourceStatus = "STOPPING"
	StatusStopped  ResourceStatus = "STOPPED"
	StatusError    ResourceStatus = "ERROR"
	StatusDeleted  ResourceStatus = "DELETED"

	// StatusBuilding is Deployment-specific: the builder holds a
	// deployment here for the length of a Build, then moves it to
	// StatusRunning or StatusError.
	StatusBuilding ResourceStatus = "BUILDING"
)

// Values returns all possible resource status values.
func (ResourceStatus) Values() []string {
	return []string{
		string(StatusCreating), string(StatusStarting), string(StatusRunning),
		string(StatusStopping), string(StatusStopped), string(StatusError),
		string(StatusDeleted), string(StatusBuilding),
	}
}

// BuildStatus is the lifecycle of a Deployment's Build child row.
type BuildStatus string

const (
	BuildStatusBuilding  BuildStatus = "BUILDING"
	BuildStatusSuccess   BuildStatus = "SUCCESS"
	BuildStatusFailed    BuildStatus = "FAILED"
	BuildStatusCancelled BuildStatus = "CANCELLED"
)

// IsTerminal reports whether the build status will never change again.
func (b BuildStatus) IsTerminal() bool {
	return b == BuildStatusSuccess || b == BuildStatusFailed || b == BuildStatusCancelled
}

// AgentStatus is the lifecycle of an Agent run.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "PENDING"
	AgentStatusCloning   AgentStatus = "CLONING"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusFailed    AgentStatus = "FAILED"
)

// DatabaseEngine enumerates the supported Database resource engines.
type DatabaseEngine string

const (
	DatabasePostgres DatabaseEngine = "POSTGRES"
	DatabaseMySQL    DatabaseEngine = "MYSQL"
	DatabaseMongoDB  DatabaseEngine = "MONGODB"
	DatabaseRedis    DatabaseEngine = "REDIS"
	DatabaseSQLite   DatabaseEngine = "SQLITE"
)

// DefaultPort returns the engine's conventional internal port, or 0 for
// SQLite (which has no container and no port).
func (e DatabaseEngine) DefaultPort() int {
	switch e {
	case DatabasePostgres:
		return 5432
	case DatabaseMySQL:
		return 3306
	case DatabaseMongoDB:
		return 27017
	case DatabaseRedis:
		return 6379
	default:
		return 0
	}
}

// FileEditOperation enumerates the kinds of file mutation an agent can report.
type FileEditOperation string

const (
	FileEditCreated  FileEditOperation = "created"
	FileEditModified FileEditOperation = "modified"
	FileEditDeleted  FileEditOperation = "deleted"
)

// TCPRouteProtocol enumerates the database wire protocols the proxy can
// route over TCP SNI.
type TCPRouteProtocol string

const (
	ProtocolPostgres TCPRouteProtocol = "postgres"
	ProtocolMySQL    TCPRouteProtocol = "mysql"
	ProtocolMongoDB  TCPRouteProtocol = "mongodb"
	ProtocolRedis    TCPRouteProtocol = "redis"
)
