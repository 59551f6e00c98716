package store

// schemaStatements returns the CREATE TABLE statements for the given
// dialect. Both dialects use the same logical schema; only the
// autoincrement/boolean/text column spellings differ enough to need
// separate strings.
func schemaStatements(dialect Dialect) []string {
	if dialect == DialectSQLite {
		return sqliteSchema
	}
	return postgresSchema
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		vscode_port INTEGER,
		agent_port INTEGER,
		repo_url TEXT NOT NULL,
		clone_token TEXT,
		preset TEXT NOT NULL,
		secret_env TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		workspace_id TEXT,
		build_command TEXT,
		start_command TEXT,
		working_dir TEXT,
		internal_port INTEGER NOT NULL,
		env TEXT NOT NULL DEFAULT '{}',
		github_repo TEXT,
		github_branch TEXT,
		github_root_dir TEXT,
		auto_rebuild BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_secret TEXT,
		exposed_port INTEGER,
		last_deployed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		logs TEXT NOT NULL DEFAULT '',
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS databases (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		engine TEXT NOT NULL,
		version TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		db_name TEXT NOT NULL,
		host TEXT NOT NULL,
		external_port INTEGER,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		access_key TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		region TEXT NOT NULL,
		versioning BOOLEAN NOT NULL DEFAULT FALSE,
		encryption BOOLEAN NOT NULL DEFAULT FALSE,
		public_access BOOLEAN NOT NULL DEFAULT FALSE,
		max_size_bytes BIGINT,
		public_url TEXT,
		api_port INTEGER,
		console_port INTEGER,
		object_count BIGINT NOT NULL DEFAULT 0,
		total_size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bucket_objects (
		bucket_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version_id TEXT NOT NULL,
		size BIGINT NOT NULL,
		content_type TEXT,
		etag TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (bucket_id, key, version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		agent_port INTEGER,
		conversation_history TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		files_edited TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL UNIQUE,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		verification_token TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		vscode_port INTEGER,
		agent_port INTEGER,
		repo_url TEXT NOT NULL,
		clone_token TEXT,
		preset TEXT NOT NULL,
		secret_env TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		workspace_id TEXT,
		build_command TEXT,
		start_command TEXT,
		working_dir TEXT,
		internal_port INTEGER NOT NULL,
		env TEXT NOT NULL DEFAULT '{}',
		github_repo TEXT,
		github_branch TEXT,
		github_root_dir TEXT,
		auto_rebuild BOOLEAN NOT NULL DEFAULT 0,
		webhook_secret TEXT,
		exposed_port INTEGER,
		last_deployed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		logs TEXT NOT NULL DEFAULT '',
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS databases (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		engine TEXT NOT NULL,
		version TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		db_name TEXT NOT NULL,
		host TEXT NOT NULL,
		external_port INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		owner_team_id TEXT,
		domain_id TEXT,
		subdomain TEXT,
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		container_id TEXT,
		volume_id TEXT,
		access_key TEXT NOT NULL,
		secret_key TEXT NOT NULL,
		region TEXT NOT NULL,
		versioning BOOLEAN NOT NULL DEFAULT 0,
		encryption BOOLEAN NOT NULL DEFAULT 0,
		public_access BOOLEAN NOT NULL DEFAULT 0,
		max_size_bytes INTEGER,
		public_url TEXT,
		api_port INTEGER,
		console_port INTEGER,
		object_count INTEGER NOT NULL DEFAULT 0,
		total_size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bucket_objects (
		bucket_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		content_type TEXT,
		etag TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		is_public BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (bucket_id, key, version_id)
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		agent_port INTEGER,
		conversation_history TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		files_edited TEXT NOT NULL DEFAULT '',
		last_message_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS domains (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL UNIQUE,
		verified BOOLEAN NOT NULL DEFAULT 0,
		verification_token TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}
