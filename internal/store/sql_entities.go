package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalpana-labs/kalpana-controlplane/internal/enum"
)

// --- Deployment ---

func (s *sqlStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	if err := s.checkSubdomain(ctx, "deployment", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	env, err := marshalMap(d.Env)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.exec(ctx, `INSERT INTO deployments
		(id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
		 workspace_id, build_command, start_command, working_dir, internal_port, env, github_repo, github_branch, github_root_dir,
		 auto_rebuild, webhook_secret, exposed_port, last_deployed_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerUserID, d.OwnerTeamID, d.DomainID, d.Subdomain, d.DisplayName, string(d.Status), d.ContainerID, d.VolumeID,
		d.WorkspaceID, d.BuildCommand, d.StartCommand, d.WorkingDir, d.InternalPort, env, d.GithubRepo, d.GithubBranch, d.GithubRootDir,
		d.AutoRebuild, d.WebhookSecret, d.ExposedPort, d.LastDeployedAt, now, now)
	if err != nil {
		return err
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return nil
}

func scanDeployment(scan func(...interface{}) error) (*Deployment, error) {
	var d Deployment
	var status, env string
	if err := scan(&d.ID, &d.OwnerUserID, &d.OwnerTeamID, &d.DomainID, &d.Subdomain, &d.DisplayName, &status,
		&d.ContainerID, &d.VolumeID, &d.WorkspaceID, &d.BuildCommand, &d.StartCommand, &d.WorkingDir, &d.InternalPort, &env,
		&d.GithubRepo, &d.GithubBranch, &d.GithubRootDir, &d.AutoRebuild, &d.WebhookSecret, &d.ExposedPort,
		&d.LastDeployedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = enum.ResourceStatus(status)
	m, err := unmarshalMap(env)
	if err != nil {
		return nil, err
	}
	d.Env = m
	return &d, nil
}

const deploymentColumns = `id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
	workspace_id, build_command, start_command, working_dir, internal_port, env, github_repo, github_branch, github_root_dir,
	auto_rebuild, webhook_secret, exposed_port, last_deployed_at, created_at, updated_at`

func (s *sqlStore) FindDeploymentByID(ctx context.Context, id string) (*Deployment, error) {
	row := s.queryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) UpdateDeployment(ctx context.Context, d *Deployment) error {
	if _, err := s.FindDeploymentByID(ctx, d.ID); err != nil {
		return err
	}
	if err := s.checkSubdomain(ctx, "deployment", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	env, err := marshalMap(d.Env)
	if err != nil {
		return err
	}
	d.UpdatedAt = time.Now()
	_, err = s.exec(ctx, `UPDATE deployments SET owner_team_id=?, domain_id=?, subdomain=?, display_name=?, status=?,
		container_id=?, volume_id=?, workspace_id=?, build_command=?, start_command=?, working_dir=?, internal_port=?, env=?,
		github_repo=?, github_branch=?, github_root_dir=?, auto_rebuild=?, webhook_secret=?, exposed_port=?,
		last_deployed_at=?, updated_at=? WHERE id=?`,
		d.OwnerTeamID, d.DomainID, d.Subdomain, d.DisplayName, string(d.Status), d.ContainerID, d.VolumeID,
		d.WorkspaceID, d.BuildCommand, d.StartCommand, d.WorkingDir, d.InternalPort, env, d.GithubRepo, d.GithubBranch, d.GithubRootDir,
		d.AutoRebuild, d.WebhookSecret, d.ExposedPort, d.LastDeployedAt, d.UpdatedAt, d.ID)
	return err
}

func (s *sqlStore) DeleteDeployment(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM deployments WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *sqlStore) ListDeploymentsByOwner(ctx context.Context, ownerUserID string) ([]*Deployment, error) {
	rows, err := s.query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE owner_user_id = ?`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Build ---

func (s *sqlStore) CreateBuild(ctx context.Context, b *Build) error {
	if b.Status == enum.BuildStatusBuilding {
		active, err := s.FindActiveBuildByDeployment(ctx, b.DeploymentID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: deployment %s already has a build in progress", ErrConflict, b.DeploymentID)
		}
	}
	_, err := s.exec(ctx, `INSERT INTO builds (id, deployment_id, status, trigger, started_at, completed_at, logs, error_message)
		VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.DeploymentID, string(b.Status), b.Trigger, b.StartedAt, b.CompletedAt, b.Logs, b.ErrorMessage)
	return err
}

func scanBuild(scan func(...interface{}) error) (*Build, error) {
	var b Build
	var status string
	if err := scan(&b.ID, &b.DeploymentID, &status, &b.Trigger, &b.StartedAt, &b.CompletedAt, &b.Logs, &b.ErrorMessage); err != nil {
		return nil, err
	}
	b.Status = enum.BuildStatus(status)
	return &b, nil
}

const buildColumns = `id, deployment_id, status, trigger, started_at, completed_at, logs, error_message`

func (s *sqlStore) FindBuildByID(ctx context.Context, id string) (*Build, error) {
	row := s.queryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) UpdateBuild(ctx context.Context, b *Build) error {
	_, err := s.exec(ctx, `UPDATE builds SET status=?, trigger=?, started_at=?, completed_at=?, logs=?, error_message=? WHERE id=?`,
		string(b.Status), b.Trigger, b.StartedAt, b.CompletedAt, b.Logs, b.ErrorMessage, b.ID)
	return err
}

func (s *sqlStore) FindActiveBuildByDeployment(ctx context.Context, deploymentID string) (*Build, error) {
	row := s.queryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE deployment_id = ? AND status = ? LIMIT 1`,
		deploymentID, string(enum.BuildStatusBuilding))
	b, err := scanBuild(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) ListBuildsByDeployment(ctx context.Context, deploymentID string) ([]*Build, error) {
	rows, err := s.query(ctx, `SELECT `+buildColumns+` FROM builds WHERE deployment_id = ? ORDER BY started_at DESC`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteBuildsByDeployment(ctx context.Context, deploymentID string) error {
	_, err := s.exec(ctx, `DELETE FROM builds WHERE deployment_id = ?`, deploymentID)
	return err
}

// --- Database ---

func (s *sqlStore) CreateDatabase(ctx context.Context, d *Database) error {
	if err := s.checkSubdomain(ctx, "database", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.exec(ctx, `INSERT INTO databases
		(id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
		 engine, version, username, password, db_name, host, external_port, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerUserID, d.OwnerTeamID, d.DomainID, d.Subdomain, d.DisplayName, string(d.Status), d.ContainerID, d.VolumeID,
		string(d.Engine), d.Version, d.Username, d.Password, d.DBName, d.Host, d.ExternalPort, now, now)
	if err != nil {
		return err
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return nil
}

const databaseColumns = `id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
	engine, version, username, password, db_name, host, external_port, created_at, updated_at`

func scanDatabase(scan func(...interface{}) error) (*Database, error) {
	var d Database
	var status, engine string
	if err := scan(&d.ID, &d.OwnerUserID, &d.OwnerTeamID, &d.DomainID, &d.Subdomain, &d.DisplayName, &status,
		&d.ContainerID, &d.VolumeID, &engine, &d.Version, &d.Username, &d.Password, &d.DBName, &d.Host, &d.ExternalPort,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = enum.ResourceStatus(status)
	d.Engine = enum.DatabaseEngine(engine)
	return &d, nil
}

func (s *sqlStore) FindDatabaseByID(ctx context.Context, id string) (*Database, error) {
	row := s.queryRow(ctx, `SELECT `+databaseColumns+` FROM databases WHERE id = ?`, id)
	d, err := scanDatabase(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) UpdateDatabase(ctx context.Context, d *Database) error {
	if _, err := s.FindDatabaseByID(ctx, d.ID); err != nil {
		return err
	}
	if err := s.checkSubdomain(ctx, "database", d.ID, d.DomainID, d.Subdomain); err != nil {
		return err
	}
	d.UpdatedAt = time.Now()
	_, err := s.exec(ctx, `UPDATE databases SET owner_team_id=?, domain_id=?, subdomain=?, display_name=?, status=?,
		container_id=?, volume_id=?, engine=?, version=?, username=?, password=?, db_name=?, host=?, external_port=?, updated_at=?
		WHERE id=?`,
		d.OwnerTeamID, d.DomainID, d.Subdomain, d.DisplayName, string(d.Status), d.ContainerID, d.VolumeID,
		string(d.Engine), d.Version, d.Username, d.Password, d.DBName, d.Host, d.ExternalPort, d.UpdatedAt, d.ID)
	return err
}

func (s *sqlStore) DeleteDatabase(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM databases WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *sqlStore) ListDatabasesByOwner(ctx context.Context, ownerUserID string) ([]*Database, error) {
	rows, err := s.query(ctx, `SELECT `+databaseColumns+` FROM databases WHERE owner_user_id = ?`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Database
	for rows.Next() {
		d, err := scanDatabase(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Bucket ---

func (s *sqlStore) checkBucketUnique(ctx context.Context, b *Bucket) error {
	if b.PublicURL != nil {
		var count int
		if err := s.queryRow(ctx, `SELECT COUNT(*) FROM buckets WHERE public_url = ? AND id != ?`, *b.PublicURL, b.ID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: publicUrl %q already in use", ErrConflict, *b.PublicURL)
		}
	}
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM buckets WHERE owner_user_id = ? AND display_name = ? AND id != ?`,
		b.OwnerUserID, b.DisplayName, b.ID).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: bucket name %q already used by this owner", ErrConflict, b.DisplayName)
	}
	return nil
}

func (s *sqlStore) CreateBucket(ctx context.Context, b *Bucket) error {
	if err := s.checkSubdomain(ctx, "bucket", b.ID, b.DomainID, b.Subdomain); err != nil {
		return err
	}
	if err := s.checkBucketUnique(ctx, b); err != nil {
		return err
	}
	now := time.Now()
	_, err := s.exec(ctx, `INSERT INTO buckets
		(id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
		 access_key, secret_key, region, versioning, encryption, public_access, max_size_bytes, public_url,
		 api_port, console_port, object_count, total_size_bytes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.OwnerUserID, b.OwnerTeamID, b.DomainID, b.Subdomain, b.DisplayName, string(b.Status), b.ContainerID, b.VolumeID,
		b.AccessKey, b.SecretKey, b.Region, b.Versioning, b.Encryption, b.PublicAccess, b.MaxSizeBytes, b.PublicURL,
		b.APIPort, b.ConsolePort, b.ObjectCount, b.TotalSizeBytes, now, now)
	if err != nil {
		return err
	}
	b.CreatedAt, b.UpdatedAt = now, now
	return nil
}

const bucketColumns = `id, owner_user_id, owner_team_id, domain_id, subdomain, display_name, status, container_id, volume_id,
	access_key, secret_key, region, versioning, encryption, public_access, max_size_bytes, public_url,
	api_port, console_port, object_count, total_size_bytes, created_at, updated_at`

func scanBucket(scan func(...interface{}) error) (*Bucket, error) {
	var b Bucket
	var status string
	if err := scan(&b.ID, &b.OwnerUserID, &b.OwnerTeamID, &b.DomainID, &b.Subdomain, &b.DisplayName, &status,
		&b.ContainerID, &b.VolumeID, &b.AccessKey, &b.SecretKey, &b.Region, &b.Versioning, &b.Encryption, &b.PublicAccess,
		&b.MaxSizeBytes, &b.PublicURL, &b.APIPort, &b.ConsolePort, &b.ObjectCount, &b.TotalSizeBytes,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = enum.ResourceStatus(status)
	return &b, nil
}

func (s *sqlStore) FindBucketByID(ctx context.Context, id string) (*Bucket, error) {
	row := s.queryRow(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) UpdateBucket(ctx context.Context, b *Bucket) error {
	if _, err := s.FindBucketByID(ctx, b.ID); err != nil {
		return err
	}
	if err := s.checkSubdomain(ctx, "bucket", b.ID, b.DomainID, b.Subdomain); err != nil {
		return err
	}
	if err := s.checkBucketUnique(ctx, b); err != nil {
		return err
	}
	b.UpdatedAt = time.Now()
	_, err := s.exec(ctx, `UPDATE buckets SET owner_team_id=?, domain_id=?, subdomain=?, display_name=?, status=?,
		container_id=?, volume_id=?, access_key=?, secret_key=?, region=?, versioning=?, encryption=?, public_access=?,
		max_size_bytes=?, public_url=?, api_port=?, console_port=?, object_count=?, total_size_bytes=?, updated_at=?
		WHERE id=?`,
		b.OwnerTeamID, b.DomainID, b.Subdomain, b.DisplayName, string(b.Status), b.ContainerID, b.VolumeID,
		b.AccessKey, b.SecretKey, b.Region, b.Versioning, b.Encryption, b.PublicAccess, b.MaxSizeBytes, b.PublicURL,
		b.APIPort, b.ConsolePort, b.ObjectCount, b.TotalSizeBytes, b.UpdatedAt, b.ID)
	return err
}

func (s *sqlStore) DeleteBucket(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM buckets WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *sqlStore) ListBucketsByOwner(ctx context.Context, ownerUserID string) ([]*Bucket, error) {
	rows, err := s.query(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE owner_user_id = ?`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Bucket
	for rows.Next() {
		b, err := scanBucket(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindBucketByPublicURL(ctx context.Context, slug string) (*Bucket, error) {
	row := s.queryRow(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE public_url = ?`, slug)
	b, err := scanBucket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) FindBucketByOwnerAndName(ctx context.Context, ownerUserID, name string) (*Bucket, error) {
	row := s.queryRow(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE owner_user_id = ? AND display_name = ?`, ownerUserID, name)
	b, err := scanBucket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

// --- BucketObject ---

func (s *sqlStore) UpsertBucketObject(ctx context.Context, o *BucketObject) error {
	meta, err := marshalMap(o.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	existing, err := s.FindBucketObject(ctx, o.BucketID, o.Key, o.VersionID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		o.CreatedAt = existing.CreatedAt
		o.UpdatedAt = now
		_, err = s.exec(ctx, `UPDATE bucket_objects SET size=?, content_type=?, etag=?, metadata=?, is_public=?, updated_at=?
			WHERE bucket_id=? AND key=? AND version_id=?`,
			o.Size, o.ContentType, o.ETag, meta, o.IsPublic, o.UpdatedAt, o.BucketID, o.Key, o.VersionID)
	} else {
		o.CreatedAt, o.UpdatedAt = now, now
		_, err = s.exec(ctx, `INSERT INTO bucket_objects (bucket_id, key, version_id, size, content_type, etag, metadata, is_public, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			o.BucketID, o.Key, o.VersionID, o.Size, o.ContentType, o.ETag, meta, o.IsPublic, o.CreatedAt, o.UpdatedAt)
	}
	if err != nil {
		return err
	}
	return s.recomputeBucketStats(ctx, o.BucketID)
}

func (s *sqlStore) DeleteBucketObject(ctx context.Context, bucketID, key, versionID string) error {
	res, err := s.exec(ctx, `DELETE FROM bucket_objects WHERE bucket_id=? AND key=? AND version_id=?`, bucketID, key, versionID)
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}
	return s.recomputeBucketStats(ctx, bucketID)
}

func (s *sqlStore) recomputeBucketStats(ctx context.Context, bucketID string) error {
	var count, total sql.NullInt64
	row := s.queryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM bucket_objects WHERE bucket_id = ?`, bucketID)
	if err := row.Scan(&count, &total); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE buckets SET object_count=?, total_size_bytes=?, updated_at=? WHERE id=?`,
		count.Int64, total.Int64, time.Now(), bucketID)
	return err
}

func scanBucketObject(scan func(...interface{}) error) (*BucketObject, error) {
	var o BucketObject
	var meta string
	if err := scan(&o.BucketID, &o.Key, &o.VersionID, &o.Size, &o.ContentType, &o.ETag, &meta, &o.IsPublic,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := unmarshalMap(meta)
	if err != nil {
		return nil, err
	}
	o.Metadata = m
	return &o, nil
}

const bucketObjectColumns = `bucket_id, key, version_id, size, content_type, etag, metadata, is_public, created_at, updated_at`

func (s *sqlStore) FindBucketObject(ctx context.Context, bucketID, key, versionID string) (*BucketObject, error) {
	row := s.queryRow(ctx, `SELECT `+bucketObjectColumns+` FROM bucket_objects WHERE bucket_id=? AND key=? AND version_id=?`,
		bucketID, key, versionID)
	o, err := scanBucketObject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *sqlStore) ListBucketObjects(ctx context.Context, bucketID, prefix string) ([]*BucketObject, error) {
	query := `SELECT ` + bucketObjectColumns + ` FROM bucket_objects WHERE bucket_id = ?`
	args := []interface{}{bucketID}
	if prefix != "" {
		query += ` AND key LIKE ?`
		args = append(args, prefix+"%")
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BucketObject
	for rows.Next() {
		o, err := scanBucketObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Agent ---

func (s *sqlStore) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now()
	_, err := s.exec(ctx, `INSERT INTO agents
		(id, workspace_id, status, agent_port, conversation_history, tool_calls, files_edited, last_message_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, string(a.Status), a.AgentPort, a.ConversationHistory, a.ToolCalls, a.FilesEdited,
		a.LastMessageAt, now, now)
	if err != nil {
		return err
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

const agentColumns = `id, workspace_id, status, agent_port, conversation_history, tool_calls, files_edited, last_message_at, created_at, updated_at`

func scanAgent(scan func(...interface{}) error) (*Agent, error) {
	var a Agent
	var status string
	if err := scan(&a.ID, &a.WorkspaceID, &status, &a.AgentPort, &a.ConversationHistory, &a.ToolCalls, &a.FilesEdited,
		&a.LastMessageAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = enum.AgentStatus(status)
	return &a, nil
}

func (s *sqlStore) FindAgentByID(ctx context.Context, id string) (*Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now()
	_, err := s.exec(ctx, `UPDATE agents SET status=?, agent_port=?, conversation_history=?, tool_calls=?, files_edited=?,
		last_message_at=?, updated_at=? WHERE id=?`,
		string(a.Status), a.AgentPort, a.ConversationHistory, a.ToolCalls, a.FilesEdited, a.LastMessageAt, a.UpdatedAt, a.ID)
	return err
}

func (s *sqlStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

// --- Domain ---

func (s *sqlStore) CreateDomain(ctx context.Context, d *Domain) error {
	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM domains WHERE name = ?`, d.Name).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: domain %q already registered", ErrConflict, d.Name)
	}
	now := time.Now()
	_, err := s.exec(ctx, `INSERT INTO domains (id, owner_user_id, name, verified, verification_token, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.OwnerUserID, d.Name, d.Verified, d.VerificationToken, now, now)
	if err != nil {
		return err
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return nil
}

const domainColumns = `id, owner_user_id, name, verified, verification_token, created_at, updated_at`

func scanDomain(scan func(...interface{}) error) (*Domain, error) {
	var d Domain
	if err := scan(&d.ID, &d.OwnerUserID, &d.Name, &d.Verified, &d.VerificationToken, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqlStore) FindDomainByID(ctx context.Context, id string) (*Domain, error) {
	row := s.queryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE id = ?`, id)
	d, err := scanDomain(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *sqlStore) FindDomainByName(ctx context.Context, name string) (*Domain, error) {
	row := s.queryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE name = ?`, name)
	d, err := scanDomain(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}
