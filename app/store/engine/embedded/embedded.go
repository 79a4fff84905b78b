package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

const (
	namespacesTable        = "namespaces"
	repositoriesTable      = "repositories"
	manifestsTable         = "manifests"
	manifestBlobsTable     = "manifest_blobs"
	manifestChildrenTable  = "manifest_children"
	tagsTable              = "tags"
	blobsTable             = "blobs"
	blobPlacementsTable    = "blob_placements"
	uploadedBlobsTable     = "uploaded_blobs"
	blobUploadsTable       = "blob_uploads"
	labelsTable            = "labels"
	appTokensTable         = "app_tokens"
	oauthTokensTable       = "oauth_access_tokens"
	oauthCodesTable        = "oauth_authorization_codes"
	notificationsTable     = "notifications"
	queueItemsTable        = "queue_items"
	proxyConfigsTable      = "proxy_cache_configs"
	repositoryMirrorsTable = "repository_mirrors"
	tagStatsTable          = "tag_pull_statistics"
	manifestStatsTable     = "manifest_pull_statistics"
)

var ErrTableAlreadyExist = errors.New("table already exist or has an error")

// Embedded is the sqlite implementation of engine.Interface. The alive-tag
// predicate, the single-transaction retarget and the blob commit ordering all
// live here.
type Embedded struct {
	Path string `json:"path"`
	db   *sql.DB
}

// NewEmbedded makes an engine bound to a sqlite file path.
func NewEmbedded(pathToDB string) *Embedded {
	return &Embedded{Path: pathToDB}
}

// Connect opens the database and creates missing tables. The connection closes
// when ctx is done.
func (e *Embedded) Connect(ctx context.Context) (err error) {
	e.db, err = sql.Open("sqlite3", e.Path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil || e.Path == "" {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = e.db.Close()
	}()
	return e.initTables(ctx)
}

func (e *Embedded) initTables(ctx context.Context) (err error) {
	for name, ddl := range tableDefinitions() {
		if errInit := e.initTable(ctx, name, ddl); errInit != nil && errInit != ErrTableAlreadyExist {
			err = multierror.Append(err, errors.Wrapf(errInit, "failed to create %s table", name))
		}
	}
	if err != nil {
		return err
	}

	// sqlite creates the file lazily, a bad path surfaces only after the first
	// write transaction
	if _, errStat := os.Stat(e.Path); os.IsNotExist(errStat) {
		return fmt.Errorf("database path is invalid '%s', can't create database file", e.Path)
	}

	return e.seedEmptyLayerBlob(ctx)
}

func (e *Embedded) initTable(ctx context.Context, tableName, ddl string) error {
	if exist, err := e.isTableExist(ctx, tableName); err != nil || exist {
		return ErrTableAlreadyExist
	}
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return nil
}

// seedEmptyLayerBlob inserts the globally shared empty-layer blob row so
// manifests referencing the well-known digest always resolve.
func (e *Embedded) seedEmptyLayerBlob(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (digest, compressed_size, uncompressed_size, uploading) values(?, ?, ?, 0)`, blobsTable),
		store.EmptyLayerDigest.String(), int64(len(store.EmptyLayerBytes)), int64(1024))
	return errors.Wrap(err, "failed to seed empty layer blob")
}

func tableDefinitions() map[string]string {
	return map[string]string{
		namespacesTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE CHECK(name <> ''),
			regions TEXT NOT NULL DEFAULT '[]',
			region_blacklist TEXT NOT NULL DEFAULT '[]',
			quota_limit_bytes INTEGER,
			marked_for_deletion INTEGER NOT NULL DEFAULT 0)`, namespacesTable),

		repositoriesTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace_id INTEGER NOT NULL,
			name TEXT NOT NULL CHECK(name <> ''),
			visibility TEXT NOT NULL DEFAULT 'private',
			state TEXT NOT NULL DEFAULT 'normal',
			description TEXT NOT NULL DEFAULT '',
			UNIQUE(namespace_id, name))`, repositoriesTable),

		manifestsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			digest TEXT NOT NULL CHECK(digest <> ''),
			media_type TEXT NOT NULL,
			bytes BLOB NOT NULL DEFAULT x'',
			layers_compressed_size INTEGER,
			config_media_type TEXT,
			subject TEXT,
			artifact_type TEXT,
			security_status TEXT NOT NULL DEFAULT 'unscanned',
			UNIQUE(repository_id, digest))`, manifestsTable),

		manifestBlobsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			manifest_id INTEGER NOT NULL,
			blob_id INTEGER NOT NULL,
			UNIQUE(manifest_id, blob_id))`, manifestBlobsTable),

		manifestChildrenTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			manifest_id INTEGER NOT NULL,
			child_manifest_id INTEGER NOT NULL,
			UNIQUE(manifest_id, child_manifest_id))`, manifestChildrenTable),

		tagsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			name TEXT NOT NULL CHECK(name <> ''),
			manifest_id INTEGER NOT NULL,
			lifetime_start_ms INTEGER NOT NULL,
			lifetime_end_ms INTEGER,
			reversion INTEGER NOT NULL DEFAULT 0,
			hidden INTEGER NOT NULL DEFAULT 0)`, tagsTable),

		blobsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			digest TEXT NOT NULL UNIQUE CHECK(digest <> ''),
			compressed_size INTEGER NOT NULL DEFAULT 0,
			uncompressed_size INTEGER,
			uploading INTEGER NOT NULL DEFAULT 1)`, blobsTable),

		blobPlacementsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			blob_id INTEGER NOT NULL,
			location TEXT NOT NULL CHECK(location <> ''),
			UNIQUE(blob_id, location))`, blobPlacementsTable),

		uploadedBlobsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			blob_id INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL)`, uploadedBlobsTable),

		blobUploadsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id TEXT NOT NULL UNIQUE,
			repository_id INTEGER NOT NULL,
			byte_count INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			uncompressed_size INTEGER,
			hasher_state BLOB,
			location TEXT NOT NULL,
			storage_metadata TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL)`, blobUploadsTable),

		labelsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			manifest_id INTEGER NOT NULL,
			key TEXT NOT NULL CHECK(key <> ''),
			value TEXT NOT NULL,
			media_type TEXT NOT NULL DEFAULT 'text/plain',
			source_type TEXT NOT NULL DEFAULT 'manifest')`, labelsTable),

		appTokensTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			token_name TEXT NOT NULL UNIQUE,
			token_hash TEXT NOT NULL,
			encrypted_token TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			expiration_ms INTEGER,
			last_accessed_ms INTEGER)`, appTokensTable),

		oauthTokensTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			application_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			token_name TEXT NOT NULL UNIQUE,
			token_hash TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			expires_at_ms INTEGER NOT NULL)`, oauthTokensTable),

		oauthCodesTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			application_id INTEGER NOT NULL,
			code_name TEXT NOT NULL UNIQUE,
			code_hash TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			expires_at_ms INTEGER NOT NULL)`, oauthCodesTable),

		notificationsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			repository_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			method TEXT NOT NULL,
			event_config TEXT NOT NULL DEFAULT '{}',
			method_config TEXT NOT NULL DEFAULT '{}',
			failure_count INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1)`, notificationsTable),

		queueItemsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_name TEXT NOT NULL,
			body TEXT NOT NULL,
			available_after_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			retries_remaining INTEGER NOT NULL,
			processing_expires_ms INTEGER)`, queueItemsTable),

		proxyConfigsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace_id INTEGER NOT NULL UNIQUE,
			upstream_registry TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			insecure_tls INTEGER NOT NULL DEFAULT 0,
			expiration_s INTEGER NOT NULL DEFAULT 86400)`, proxyConfigsTable),

		repositoryMirrorsTable: fmt.Sprintf(`CREATE TABLE %s(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL UNIQUE,
			upstream_reference TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			tls_verify INTEGER NOT NULL DEFAULT 1,
			tag_rules TEXT NOT NULL DEFAULT '[]',
			sync_interval_s INTEGER NOT NULL,
			sync_start_ms INTEGER NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'never_run',
			sync_retries_left INTEGER NOT NULL DEFAULT 3,
			sync_expiration_ms INTEGER)`, repositoryMirrorsTable),

		tagStatsTable: fmt.Sprintf(`CREATE TABLE %s(
			repository_id INTEGER NOT NULL,
			tag_name TEXT NOT NULL,
			manifest_digest TEXT NOT NULL,
			pull_count INTEGER NOT NULL DEFAULT 0,
			last_pull_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(repository_id, tag_name))`, tagStatsTable),

		manifestStatsTable: fmt.Sprintf(`CREATE TABLE %s(
			repository_id INTEGER NOT NULL,
			manifest_digest TEXT NOT NULL,
			pull_count INTEGER NOT NULL DEFAULT 0,
			last_pull_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(repository_id, manifest_digest))`, manifestStatsTable),
	}
}

func (e *Embedded) isTableExist(ctx context.Context, tableName string) (exist bool, err error) {
	rows, err := e.db.QueryContext(ctx, "select DISTINCT tbl_name from sqlite_master where tbl_name = ?", tableName)
	if err != nil {
		return false, multierror.Append(err, errors.Errorf("can't check for %s table exist", tableName))
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		return true, nil
	}
	return false, rows.Err()
}

// Close shuts the underlying database down.
func (e *Embedded) Close(_ context.Context) error {
	return e.db.Close()
}

// aliveTagClause is the single-alive-tag predicate, parameterized by the now
// timestamp in ms.
const aliveTagClause = "(lifetime_end_ms IS NULL OR lifetime_end_ms > ?)"

func nowMs() int64 { return time.Now().UnixMilli() }

// inTx runs fn inside a transaction with commit/rollback handling.
func (e *Embedded) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err = fn(tx); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			err = multierror.Append(err, errRollback)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// ensure interface match at compile time
var _ engine.Interface = (*Embedded)(nil)
