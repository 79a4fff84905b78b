package embedded

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// GetProxyCacheConfig resolves the proxy cache binding of a namespace by name.
// Credentials come back still encrypted, callers decrypt on use.
func (e *Embedded) GetProxyCacheConfig(ctx context.Context, namespace string) (cfg store.ProxyCacheConfig, err error) {
	var insecure int
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT p.id, p.namespace_id, p.upstream_registry, p.username, p.password, p.insecure_tls, p.expiration_s
		 FROM %s p INNER JOIN %s n ON n.id = p.namespace_id WHERE n.name = ?`,
		proxyConfigsTable, namespacesTable),
		namespace).Scan(&cfg.ID, &cfg.NamespaceID, &cfg.UpstreamRegistry, &cfg.Username, &cfg.Password, &insecure, &cfg.ExpirationSeconds)
	if err == sql.ErrNoRows {
		return cfg, engine.ErrNotFound
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to get proxy cache config for %s", namespace)
	}
	cfg.InsecureTLS = insecure != 0
	return cfg, nil
}

// CreateProxyCacheConfig binds a namespace to an upstream registry.
func (e *Embedded) CreateProxyCacheConfig(ctx context.Context, cfg *store.ProxyCacheConfig) error {
	if cfg.ExpirationSeconds == 0 {
		cfg.ExpirationSeconds = 86400
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (namespace_id, upstream_registry, username, password, insecure_tls, expiration_s)
		 values(?, ?, ?, ?, ?, ?)`, proxyConfigsTable),
		cfg.NamespaceID, cfg.UpstreamRegistry, cfg.Username, cfg.Password, boolToInt(cfg.InsecureTLS), cfg.ExpirationSeconds)
	if err != nil {
		return errors.Wrap(err, "failed to create proxy cache config")
	}
	cfg.ID, err = res.LastInsertId()
	return err
}

// CreateRepositoryMirror configures periodic sync for a repository.
func (e *Embedded) CreateRepositoryMirror(ctx context.Context, mirror *store.RepositoryMirror) error {
	rules, err := json.Marshal(mirror.TagRules)
	if err != nil {
		return errors.Wrap(err, "failed to marshal mirror tag rules")
	}
	if mirror.SyncStatus == "" {
		mirror.SyncStatus = store.SyncStatusNeverRun
	}
	if mirror.SyncRetriesLeft == 0 {
		mirror.SyncRetriesLeft = 3
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (repository_id, upstream_reference, username, password, tls_verify, tag_rules,
			sync_interval_s, sync_start_ms, sync_status, sync_retries_left, sync_expiration_ms)
		 values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`, repositoryMirrorsTable),
		mirror.RepositoryID, mirror.UpstreamReference, mirror.Username, mirror.Password,
		boolToInt(mirror.TLSVerify), string(rules), mirror.SyncIntervalS, mirror.SyncStartMs,
		string(mirror.SyncStatus), mirror.SyncRetriesLeft)
	if err != nil {
		return errors.Wrap(err, "failed to create repository mirror")
	}
	mirror.ID, err = res.LastInsertId()
	return err
}

// ClaimMirrorDueForSync atomically picks one mirror whose next sync is due and
// whose previous lease lapsed, marks it syncing and sets a fresh lease. Other
// workers calling concurrently get different mirrors or ErrNotFound.
func (e *Embedded) ClaimMirrorDueForSync(ctx context.Context, lease time.Duration) (m store.RepositoryMirror, err error) {
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMs()
		var rules, status string
		var tlsVerify int
		errRow := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id, repository_id, upstream_reference, username, password, tls_verify, tag_rules,
				sync_interval_s, sync_start_ms, sync_status, sync_retries_left, sync_expiration_ms
			 FROM %s WHERE sync_start_ms <= ? AND sync_retries_left > 0
			 AND (sync_expiration_ms IS NULL OR sync_expiration_ms <= ?)
			 ORDER BY sync_start_ms LIMIT 1`, repositoryMirrorsTable),
			now, now).Scan(&m.ID, &m.RepositoryID, &m.UpstreamReference, &m.Username, &m.Password,
			&tlsVerify, &rules, &m.SyncIntervalS, &m.SyncStartMs, &status, &m.SyncRetriesLeft, &m.SyncExpirationMs)
		if errRow == sql.ErrNoRows {
			return engine.ErrNotFound
		}
		if errRow != nil {
			return errors.Wrap(errRow, "failed to select mirror due for sync")
		}
		m.TLSVerify = tlsVerify != 0
		m.SyncStatus = store.MirrorSyncStatus(status)
		if errJSON := json.Unmarshal([]byte(rules), &m.TagRules); errJSON != nil {
			return errors.Wrap(errJSON, "failed to unmarshal mirror tag rules")
		}

		leaseMs := now + lease.Milliseconds()
		if _, errClaim := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET sync_status = ?, sync_expiration_ms = ? WHERE id = ?`, repositoryMirrorsTable),
			string(store.SyncStatusSyncing), leaseMs, m.ID); errClaim != nil {
			return errors.Wrap(errClaim, "failed to claim mirror")
		}
		m.SyncStatus = store.SyncStatusSyncing
		m.SyncExpirationMs = &leaseMs
		return nil
	})
	if err != nil {
		return store.RepositoryMirror{}, err
	}
	return m, nil
}

// UpdateMirrorSyncStatus records the outcome of a sync run and schedules the
// next one. The claim lease clears either way.
func (e *Embedded) UpdateMirrorSyncStatus(ctx context.Context, mirrorID int64, status store.MirrorSyncStatus, retriesLeft int, nextSyncMs int64) error {
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET sync_status = ?, sync_retries_left = ?, sync_start_ms = ?, sync_expiration_ms = NULL WHERE id = ?`,
		repositoryMirrorsTable),
		string(status), retriesLeft, nextSyncMs, mirrorID)
	if err != nil {
		return errors.Wrapf(err, "failed to update mirror %d sync status", mirrorID)
	}
	return noRowsAsNotFound(res)
}
