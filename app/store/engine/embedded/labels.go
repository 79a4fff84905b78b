package embedded

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// CreateManifestLabel attaches an immutable key/value to a manifest.
func (e *Embedded) CreateManifestLabel(ctx context.Context, label *store.Label) error {
	if label.MediaType == "" {
		label.MediaType = "text/plain"
	}
	if label.SourceType == "" {
		label.SourceType = "manifest"
	}
	res, err := e.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (uuid, manifest_id, key, value, media_type, source_type) values(?, ?, ?, ?, ?, ?)`, labelsTable),
		label.UUID, label.ManifestID, label.Key, label.Value, label.MediaType, label.SourceType)
	if err != nil {
		return errors.Wrapf(err, "failed to create label %s", label.Key)
	}
	label.ID, err = res.LastInsertId()
	return err
}

// BatchCreateManifestLabels stages labels through the add callback and lands
// them in a single transaction once fill returns. An error from fill, or from
// any insert, rolls the whole batch back. Staged labels get their defaults and
// row ids filled in on success.
func (e *Embedded) BatchCreateManifestLabels(ctx context.Context, manifestID int64,
	fill func(add func(label store.Label)) error) ([]store.Label, error) {

	var staged []store.Label
	if err := fill(func(l store.Label) { staged = append(staged, l) }); err != nil {
		return nil, errors.Wrap(err, "failed to stage manifest labels")
	}

	err := e.inTx(ctx, func(tx *sql.Tx) error {
		for i := range staged {
			l := &staged[i]
			l.ManifestID = manifestID
			if l.MediaType == "" {
				l.MediaType = "text/plain"
			}
			if l.SourceType == "" {
				l.SourceType = "manifest"
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (uuid, manifest_id, key, value, media_type, source_type) values(?, ?, ?, ?, ?, ?)`, labelsTable),
				l.UUID, l.ManifestID, l.Key, l.Value, l.MediaType, l.SourceType)
			if err != nil {
				return errors.Wrapf(err, "failed to create label %s", l.Key)
			}
			if l.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// ListManifestLabels lists labels of a manifest, optionally narrowed by key
// prefix.
func (e *Embedded) ListManifestLabels(ctx context.Context, manifestID int64, prefix string) ([]store.Label, error) {
	query := fmt.Sprintf(`SELECT id, uuid, manifest_id, key, value, media_type, source_type FROM %s WHERE manifest_id = ?`, labelsTable)
	args := []interface{}{manifestID}
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += " ORDER BY id"

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list manifest labels")
	}
	defer func() { _ = rows.Close() }()

	var result []store.Label
	for rows.Next() {
		var l store.Label
		if err = rows.Scan(&l.ID, &l.UUID, &l.ManifestID, &l.Key, &l.Value, &l.MediaType, &l.SourceType); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// GetManifestLabel fetches a single label by uuid within the manifest.
func (e *Embedded) GetManifestLabel(ctx context.Context, manifestID int64, uuid string) (l store.Label, err error) {
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, uuid, manifest_id, key, value, media_type, source_type FROM %s WHERE manifest_id = ? AND uuid = ?`, labelsTable),
		manifestID, uuid).Scan(&l.ID, &l.UUID, &l.ManifestID, &l.Key, &l.Value, &l.MediaType, &l.SourceType)
	if err == sql.ErrNoRows {
		return l, engine.ErrNotFound
	}
	return l, errors.Wrapf(err, "failed to get label %s", uuid)
}

// DeleteManifestLabel removes a label and returns the deleted row. Labels
// sourced from the manifest body itself are not deletable.
func (e *Embedded) DeleteManifestLabel(ctx context.Context, manifestID int64, uuid string) (store.Label, error) {
	l, err := e.GetManifestLabel(ctx, manifestID, uuid)
	if err != nil {
		return store.Label{}, err
	}
	if l.SourceType == "manifest" {
		return store.Label{}, errors.Errorf("label %s is read-only, sourced from the manifest", uuid)
	}
	_, err = e.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, labelsTable), l.ID)
	if err != nil {
		return store.Label{}, errors.Wrapf(err, "failed to delete label %s", uuid)
	}
	return l, nil
}

// escapeLike protects user-provided prefixes from acting as LIKE wildcards.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
