package store

// Namespace is a user or organization owning repositories, with region and
// quota configuration. A namespace marked for deletion is processed by the
// namespace GC queue worker.
type Namespace struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Regions           []string `json:"regions,omitempty"` // storage locations replication must cover
	QuotaLimitBytes   *int64   `json:"quota_limit_bytes,omitempty"`
	MarkedForDeletion bool     `json:"marked_for_deletion"`
	RegionBlacklist   []string `json:"region_blacklist,omitempty"`
}

// RepositoryVisibility controls listing and anonymous pull.
type RepositoryVisibility string

const (
	VisibilityPublic  RepositoryVisibility = "public"
	VisibilityPrivate RepositoryVisibility = "private"
)

// RepositoryState gates pushes, mirror-only repositories reject direct pushes.
type RepositoryState string

const (
	StateNormal            RepositoryState = "normal"
	StateMirror            RepositoryState = "mirror"
	StateReadOnly          RepositoryState = "readonly"
	StateMarkedForDeletion RepositoryState = "marked_for_deletion"
)

// Repository owns its tags, manifests, manifest-blob links and blob uploads.
// Deleting a repository purges all of these.
type Repository struct {
	ID          int64                `json:"id"`
	NamespaceID int64                `json:"namespace_id"`
	Namespace   string               `json:"namespace"`
	Name        string               `json:"name"`
	Visibility  RepositoryVisibility `json:"visibility"`
	State       RepositoryState      `json:"state"`
	Description string               `json:"description,omitempty"`
}

// Path returns the full namespace/name reference of the repository.
func (r *Repository) Path() string { return r.Namespace + "/" + r.Name }

// DeletedRepository is the queue marker driving the repository-delete worker.
type DeletedRepository struct {
	RepositoryID int64  `json:"repository_id"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
}
