package store

// Error taxonomy shared by the model interface, the upload engine, the proxy cache
// and the workers. Client-input errors map to 4xx responses at the HTTP front,
// upstream and transient errors to 5xx, job-control errors never leave a worker.

import (
	"fmt"

	"github.com/pkg/errors"
)

// client input errors, surfaced as OCI-style 4xx bodies by the HTTP front
var (
	ErrBlobRangeMismatch         = errors.New("blob chunk start offset does not match bytes already received")
	ErrBlobDigestMismatch        = errors.New("blob digest does not match uploaded content")
	ErrInvalidDigest             = errors.New("digest is not well-formed")
	ErrManifestInvalid           = errors.New("manifest is invalid")
	ErrInvalidSchema1Manifest    = errors.New("schema 1 manifest rejected")
	ErrTagDoesNotExist           = errors.New("tag does not exist")
	ErrManifestDoesNotExist      = errors.New("manifest does not exist")
	ErrRepositoryDoesNotExist    = errors.New("repository does not exist")
	ErrNamespaceDoesNotExist     = errors.New("namespace does not exist")
	ErrInvalidNotificationEvent  = errors.New("unknown notification event kind")
	ErrInvalidNotificationMethod = errors.New("unknown notification method kind")
)

// ErrDecryptionFailure reports a key mismatch or ciphertext tampering. No recovery
// is attempted across it, the value is treated as lost.
var ErrDecryptionFailure = errors.New("decryption failure")

// BlobTooLargeError rejects a chunk that would push an upload over the configured cap.
type BlobTooLargeError struct {
	Uploaded   int64
	MaxAllowed int64
}

func (e *BlobTooLargeError) Error() string {
	return fmt.Sprintf("blob too large: uploaded %d bytes, max allowed %d", e.Uploaded, e.MaxAllowed)
}

// QuotaExceededError is raised by the proxy cache when an incoming image cannot fit
// the namespace quota even after pruning.
type QuotaExceededError struct {
	NamespaceName string
	ImageSize     int64
	Limit         int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for namespace %q: image size %d over limit %d", e.NamespaceName, e.ImageSize, e.Limit)
}

// UpstreamRegistryError wraps any non-OK response from an upstream registry,
// including a 401 that survived a single forced token renewal.
type UpstreamRegistryError struct {
	Status int
	Cause  error
}

func (e *UpstreamRegistryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream registry error: %v", e.Cause)
	}
	return fmt.Sprintf("upstream registry error: status %d", e.Status)
}

func (e *UpstreamRegistryError) Unwrap() error { return e.Cause }

// APIRequestError reports a failed call to the security scanner API.
type APIRequestError struct {
	Cause error
}

func (e *APIRequestError) Error() string { return fmt.Sprintf("scanner api request failed: %v", e.Cause) }

func (e *APIRequestError) Unwrap() error { return e.Cause }

// CreateManifestError wraps a failure inside create-manifest-and-retarget-tag when
// the caller asked for errors to be surfaced instead of a nil result.
type CreateManifestError struct {
	Cause error
}

func (e *CreateManifestError) Error() string { return fmt.Sprintf("failed to create manifest: %v", e.Cause) }

func (e *CreateManifestError) Unwrap() error { return e.Cause }
