package server

// OCI distribution error rendering. Every data-plane failure goes to the
// client as {"errors":[{code, message, detail}]} with the matching status,
// and to the log with the request coordinates and caller.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// distribution API error codes served by this registry
const (
	errCodeBlobUnknown       = "BLOB_UNKNOWN"
	errCodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	errCodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	errCodeDigestInvalid     = "DIGEST_INVALID"
	errCodeManifestInvalid   = "MANIFEST_INVALID"
	errCodeManifestUnknown   = "MANIFEST_UNKNOWN"
	errCodeNameUnknown       = "NAME_UNKNOWN"
	errCodeTagInvalid        = "TAG_INVALID"
	errCodeSizeInvalid       = "SIZE_INVALID"
	errCodeRangeInvalid      = "RANGE_INVALID"
	errCodeDenied            = "DENIED"
	errCodeUnauthorized      = "UNAUTHORIZED"
	errCodeUnsupported       = "UNSUPPORTED"
	errCodeUnknown           = "UNKNOWN"
)

type ociError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type ociErrorBody struct {
	Errors []ociError `json:"errors"`
}

// sendOCIError writes one distribution-shaped error and logs the failure with
// the request coordinates.
func sendOCIError(w http.ResponseWriter, r *http.Request, l log.L, status int, code, message string, err error) {
	if l != nil {
		l.Logf("[DEBUG] %s", errDetailsMsg(r, status, err, code+": "+message))
	}
	var detail interface{}
	if err != nil {
		detail = err.Error()
	}
	renderJSONWithStatus(w, ociErrorBody{Errors: []ociError{{Code: code, Message: message, Detail: detail}}}, status)
}

// sendStoreError maps the store error taxonomy onto distribution codes. The
// fallback is a 500 UNKNOWN, clients cannot act on internals.
func sendStoreError(w http.ResponseWriter, r *http.Request, l log.L, err error) {
	switch {
	case err == engine.ErrNotFound || errors.Is(err, store.ErrManifestDoesNotExist):
		sendOCIError(w, r, l, http.StatusNotFound, errCodeManifestUnknown, "manifest unknown", err)
	case errors.Is(err, store.ErrTagDoesNotExist):
		sendOCIError(w, r, l, http.StatusNotFound, errCodeManifestUnknown, "tag unknown", err)
	case errors.Is(err, store.ErrRepositoryDoesNotExist):
		sendOCIError(w, r, l, http.StatusNotFound, errCodeNameUnknown, "repository unknown", err)
	case errors.Is(err, store.ErrInvalidDigest) || errors.Is(err, store.ErrBlobDigestMismatch):
		sendOCIError(w, r, l, http.StatusBadRequest, errCodeDigestInvalid, "digest invalid", err)
	case errors.Is(err, store.ErrBlobRangeMismatch):
		sendOCIError(w, r, l, http.StatusRequestedRangeNotSatisfiable, errCodeRangeInvalid, "chunk out of order", err)
	case errors.Is(err, store.ErrManifestInvalid) || errors.Is(err, store.ErrInvalidSchema1Manifest):
		sendOCIError(w, r, l, http.StatusBadRequest, errCodeManifestInvalid, "manifest invalid", err)
	case isQuotaExceeded(err):
		sendOCIError(w, r, l, http.StatusForbidden, errCodeDenied, "namespace quota exceeded", err)
	case isBlobTooLarge(err):
		sendOCIError(w, r, l, http.StatusRequestEntityTooLarge, errCodeSizeInvalid, "blob exceeds the size limit", err)
	case isUpstreamError(err):
		sendOCIError(w, r, l, http.StatusBadGateway, errCodeUnknown, "upstream registry failure", err)
	default:
		sendOCIError(w, r, l, http.StatusInternalServerError, errCodeUnknown, "internal error", err)
	}
}

func isQuotaExceeded(err error) bool {
	var quotaErr *store.QuotaExceededError
	return errors.As(err, &quotaErr)
}

func isBlobTooLarge(err error) bool {
	var sizeErr *store.BlobTooLargeError
	return errors.As(err, &sizeErr)
}

func isUpstreamError(err error) bool {
	var upErr *store.UpstreamRegistryError
	return errors.As(err, &upErr)
}

// SendErrorJSON renders a control-plane error as {"error": true, "message"}
// and logs it with the request coordinates. The data plane uses sendOCIError
// instead, its clients expect the distribution error shape.
func SendErrorJSON(w http.ResponseWriter, r *http.Request, l log.L, code int, err error, msg string) {
	if l != nil {
		l.Logf("[DEBUG] %s", errDetailsMsg(r, code, err, msg))
	}
	message := msg
	if err != nil {
		message = fmt.Sprintf("%s: %s", msg, err)
	}
	renderJSONWithStatus(w, struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
	}{Error: true, Message: message}, code)
}

// renderJSONWithStatus sends data as json and enforces status code
func renderJSONWithStatus(w http.ResponseWriter, data interface{}, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func errDetailsMsg(r *http.Request, code int, err error, msg string) string {

	q := r.URL.String()
	if qun, e := url.QueryUnescape(q); e == nil {
		q = qun
	}

	srcFileInfo := ""
	if pc, file, line, ok := runtime.Caller(2); ok {
		fnameElems := strings.Split(file, "/")
		funcNameElems := strings.Split(runtime.FuncForPC(pc).Name(), "/")
		srcFileInfo = fmt.Sprintf(" [caused by %s:%d %s]", strings.Join(fnameElems[len(fnameElems)-3:], "/"),
			line, funcNameElems[len(funcNameElems)-1])
	}

	remoteIP := r.RemoteAddr
	if pos := strings.Index(remoteIP, ":"); pos >= 0 {
		remoteIP = remoteIP[:pos]
	}
	if err == nil {
		err = errors.New("no error")
	}
	return fmt.Sprintf("%s - %v - %d - %s - %s%s", msg, err, code, remoteIP, q, srcFileInfo)
}
