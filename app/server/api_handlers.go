package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	R "github.com/go-pkgz/rest"

	log "github.com/go-pkgz/lgr"

	"github.com/ocistack/stevedore/app/notifications"
	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
	"github.com/ocistack/stevedore/app/workers"
)

// apiHandlers serve the control plane under /api/v1: tag history and
// expiration, notification registrations, repository deletion, app tokens and
// the scanner webhook.
type apiHandlers struct {
	eng        engine.Interface
	dispatcher *notifications.Dispatcher
	repoDelQ   *queue.Queue
	secscanQ   *queue.Queue
	l          log.L
}

type responseMessage struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (ah *apiHandlers) getRepo(w http.ResponseWriter, r *http.Request) (store.Repository, bool) {
	repo, err := ah.eng.LookupRepository(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "name"))
	if err == engine.ErrNotFound {
		SendErrorJSON(w, r, ah.l, http.StatusNotFound, err, "repository not found")
		return store.Repository{}, false
	}
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to lookup repository")
		return store.Repository{}, false
	}
	return repo, true
}

// tagHistory lists the tag timeline of a repository. Supports specificTag,
// onlyActiveTags, since (ms), page and limit query filters.
func (ah *apiHandlers) tagHistory(w http.ResponseWriter, r *http.Request) {
	repo, ok := ah.getRepo(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := engine.TagHistoryFilter{
		TagName:    q.Get("specificTag"),
		ActiveOnly: q.Get("onlyActiveTags") == "true",
	}
	if since := q.Get("since"); since != "" {
		filter.SinceMs, _ = strconv.ParseInt(since, 10, 64)
	}
	if page := q.Get("page"); page != "" {
		filter.Page, _ = strconv.Atoi(page)
	}
	if limit := q.Get("limit"); limit != "" {
		filter.PageSize, _ = strconv.Atoi(limit)
	}

	entries, err := ah.eng.ListRepositoryTagHistory(r.Context(), repo.ID, filter)
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to list tag history")
		return
	}
	renderJSONWithStatus(w, struct {
		Tags []store.TagHistoryEntry `json:"tags"`
	}{Tags: entries}, http.StatusOK)
}

// tagExpirationRequest carries the new end of life, null restores the tag to
// non-expiring.
type tagExpirationRequest struct {
	ExpirationMs *int64 `json:"expiration_ms"`
}

// changeTagExpiration sets or clears the expiration of one tag.
func (ah *apiHandlers) changeTagExpiration(w http.ResponseWriter, r *http.Request) {
	repo, ok := ah.getRepo(w, r)
	if !ok {
		return
	}

	var req tagExpirationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	if req.ExpirationMs != nil && *req.ExpirationMs < time.Now().UnixMilli() {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, nil, "expiration must be in the future")
		return
	}

	tag, err := ah.eng.GetRepoTag(r.Context(), repo.ID, chi.URLParam(r, "tag"))
	if err == engine.ErrNotFound {
		SendErrorJSON(w, r, ah.l, http.StatusNotFound, err, "tag not found")
		return
	}
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to lookup tag")
		return
	}

	if err = ah.eng.ChangeRepositoryTagExpiration(r.Context(), tag.ID, req.ExpirationMs); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to change tag expiration")
		return
	}
	R.RenderJSON(w, responseMessage{Message: "ok"})
}

// createNotification registers an event/method binding on a repository. The
// binding is validated against the known events and configured methods before
// it is stored.
func (ah *apiHandlers) createNotification(w http.ResponseWriter, r *http.Request) {
	repo, ok := ah.getRepo(w, r)
	if !ok {
		return
	}

	var n store.RegisteredNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	n.RepositoryID = repo.ID
	if err := ah.dispatcher.Validate(n); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, err, "invalid notification")
		return
	}

	uuid, err := randomUUID()
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to generate uuid")
		return
	}
	n.UUID = uuid

	if err = ah.eng.CreateNotification(r.Context(), &n); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to create notification")
		return
	}
	renderJSONWithStatus(w, n, http.StatusCreated)
}

// listNotifications returns the registrations of a repository for one event,
// or all of them when the event query param is empty.
func (ah *apiHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	repo, ok := ah.getRepo(w, r)
	if !ok {
		return
	}
	listed, err := ah.eng.ListNotificationsForRepo(r.Context(), repo.ID, r.URL.Query().Get("event"))
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to list notifications")
		return
	}
	renderJSONWithStatus(w, struct {
		Notifications []store.RegisteredNotification `json:"notifications"`
	}{Notifications: listed}, http.StatusOK)
}

// deleteRepository marks the repository and hands the purge to the delete
// worker, the API call returns before any row is removed.
func (ah *apiHandlers) deleteRepository(w http.ResponseWriter, r *http.Request) {
	repo, ok := ah.getRepo(w, r)
	if !ok {
		return
	}

	if err := ah.eng.MarkRepositoryForDeletion(r.Context(), repo.ID); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to mark repository for deletion")
		return
	}
	marker := store.DeletedRepository{RepositoryID: repo.ID, Namespace: repo.Namespace, Name: repo.Name}
	if err := ah.repoDelQ.Put(r.Context(), marker, queue.PutOptions{}); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to enqueue repository delete")
		return
	}
	ah.l.Logf("[INFO] repository %s marked for deletion", repo.Path())
	w.WriteHeader(http.StatusAccepted)
}

// createAppToken mints an app-specific token. The full token string appears in
// the response exactly once, only its bcrypt hash is stored.
func (ah *apiHandlers) createAppToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string `json:"title"`
		ExpirationMs *int64 `json:"expiration_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, err, "failed to decode request body")
		return
	}
	if req.Title == "" {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, nil, "title is required")
		return
	}

	full, name, secret, err := store.GenerateTokenString()
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to generate token")
		return
	}
	cred, err := store.NewCredential(secret, 0)
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to hash token secret")
		return
	}
	uuid, err := randomUUID()
	if err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to generate uuid")
		return
	}

	token := store.AppSpecificToken{UUID: uuid, Title: req.Title, TokenName: name,
		TokenSecret: cred, ExpirationMs: req.ExpirationMs}
	if err = ah.eng.CreateAppSpecificToken(r.Context(), &token); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to create app token")
		return
	}

	renderJSONWithStatus(w, struct {
		UUID  string `json:"uuid"`
		Title string `json:"title"`
		Token string `json:"token"`
	}{UUID: token.UUID, Title: token.Title, Token: full}, http.StatusCreated)
}

// secscanWebhookBody is the envelope the security scanner posts on new
// notification pages.
type secscanWebhookBody struct {
	Notification struct {
		Name string `json:"Name"`
	} `json:"Notification"`
}

// secscanWebhook receives the scanner callback and queues the notification
// name for ingest, the heavy feed walk happens in the secscan worker.
func (ah *apiHandlers) secscanWebhook(w http.ResponseWriter, r *http.Request) {
	var body secscanWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, err, "failed to decode webhook body")
		return
	}
	if body.Notification.Name == "" {
		SendErrorJSON(w, r, ah.l, http.StatusBadRequest, nil, "notification name is required")
		return
	}
	if err := workers.EnqueueSecscanNotification(r.Context(), ah.secscanQ, body.Notification.Name); err != nil {
		SendErrorJSON(w, r, ah.l, http.StatusInternalServerError, err, "failed to enqueue scanner notification")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// randomUUID returns a 32-char random hex identifier.
func randomUUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
