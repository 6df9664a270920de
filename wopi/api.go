package wopi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/ttab/elephantine"
	"github.com/wopihost/wopihost/internal"
)

// WOPI request and response headers.
const (
	HeaderOverride          = "X-WOPI-Override"
	HeaderLock              = "X-WOPI-Lock"
	HeaderOldLock           = "X-WOPI-OldLock"
	HeaderLockFailureReason = "X-WOPI-LockFailureReason"
	HeaderItemVersion       = "X-WOPI-ItemVersion"
	HeaderRequestedName     = "X-WOPI-RequestedName"
)

// X-WOPI-Override values for the file operation endpoint.
const (
	OverrideLock            = "LOCK"
	OverrideGetLock         = "GET_LOCK"
	OverrideRefreshLock     = "REFRESH_LOCK"
	OverrideUnlock          = "UNLOCK"
	OverrideUnlockAndRelock = "UNLOCK_AND_RELOCK"
	OverrideRenameFile      = "RENAME_FILE"
	OverridePutRelative     = "PUT_RELATIVE"
)

// CheckFileInfoResponse is the metadata descriptor returned to the
// editing engine. Capability flags describe what this server supports
// for some caller; the caller's own rights are UserCanWrite/ReadOnly.
type CheckFileInfoResponse struct {
	BaseFileName string `json:"BaseFileName"`
	OwnerId      string `json:"OwnerId"`
	Size         int64  `json:"Size"`
	UserId       string `json:"UserId"`
	Version      string `json:"Version"`

	SupportsGetLock bool `json:"SupportsGetLock"`
	SupportsLocks   bool `json:"SupportsLocks"`
	SupportsRename  bool `json:"SupportsRename"`
	SupportsUpdate  bool `json:"SupportsUpdate"`

	UserFriendlyName string `json:"UserFriendlyName,omitempty"`

	ReadOnly                bool `json:"ReadOnly"`
	UserCanWrite            bool `json:"UserCanWrite"`
	UserCanRename           bool `json:"UserCanRename"`
	UserCanNotWriteRelative bool `json:"UserCanNotWriteRelative"`

	LastModifiedTime string `json:"LastModifiedTime,omitempty"`

	CloseUrl          string `json:"CloseUrl,omitempty"`
	HostEditUrl       string `json:"HostEditUrl,omitempty"`
	HostViewUrl       string `json:"HostViewUrl,omitempty"`
	PostMessageOrigin string `json:"PostMessageOrigin,omitempty"`
}

// Handler implements the WOPI file operations. It's stateless per
// request; all persistent state lives in the store and the lock
// manager.
type Handler struct {
	logger  *slog.Logger
	store   DocStore
	locks   *LockManager
	tokens  *TokenService
	metrics *Metrics

	// publicURL is the address under which the embedding application
	// is reachable, used for the navigation URLs and the postMessage
	// origin in CheckFileInfo.
	publicURL string
}

func NewHandler(
	logger *slog.Logger,
	store DocStore,
	locks *LockManager,
	tokens *TokenService,
	metrics *Metrics,
	publicURL string,
) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		locks:     locks,
		tokens:    tokens,
		metrics:   metrics,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

// authorize extracts and validates the access token and checks that it
// was issued for the document addressed by the request path. All token
// validation failures are reported identically.
func (h *Handler) authorize(
	r *http.Request, fileID string,
) (*AccessClaims, error) {
	token := r.URL.Query().Get("access_token")

	if token == "" {
		auth := r.Header.Get("Authorization")

		tokenType, t, _ := strings.Cut(auth, " ")
		if strings.EqualFold(tokenType, "bearer") {
			token = t
		}
	}

	if token == "" {
		return nil, internal.HTTPErrorf(http.StatusUnauthorized,
			"missing access token")
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		return nil, internal.HTTPErrorf(http.StatusUnauthorized,
			"invalid access token")
	}

	if claims.File != fileID {
		return nil, internal.HTTPErrorf(http.StatusForbidden,
			"token is not valid for this document")
	}

	elephantine.SetLogMetadata(r.Context(),
		elephantine.LogKeySubject, claims.Subject,
	)

	return claims, nil
}

// CheckFileInfo returns the document metadata descriptor.
func (h *Handler) CheckFileInfo(
	w http.ResponseWriter, r *http.Request, p httprouter.Params,
) error {
	fileID := p.ByName("id")

	claims, err := h.authorize(r, fileID)
	if err != nil {
		return err
	}

	doc, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	canWrite := claims.Permission.CanWrite()

	info := CheckFileInfoResponse{
		BaseFileName: doc.Name,
		OwnerId:      doc.Owner,
		Size:         doc.Size,
		UserId:       claims.Subject,
		Version:      doc.Version,

		SupportsGetLock: true,
		SupportsLocks:   true,
		SupportsRename:  true,
		SupportsUpdate:  true,

		UserFriendlyName: claims.Name,

		ReadOnly:                !canWrite,
		UserCanWrite:            canWrite,
		UserCanRename:           canWrite,
		UserCanNotWriteRelative: true,

		LastModifiedTime: doc.Modified.UTC().Format(time.RFC3339),

		CloseUrl:          h.publicURL,
		HostEditUrl:       h.publicURL + "/launch/" + doc.ID,
		HostViewUrl:       h.publicURL + "/launch/" + doc.ID + "?permission=view",
		PostMessageOrigin: h.publicURL,
	}

	h.metrics.observe("check_file_info", "ok")

	return writeJSON(w, http.StatusOK, info)
}

// GetFile streams the current document content.
func (h *Handler) GetFile(
	w http.ResponseWriter, r *http.Request, p httprouter.Params,
) error {
	fileID := p.ByName("id")

	_, err := h.authorize(r, fileID)
	if err != nil {
		return err
	}

	doc, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	h.metrics.observe("get_file", "ok")

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderItemVersion, doc.Version)

	_, _ = w.Write(doc.Content)

	return nil
}

// PutFile overwrites the document content. A held lock must be matched
// by the X-WOPI-Lock header; writes to unlocked documents are allowed.
func (h *Handler) PutFile(
	w http.ResponseWriter, r *http.Request, p httprouter.Params,
) error {
	fileID := p.ByName("id")

	claims, err := h.authorize(r, fileID)
	if err != nil {
		return err
	}

	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	_, err = h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	err = h.locks.CheckWrite(fileID, r.Header.Get(HeaderLock))
	if err != nil {
		h.metrics.observe("put_file", "conflict")

		return h.lockError(err)
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		return internal.HTTPErrorf(http.StatusBadRequest,
			"failed to read request body")
	}

	doc, err := h.store.Put(r.Context(), fileID, content)
	if err != nil {
		return h.storeError(r, err)
	}

	h.metrics.observe("put_file", "ok")

	w.Header().Set(HeaderItemVersion, doc.Version)
	w.WriteHeader(http.StatusOK)

	return nil
}

// FileOperation dispatches the lock operation family on the
// X-WOPI-Override header.
func (h *Handler) FileOperation(
	w http.ResponseWriter, r *http.Request, p httprouter.Params,
) error {
	fileID := p.ByName("id")

	claims, err := h.authorize(r, fileID)
	if err != nil {
		return err
	}

	override := r.Header.Get(HeaderOverride)

	switch override {
	case OverrideGetLock:
		return h.getLock(w, r, fileID)
	case OverrideLock:
		// A LOCK with an old lock header is a lock transfer, per
		// protocol convention.
		if r.Header.Get(HeaderOldLock) != "" {
			return h.unlockAndRelock(w, r, fileID, claims)
		}

		return h.lock(w, r, fileID, claims)
	case OverrideRefreshLock:
		return h.refreshLock(w, r, fileID, claims)
	case OverrideUnlock:
		return h.unlock(w, r, fileID, claims)
	case OverrideUnlockAndRelock:
		return h.unlockAndRelock(w, r, fileID, claims)
	case OverrideRenameFile:
		return h.renameFile(w, r, fileID, claims)
	case OverridePutRelative:
		h.metrics.observe("put_relative", "unsupported")

		return internal.HTTPErrorf(http.StatusNotImplemented,
			"PUT_RELATIVE is not supported")
	case "":
		return internal.HTTPErrorf(http.StatusBadRequest,
			"missing %s header", HeaderOverride)
	}

	h.metrics.observe("unknown", "unsupported")

	return internal.HTTPErrorf(http.StatusBadRequest,
		"unknown operation %q", override)
}

func (h *Handler) getLock(
	w http.ResponseWriter, r *http.Request, fileID string,
) error {
	_, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	h.metrics.observe("get_lock", "ok")

	w.Header().Set(HeaderLock, h.locks.GetLock(fileID))
	w.WriteHeader(http.StatusOK)

	return nil
}

func (h *Handler) lock(
	w http.ResponseWriter, r *http.Request,
	fileID string, claims *AccessClaims,
) error {
	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	lock, err := h.locks.Lock(r.Context(), fileID,
		r.Header.Get(HeaderLock), claims.Subject)
	if err != nil {
		h.metrics.observe("lock", "conflict")

		return h.lockError(err)
	}

	doc, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	h.metrics.observe("lock", "ok")

	w.Header().Set(HeaderLock, lock.Token)
	w.Header().Set(HeaderItemVersion, doc.Version)
	w.WriteHeader(http.StatusOK)

	return nil
}

func (h *Handler) refreshLock(
	w http.ResponseWriter, r *http.Request,
	fileID string, claims *AccessClaims,
) error {
	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	_, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	lock, err := h.locks.RefreshLock(fileID, r.Header.Get(HeaderLock))
	if err != nil {
		h.metrics.observe("refresh_lock", "conflict")

		return h.lockError(err)
	}

	h.metrics.observe("refresh_lock", "ok")

	w.Header().Set(HeaderLock, lock.Token)
	w.WriteHeader(http.StatusOK)

	return nil
}

func (h *Handler) unlock(
	w http.ResponseWriter, r *http.Request,
	fileID string, claims *AccessClaims,
) error {
	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	_, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	err = h.locks.Unlock(fileID, r.Header.Get(HeaderLock))
	if err != nil {
		h.metrics.observe("unlock", "conflict")

		return h.lockError(err)
	}

	h.metrics.observe("unlock", "ok")

	w.Header().Set(HeaderLock, "")
	w.WriteHeader(http.StatusOK)

	return nil
}

func (h *Handler) unlockAndRelock(
	w http.ResponseWriter, r *http.Request,
	fileID string, claims *AccessClaims,
) error {
	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	_, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	lock, err := h.locks.UnlockAndRelock(fileID,
		r.Header.Get(HeaderOldLock),
		r.Header.Get(HeaderLock),
		claims.Subject)
	if err != nil {
		h.metrics.observe("unlock_and_relock", "conflict")

		return h.lockError(err)
	}

	h.metrics.observe("unlock_and_relock", "ok")

	w.Header().Set(HeaderLock, lock.Token)
	w.WriteHeader(http.StatusOK)

	return nil
}

func (h *Handler) renameFile(
	w http.ResponseWriter, r *http.Request,
	fileID string, claims *AccessClaims,
) error {
	if !claims.Permission.CanWrite() {
		return internal.HTTPErrorf(http.StatusForbidden,
			"token doesn't grant write access")
	}

	_, err := h.store.Get(r.Context(), fileID)
	if err != nil {
		return h.storeError(r, err)
	}

	err = h.locks.CheckWrite(fileID, r.Header.Get(HeaderLock))
	if err != nil {
		h.metrics.observe("rename_file", "conflict")

		return h.lockError(err)
	}

	name := r.Header.Get(HeaderRequestedName)

	doc, err := h.store.Rename(r.Context(), fileID, name)
	if err != nil {
		return h.storeError(r, err)
	}

	h.metrics.observe("rename_file", "ok")

	w.Header().Set(HeaderItemVersion, doc.Version)

	return writeJSON(w, http.StatusOK, struct {
		Name string `json:"Name"`
	}{
		Name: doc.Name,
	})
}

// lockError converts a lock manager error to the conflict response
// contract: a 409 carrying the currently governing lock token, so that
// the caller can self-diagnose without a GET_LOCK round trip.
func (h *Handler) lockError(err error) error {
	held, ok := GetLockConflict(err)
	if !ok {
		switch {
		case IsDocStoreErrorCode(err, ErrCodeNotFound):
			return internal.HTTPErrorf(http.StatusNotFound,
				"no such document")
		case IsDocStoreErrorCode(err, ErrCodeBadRequest):
			return internal.HTTPErrorf(http.StatusBadRequest,
				"%v", err)
		}

		return err
	}

	h.metrics.conflict()

	return internal.HTTPErrorf(http.StatusConflict, "lock mismatch").
		WithHeader(HeaderLock, held).
		WithHeader(HeaderLockFailureReason, "lock mismatch")
}

// storeError converts store errors at the request boundary. Internal
// failures are logged but never detailed to the caller.
func (h *Handler) storeError(r *http.Request, err error) error {
	switch {
	case IsDocStoreErrorCode(err, ErrCodeNotFound):
		return internal.HTTPErrorf(http.StatusNotFound,
			"no such document")
	case IsDocStoreErrorCode(err, ErrCodeBadRequest):
		return internal.HTTPErrorf(http.StatusBadRequest, "%v", err)
	}

	var httpErr *internal.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}

	h.logger.ErrorContext(r.Context(), "document store failure",
		elephantine.LogKeyError, err,
		internal.LogKeyFileID, r.URL.Path,
	)

	return internal.HTTPErrorf(http.StatusInternalServerError,
		"internal error")
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		return internal.HTTPErrorf(http.StatusInternalServerError,
			"failed to encode response")
	}

	return nil
}
