package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mealsnap/internal/domain"
)

// Protocol constants for the implemented tus subset.
const (
	TusVersion         = "1.0.0"
	TusExtensions      = "creation,termination"
	OffsetOctetStream  = "application/offset+octet-stream"
	headerTusResumable = "Tus-Resumable"
	headerUploadOffset = "Upload-Offset"
	headerUploadLength = "Upload-Length"
	headerUploadMeta   = "Upload-Metadata"
)

// CompleteFunc receives the fully assembled upload exactly once per session:
// the task id, the base64-encoded image bytes and the optional user guidance
// carried in the session metadata. Returning an error keeps the session
// alive so a client retry can re-trigger the hand-off.
type CompleteFunc func(ctx context.Context, taskID, payloadB64, userPrompt string) error

// Handler implements the resumable upload protocol over a ChunkStore:
// creation, offset probing, strictly in-order chunk appends and termination.
type Handler struct {
	store      ChunkStore
	basePath   string
	maxSize    int64
	onComplete CompleteFunc
	logger     zerolog.Logger
}

// NewHandler wires a protocol handler. basePath is the mount point used for
// Location headers, e.g. "/v1/uploads".
func NewHandler(store ChunkStore, basePath string, maxSize int64, onComplete CompleteFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		store:      store,
		basePath:   basePath,
		maxSize:    maxSize,
		onComplete: onComplete,
		logger:     logger,
	}
}

// Routes mounts the protocol operations on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(tusResumable)
	r.Options("/", h.Capabilities)
	r.Post("/", h.Create)
	r.Head("/", h.missingID)
	r.Patch("/", h.missingID)
	r.Delete("/", h.missingID)
	r.Head("/{sessionID}", h.Probe)
	r.Patch("/{sessionID}", h.Append)
	r.Delete("/{sessionID}", h.Cancel)
	return r
}

// missingID answers session operations aimed at the bare mount, where no id
// segment is present to route on.
func (h *Handler) missingID(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "missing session id", http.StatusBadRequest)
}

func tusResumable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerTusResumable, TusVersion)
		next.ServeHTTP(w, r)
	})
}

// Capabilities advertises the protocol version, size ceiling and supported
// extensions. Purely informational.
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Version", TusVersion)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(h.maxSize, 10))
	w.Header().Set("Tus-Extension", TusExtensions)
	w.WriteHeader(http.StatusNoContent)
}

// Create allocates a new upload session. When the metadata carries a taskId
// it becomes the session id, so the upload and recognition namespaces stay
// aliased; otherwise the server mints one. Re-creating an existing session
// is idempotent and never truncates received bytes.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(r.Header.Get(headerUploadLength), 10, 64)
	if err != nil || length <= 0 {
		http.Error(w, "invalid or missing Upload-Length", http.StatusBadRequest)
		return
	}
	if length > h.maxSize {
		http.Error(w, "upload exceeds maximum size", http.StatusRequestEntityTooLarge)
		return
	}
	meta, err := ParseMetadata(r.Header.Get(headerUploadMeta))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := meta[MetaTaskID]
	if id == "" {
		id = uuid.NewString()
	}
	sess, err := h.store.Create(r.Context(), id, length, meta)
	if errors.Is(err, errInvalidID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("upload: create session failed")
		http.Error(w, "failed to create upload session", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Location", path.Join(h.basePath, sess.ID))
	w.Header().Set(headerUploadOffset, strconv.FormatInt(sess.ReceivedBytes, 10))
	w.WriteHeader(http.StatusCreated)
}

// Probe is the read-only offset query a resuming client uses to learn where
// to continue.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	w.Header().Set(headerUploadOffset, strconv.FormatInt(sess.ReceivedBytes, 10))
	w.Header().Set(headerUploadLength, strconv.FormatInt(sess.DeclaredLength, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// Append accepts one contiguous chunk at the claimed offset. A mismatched
// offset is a conflict the client resolves by re-probing; a replay of an
// already-applied range is therefore rejected rather than double-applied.
func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != OffsetOctetStream {
		http.Error(w, "expected "+OffsetOctetStream, http.StatusUnsupportedMediaType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get(headerUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "invalid or missing Upload-Offset", http.StatusBadRequest)
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	// A session whose bytes are all present but whose hand-off previously
	// failed can be finalized again by an empty append at the final offset.
	if sess.Complete() && offset == sess.DeclaredLength {
		h.finalize(w, r, sess)
		return
	}

	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxSize))
	if err != nil {
		http.Error(w, "failed to read chunk", http.StatusBadRequest)
		return
	}
	newOffset, err := h.store.Append(r.Context(), sess.ID, offset, chunk)
	switch {
	case errors.Is(err, domain.ErrOffsetConflict), errors.Is(err, domain.ErrLengthExceeded):
		w.Header().Set(headerUploadOffset, strconv.FormatInt(newOffset, 10))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("session_id", sess.ID).Msg("upload: append failed")
		http.Error(w, "failed to persist chunk", http.StatusInternalServerError)
		return
	}

	sess.ReceivedBytes = newOffset
	if sess.Complete() {
		h.finalize(w, r, sess)
		return
	}
	w.Header().Set(headerUploadOffset, strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// Cancel discards the session and its bytes. Cancelling a session that
// already completed reports not found, which is acceptable to callers.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	err := h.store.Delete(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, errInvalidID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("upload: cancel failed")
		http.Error(w, "failed to cancel upload", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// finalize reassembles the blob, hands it to the recognition pipeline and
// deletes the transient session. Deletion is what makes the hand-off
// at-most-once: a replayed append afterwards sees 404.
func (h *Handler) finalize(w http.ResponseWriter, r *http.Request, sess *Session) {
	data, err := h.store.ReadAll(r.Context(), sess.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sess.ID).Msg("upload: reassemble failed")
		http.Error(w, "failed to assemble upload", http.StatusInternalServerError)
		return
	}
	taskID := sess.Metadata[MetaTaskID]
	if taskID == "" {
		taskID = sess.ID
	}
	payload := base64.StdEncoding.EncodeToString(data)
	if h.onComplete != nil {
		if err := h.onComplete(r.Context(), taskID, payload, sess.Metadata[MetaUserPrompt]); err != nil {
			h.logger.Error().Err(err).Str("task_id", taskID).Msg("upload: recognition hand-off failed")
			http.Error(w, "failed to queue recognition", http.StatusInternalServerError)
			return
		}
	}
	if err := h.store.Delete(r.Context(), sess.ID); err != nil {
		h.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("upload: delete completed session failed")
	}
	h.logger.Info().Str("task_id", taskID).Int64("bytes", sess.DeclaredLength).Msg("upload: session complete")
	w.Header().Set(headerUploadOffset, strconv.FormatInt(sess.DeclaredLength, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := chi.URLParam(r, "sessionID")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return nil, false
	}
	sess, err := h.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return nil, false
	}
	if errors.Is(err, errInvalidID) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", id).Msg("upload: load session failed")
		http.Error(w, fmt.Sprintf("failed to load session %s", id), http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}
