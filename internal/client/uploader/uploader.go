package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"mealsnap/internal/upload"
)

// Fatal error signatures: these abort the upload immediately instead of
// being absorbed by backoff.
var (
	ErrSessionGone    = errors.New("upload session gone")
	ErrUnauthorized   = errors.New("upload unauthorized")
	ErrTooLarge       = errors.New("upload too large")
	ErrUploadInFlight = errors.New("upload already in flight for task")
)

// Options configures an upload Client.
type Options struct {
	// Endpoint is the upload mount, e.g. http://host/v1/uploads.
	Endpoint   string
	HTTPClient *http.Client
	ChunkSize  int64
	// MaxElapsed bounds total retrying. The generous default covers long
	// flaky-network periods such as a commute; it is a policy knob, not a
	// protocol constant.
	MaxElapsed time.Duration
	Logger     zerolog.Logger
}

// Client drives the resumable upload protocol: probe for an existing
// session, resume from the reported offset, transmit bounded chunks and
// absorb transient failures with exponential backoff. The session id is the
// task id, so a crashed and restarted process finds its previous session
// instead of creating a duplicate.
type Client struct {
	endpoint   string
	http       *http.Client
	chunkSize  int64
	maxElapsed time.Duration
	logger     zerolog.Logger
}

// inflight guards at most one concurrent upload per task id process-wide.
var inflight sync.Map

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 2 << 20
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 4 * time.Hour
	}
	return &Client{
		endpoint:   opts.Endpoint,
		http:       httpClient,
		chunkSize:  chunkSize,
		maxElapsed: maxElapsed,
		logger:     opts.Logger,
	}
}

// Upload transfers data for the given task. Transient errors are retried
// internally until the elapsed ceiling; only fatal errors (or ceiling
// exhaustion) surface to the caller. onProgress receives a 0..100 fraction
// after every acknowledged chunk.
func (c *Client) Upload(ctx context.Context, taskID string, data []byte, userPrompt string, onProgress func(float64)) error {
	if _, loaded := inflight.LoadOrStore(taskID, struct{}{}); loaded {
		return ErrUploadInFlight
	}
	defer inflight.Delete(taskID)

	backoff := retry.NewExponential(500 * time.Millisecond)
	backoff = retry.WithCappedDuration(time.Minute, backoff)
	backoff = retry.WithMaxDuration(c.maxElapsed, backoff)

	// Once this process has created or resumed the session, a later
	// probe miss means the session vanished (or completed) underneath us;
	// re-creating it could dispatch the image twice.
	sessionSeen := false

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.attempt(ctx, taskID, data, userPrompt, onProgress, &sessionSeen)
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return err
		}
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("uploader: transient failure, backing off")
		return retry.RetryableError(err)
	})
}

func isFatal(err error) bool {
	return errors.Is(err, ErrSessionGone) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrTooLarge)
}

// attempt resumes from whatever offset the server reports and pushes chunks
// until done. Any error aborts the attempt; already-acknowledged bytes are
// kept server-side, so the next attempt resumes instead of restarting.
func (c *Client) attempt(ctx context.Context, taskID string, data []byte, userPrompt string, onProgress func(float64), sessionSeen *bool) error {
	offset, found, err := c.probe(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		if *sessionSeen {
			return fmt.Errorf("%w: session vanished between attempts", ErrSessionGone)
		}
		if err := c.create(ctx, taskID, int64(len(data)), userPrompt); err != nil {
			return err
		}
		offset = 0
	}
	*sessionSeen = true

	total := int64(len(data))

	// Every byte is already on the server yet the session still exists,
	// which means the final hand-off has not succeeded. An empty append at
	// the final offset makes the server run it again; without this a resumed
	// attempt would report success while the task never left upload.
	if offset >= total {
		if _, err := c.patch(ctx, taskID, total, nil); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(100)
		}
		return nil
	}

	for offset < total {
		end := offset + c.chunkSize
		if end > total {
			end = total
		}
		newOffset, err := c.patch(ctx, taskID, offset, data[offset:end])
		if errors.Is(err, errOffsetConflict) {
			// Someone advanced the session (or a lost ack): re-probe and
			// continue from the server's truth.
			serverOffset, found, perr := c.probe(ctx, taskID)
			if perr != nil {
				return perr
			}
			if !found {
				return fmt.Errorf("%w: session vanished mid-transfer", ErrSessionGone)
			}
			offset = serverOffset
			continue
		}
		if err != nil {
			return err
		}
		offset = newOffset
		if onProgress != nil && total > 0 {
			onProgress(float64(offset) / float64(total) * 100)
		}
	}
	return nil
}

var errOffsetConflict = errors.New("upload offset conflict")

func (c *Client) probe(ctx context.Context, taskID string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint+"/"+taskID, nil)
	if err != nil {
		return 0, false, fmt.Errorf("uploader: build probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("uploader: probe: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case resp.StatusCode == http.StatusOK:
		offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("uploader: probe returned bad offset: %w", err)
		}
		return offset, true, nil
	default:
		return 0, false, c.statusError("probe", resp.StatusCode)
	}
}

func (c *Client) create(ctx context.Context, taskID string, length int64, userPrompt string) error {
	meta := map[string]string{upload.MetaTaskID: taskID}
	if userPrompt != "" {
		meta[upload.MetaUserPrompt] = userPrompt
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("uploader: build create: %w", err)
	}
	req.Header.Set("Tus-Resumable", upload.TusVersion)
	req.Header.Set("Upload-Length", strconv.FormatInt(length, 10))
	req.Header.Set("Upload-Metadata", upload.EncodeMetadata(meta))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: create: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusCreated {
		return c.statusError("create", resp.StatusCode)
	}
	return nil
}

func (c *Client) patch(ctx context.Context, taskID string, offset int64, chunk []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.endpoint+"/"+taskID, bytes.NewReader(chunk))
	if err != nil {
		return 0, fmt.Errorf("uploader: build patch: %w", err)
	}
	req.Header.Set("Tus-Resumable", upload.TusVersion)
	req.Header.Set("Content-Type", upload.OffsetOctetStream)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("uploader: patch: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusNoContent:
		newOffset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
		if err != nil {
			// Ack without a usable offset: trust our own arithmetic.
			return offset + int64(len(chunk)), nil
		}
		return newOffset, nil
	case http.StatusConflict:
		return 0, errOffsetConflict
	default:
		return 0, c.statusError("patch", resp.StatusCode)
	}
}

func (c *Client) statusError(op string, status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("uploader: %s: %w", op, ErrSessionGone)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("uploader: %s: %w", op, ErrUnauthorized)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("uploader: %s: %w", op, ErrTooLarge)
	default:
		return fmt.Errorf("uploader: %s returned status %d", op, status)
	}
}
