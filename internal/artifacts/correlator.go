package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/spacebroker/internal/observability"
)

// ErrInvalidFolder is returned for upload folders outside [a-zA-Z0-9_-].
var ErrInvalidFolder = errors.New("invalid folder name")

var (
	folderPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

// Grant is the write capability attached to an inference_request. PutURL is
// set when the store can presign; Token always allows the proxied fallback.
type Grant struct {
	PutURL      string    `json:"put_url,omitempty"`
	FinalURL    string    `json:"final_url,omitempty"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Token       string    `json:"upload_token,omitempty"`
}

// CorrelatorConfig configures upload correlation.
type CorrelatorConfig struct {
	PresignTTL    time.Duration
	DefaultFolder string
	// ResultContentType and ResultExtension describe the artifact workers
	// are expected to produce.
	ResultContentType string
	ResultExtension   string
	Now               func() time.Time
}

// Correlator hands out upload grants and accepts proxied uploads.
type Correlator struct {
	store    Store
	fallback Store
	tokens   *TokenIssuer
	cfg      CorrelatorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// CorrelatorOption customizes a Correlator.
type CorrelatorOption func(*Correlator)

// WithFallback sets the store written to when the primary store fails.
func WithFallback(store Store) CorrelatorOption {
	return func(c *Correlator) { c.fallback = store }
}

func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) CorrelatorOption {
	return func(c *Correlator) { c.metrics = m }
}

func WithTracer(t *observability.Tracer) CorrelatorOption {
	return func(c *Correlator) { c.tracer = t }
}

// NewCorrelator creates a correlator over store. tokens may be nil, in which
// case grants carry only presigned URLs.
func NewCorrelator(store Store, tokens *TokenIssuer, cfg CorrelatorConfig, opts ...CorrelatorOption) *Correlator {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if cfg.DefaultFolder == "" {
		cfg.DefaultFolder = "ws_results"
	}
	if cfg.ResultContentType == "" {
		cfg.ResultContentType = "audio/wav"
	}
	if cfg.ResultExtension == "" {
		cfg.ResultExtension = "wav"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Correlator{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "artifacts.correlator")
	return c
}

// Tokens returns the upload token issuer, if any.
func (c *Correlator) Tokens() *TokenIssuer { return c.tokens }

// Generate issues the grant for one accepted request. The key is
// <requester>/<default folder>/<request id prefix>_<random>.<ext>.
func (c *Correlator) Generate(ctx context.Context, requesterID, requestID string) (*Grant, error) {
	if err := validateOwner(requesterID); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%s/%s_%s.%s", requesterID, c.cfg.DefaultFolder, shortID(requestID), randomHex8(), c.cfg.ResultExtension)
	grant := &Grant{
		ContentType: c.cfg.ResultContentType,
		ExpiresAt:   c.cfg.Now().Add(c.cfg.PresignTTL),
	}

	putURL, err := c.store.PresignPut(ctx, key, c.cfg.ResultContentType, c.cfg.PresignTTL)
	switch {
	case err == nil:
		grant.PutURL = putURL
		grant.FinalURL = c.store.PublicURL(key)
	case errors.Is(err, ErrPresignUnavailable):
		c.logger.Debug("presign unavailable, falling back to proxied upload", "request_id", requestID)
	default:
		c.logger.Warn("presign failed", "request_id", requestID, "error", err)
	}

	if c.tokens != nil {
		token, err := c.tokens.Issue(requestID, requesterID)
		if err != nil {
			c.logger.Warn("issue upload token failed", "request_id", requestID, "error", err)
		} else {
			grant.Token = token
			if exp := c.cfg.Now().Add(c.tokens.TTL()); grant.PutURL == "" || exp.Before(grant.ExpiresAt) {
				grant.ExpiresAt = exp
			}
		}
	}

	if grant.PutURL == "" && grant.Token == "" {
		return nil, ErrPresignUnavailable
	}
	return grant, nil
}

// Upload is a proxied artifact upload.
type Upload struct {
	Owner       string
	Folder      string
	Filename    string
	ContentType string
	Body        io.ReadSeeker
}

// AcceptUpload stores a proxied upload under
// <owner>/<folder>/<random>_<filename> and returns its public URL.
func (c *Correlator) AcceptUpload(ctx context.Context, up Upload) (string, error) {
	if err := validateOwner(up.Owner); err != nil {
		return "", err
	}
	folder := strings.TrimSpace(up.Folder)
	if folder == "" {
		folder = c.cfg.DefaultFolder
	}
	if !folderPattern.MatchString(folder) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFolder, folder)
	}
	key := fmt.Sprintf("%s/%s/%s_%s", up.Owner, folder, randomHex8(), SanitizeFilename(up.Filename))
	return c.Save(ctx, "proxied", key, up.ContentType, up.Body)
}

// Rehost copies a provider artifact into the owner's namespace under
// <owner>/<folder>/<prefix>_<random>.<ext>.
func (c *Correlator) Rehost(ctx context.Context, owner, folder, prefix, contentType string, body io.ReadSeeker) (string, error) {
	if err := validateOwner(owner); err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%s/%s_%s.%s", owner, folder, prefix, randomHex8(), ExtensionForContentType(contentType))
	return c.Save(ctx, "rehost", key, contentType, body)
}

// Save writes body to the primary store, then to the fallback store if the
// primary fails.
func (c *Correlator) Save(ctx context.Context, mode, key, contentType string, body io.ReadSeeker) (string, error) {
	ctx, span := c.tracer.Start(ctx, "artifacts.put", "key", key, "mode", mode)
	defer span.End()

	opts := PutOptions{ContentType: contentType}
	url, err := c.store.Put(ctx, key, body, opts)
	if err == nil {
		c.metrics.Upload(mode, "success")
		return url, nil
	}
	c.logger.Error("artifact upload failed", "key", key, "mode", mode, "error", err)

	if c.fallback == nil {
		observability.RecordError(span, err)
		c.metrics.Upload(mode, "error")
		return "", err
	}
	if _, serr := body.Seek(0, io.SeekStart); serr != nil {
		observability.RecordError(span, serr)
		c.metrics.Upload(mode, "error")
		return "", fmt.Errorf("rewind upload: %w", serr)
	}
	url, ferr := c.fallback.Put(ctx, key, body, opts)
	if ferr != nil {
		c.logger.Error("fallback artifact upload failed", "key", key, "error", ferr)
		observability.RecordError(span, ferr)
		c.metrics.Upload(mode, "error")
		return "", errors.Join(err, ferr)
	}
	c.logger.Warn("artifact saved to fallback store", "key", key)
	c.metrics.Upload(mode, "fallback")
	return url, nil
}

// SanitizeFilename keeps the base name and replaces characters outside
// [a-zA-Z0-9._-] with underscores.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	name = unsafeFileChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return "upload.bin"
	}
	return name
}

func validateOwner(owner string) error {
	if owner == "" || strings.ContainsAny(owner, "/\\") || owner == "." || owner == ".." {
		return fmt.Errorf("%w: owner %q", ErrInvalidKey, owner)
	}
	return nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func randomHex8() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
