// Package secrets resolves secret:// references against Google Secret
// Manager, with an in-process cache and a local fallback file for
// development environments that have no Secret Manager access.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	localEnvironment    = "local"
	defaultFallbackPath = ".secrets.local"
)

// secretClient is the slice of the Secret Manager API the fetcher uses,
// kept narrow so tests can stub it.
type secretClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. Values are cached for the process
// lifetime; secrets rotate by redeploy, not in place.
type Fetcher struct {
	client     secretClient
	ownsClient bool

	logger       *zap.Logger
	env          string
	project      string
	fallbackPath string
	clientOpts   []option.ClientOption

	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

// Option customises Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment names the deployment environment. In the local
// environment the fallback file is consulted before Secret Manager.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		f.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project queried for references that carry no
// explicit project override.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) {
		f.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the local fallback file path.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.fallbackPath = strings.TrimSpace(path)
	}
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

// WithClient injects a preconstructed client. Used by tests; the injected
// client is not closed by Close.
func WithClient(client secretClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher builds a Fetcher. A Secret Manager client failure is not
// fatal: the fetcher degrades to fallback-file-only operation so local
// development works without cloud credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		env:          localEnvironment,
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}

	meter := otel.GetMeterProvider().Meter("maplecart/api/secrets")
	var err error
	if f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret fetch attempts"),
	); err != nil {
		f.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.hits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		f.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}

	if value, ok := f.cached(ref.key()); ok {
		f.record(ctx, start, "cache")
		return value, nil
	}

	if f.env == localEnvironment {
		if value, ok := f.fromFallback(ref); ok {
			f.store(ref.key(), value)
			f.record(ctx, start, "fallback")
			return value, nil
		}
	}

	project := ref.project
	if project == "" {
		project = f.project
	}

	if f.client != nil && project != "" {
		value, err := f.access(ctx, project, ref)
		if err == nil {
			f.store(ref.key(), value)
			f.record(ctx, start, "remote")
			return value, nil
		}
		if !degradesToFallback(err) {
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secrets: remote fetch degraded to fallback",
			zap.String("ref", ref.canonical), zap.Error(err))
	}

	if value, ok := f.fromFallback(ref); ok {
		f.store(ref.key(), value)
		f.record(ctx, start, "fallback")
		return value, nil
	}
	f.record(ctx, start, "error")
	return "", fmt.Errorf("secrets: no value for %s", ref.canonical)
}

func (f *Fetcher) access(ctx context.Context, project string, ref reference) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version),
	})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", ref.canonical)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.cache[key]
	return value, ok
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) fromFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(f.loadFallback)
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unavailable", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallback[ref.key()]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.canonical]
	return value, ok
}

// loadFallback parses the KEY=VALUE fallback file. Keys are secret
// references; sm:// is accepted as an alias for secret://. A missing file
// is not an error, it just means every lookup misses.
func (f *Fetcher) loadFallback() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}

	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open fallback file: %w", err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if after, ok := strings.CutPrefix(key, "sm://"); ok {
			key = "secret://" + after
		}
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		f.fallback[ref.canonical] = strings.TrimSpace(value)
		f.fallback[ref.key()] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback file: %w", err)
	}
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	if f.latency != nil {
		f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	}
	if source == "cache" && f.hits != nil {
		f.hits.Add(ctx, 1)
	}
}

type reference struct {
	name      string
	version   string
	project   string
	canonical string
}

func (r reference) key() string {
	return r.canonical + "#" + r.version
}

// parseReference understands secret://NAME with optional ?version= and
// ?project= query parameters. The version defaults to latest.
func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		name:      name,
		version:   version,
		project:   strings.TrimSpace(u.Query().Get("project")),
		canonical: "secret://" + name,
	}, nil
}

// degradesToFallback reports whether a Secret Manager error should be
// absorbed by the fallback file rather than failing the resolution.
// Credential and availability problems qualify; a genuinely missing secret
// does not.
func degradesToFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
