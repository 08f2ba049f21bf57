// Package s3archive is a platform adapter that reads a bookstore's library
// exports from an S3 bucket. Each export is one manifest object under the
// configured prefix.
package s3archive

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
	"github.com/shelfsync/adapterfactory/pkg/utils"
)

const driverName = "s3archive"

// Capabilities every s3archive adapter provides.
var Capabilities = []string{"extract", "list_exports", "read_manifest"}

// API is the subset of the S3 client the adapter uses.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientFactory builds an S3 client for a configuration.
type ClientFactory func(ctx context.Context, cfg Config) (API, error)

// Export describes one library export manifest.
type Export struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

// Adapter serves one platform's exports.
type Adapter struct {
	platformID string
	adapterID  string
	cfg        Config
	bus        event.Publisher
	logger     *utils.StructuredLogger
	monitor    types.PerformanceMonitor
	newClient  ClientFactory

	mu         sync.Mutex
	client     API
	active     bool
	errorCount uint
	lastError  string
}

// Constructor builds adapters against real S3.
func Constructor(deps platform.Dependencies, raw map[string]interface{}) (types.Adapter, error) {
	return New(deps, raw, NewClient)
}

// NewConstructor builds adapters with a custom client factory.
func NewConstructor(newClient ClientFactory) platform.Constructor {
	return func(deps platform.Dependencies, raw map[string]interface{}) (types.Adapter, error) {
		return New(deps, raw, newClient)
	}
}

// New creates an adapter. No network calls happen until Initialize.
func New(deps platform.Dependencies, raw map[string]interface{}, newClient ClientFactory) (*Adapter, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	if newClient == nil {
		newClient = NewClient
	}
	logger := deps.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = types.NopMonitor{}
	}
	return &Adapter{
		platformID: deps.PlatformID,
		adapterID:  deps.AdapterID,
		cfg:        cfg,
		bus:        deps.Bus,
		logger:     logger.WithComponent(driverName).WithField("bucket", cfg.Bucket),
		monitor:    monitor,
		newClient:  newClient,
	}, nil
}

// NewClient loads the AWS configuration and builds an S3 client.
func NewClient(ctx context.Context, cfg Config) (API, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// Platform returns the platform identifier.
func (a *Adapter) Platform() string { return a.platformID }

// Capabilities returns the adapter's capabilities.
func (a *Adapter) Capabilities() []string { return append([]string(nil), Capabilities...) }

// Config returns the parsed configuration.
func (a *Adapter) Config() Config { return a.cfg }

// Initialize connects to S3 and verifies the bucket is reachable.
func (a *Adapter) Initialize(ctx context.Context) error {
	client, err := a.newClient(ctx, a.cfg)
	if err == nil {
		err = a.headBucket(ctx, client)
	}
	if err != nil {
		// Counted locally and returned; no error report is published.
		a.note(err)
		return err
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.logger.Debug("connected to export bucket", map[string]interface{}{
		"region": a.cfg.Region,
		"prefix": a.cfg.Prefix,
	})
	return nil
}

// Activate marks the adapter as serving requests.
func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return errors.NewError(errors.ErrCodeNotInitialized, "s3archive: adapter not initialized").
			WithComponent(driverName)
	}
	a.active = true
	return nil
}

// Deactivate stops serving requests. The client is kept for reuse.
func (a *Adapter) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
	return nil
}

// Cleanup drops the client.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.active = false
	a.mu.Unlock()
	return nil
}

// HealthStatus heads the bucket when connected. An adapter that has not
// connected yet reports healthy with no checks run.
func (a *Adapter) HealthStatus(ctx context.Context) types.HealthStatus {
	a.mu.Lock()
	client := a.client
	details := map[string]interface{}{
		"bucket": a.cfg.Bucket,
		"active": a.active,
	}
	if a.lastError != "" {
		details["last_error"] = a.lastError
	}
	a.mu.Unlock()

	if client == nil {
		details["connected"] = false
		return types.HealthStatus{IsHealthy: true, ErrorCount: a.errCount(), Details: details}
	}

	details["connected"] = true
	if err := a.headBucket(ctx, client); err != nil {
		details["error"] = err.Error()
		a.note(err)
		return types.HealthStatus{IsHealthy: false, ErrorCount: a.errCount(), Details: details}
	}
	return types.HealthStatus{IsHealthy: true, ErrorCount: a.errCount(), Details: details}
}

// ListExports lists every manifest under the prefix, following pagination.
func (a *Adapter) ListExports(ctx context.Context) ([]Export, error) {
	client, err := a.activeClient()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
	}
	if a.cfg.Prefix != "" {
		input.Prefix = aws.String(a.cfg.Prefix)
	}

	var exports []Export
	paginator := s3.NewListObjectsV2Paginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			a.monitor.RecordOperation(a.platformID, "list_exports", time.Since(start), false)
			return nil, a.fail("list_exports", translateError(err, a.cfg.Bucket, a.cfg.Prefix))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if a.cfg.ManifestSuffix != "" && !strings.HasSuffix(key, a.cfg.ManifestSuffix) {
				continue
			}
			exports = append(exports, Export{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}

	a.monitor.RecordOperation(a.platformID, "list_exports", time.Since(start), true)
	return exports, nil
}

// ReadManifest downloads one export manifest.
func (a *Adapter) ReadManifest(ctx context.Context, key string) ([]byte, error) {
	client, err := a.activeClient()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		a.monitor.RecordOperation(a.platformID, "read_manifest", time.Since(start), false)
		return nil, a.fail("read_manifest", translateError(err, a.cfg.Bucket, key))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	a.monitor.RecordOperation(a.platformID, "read_manifest", time.Since(start), err == nil)
	if err != nil {
		return nil, a.fail("read_manifest", err)
	}
	return data, nil
}

func (a *Adapter) activeClient() (API, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.active {
		return nil, errors.NewError(errors.ErrCodeInvalidTransition, "s3archive: adapter is not active").
			WithComponent(driverName).
			WithContext("platform", a.platformID)
	}
	return a.client, nil
}

func (a *Adapter) headBucket(ctx context.Context, client API) error {
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.cfg.Bucket)})
	if err != nil {
		return translateError(err, a.cfg.Bucket, "")
	}
	return nil
}

// fail records an operation error and reports it to the factory.
func (a *Adapter) fail(operation string, err error) error {
	a.note(err)
	a.logger.Warn("s3 operation failed", map[string]interface{}{
		utils.FieldOperation: operation,
		utils.FieldError:     err.Error(),
	})
	if a.bus != nil && a.adapterID != "" {
		a.bus.Publish(event.NewAdapterErrorReportedEvent(a.platformID, a.adapterID, err))
	}
	return err
}

func (a *Adapter) note(err error) {
	a.mu.Lock()
	a.errorCount++
	a.lastError = err.Error()
	a.mu.Unlock()
}

func (a *Adapter) errCount() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorCount
}

func translateError(err error, bucket, key string) error {
	var noBucket *s3types.NoSuchBucket
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	switch {
	case stderr.As(err, &noBucket), stderr.As(err, &notFound) && key == "":
		return fmt.Errorf("bucket not found: %s: %w", bucket, err)
	case stderr.As(err, &noKey):
		return fmt.Errorf("object not found: %s: %w", key, err)
	default:
		return err
	}
}
