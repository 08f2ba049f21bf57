package s3archive

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/internal/event"
	"github.com/shelfsync/adapterfactory/internal/platform"
	"github.com/shelfsync/adapterfactory/pkg/errors"
	"github.com/shelfsync/adapterfactory/pkg/types"
)

// fakeS3 serves objects from memory, pageSize keys per listing page.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]string
	headErr  error
	listErr  error
	pageSize int
	calls    map[string]int
}

func newFakeS3(objects map[string]string) *fakeS3 {
	return &fakeS3{objects: objects, pageSize: 2, calls: make(map[string]int)}
}

func (f *fakeS3) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["head"]++
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		return nil, f.listErr
	}

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		for i, k := range keys {
			if k == token {
				start = i
				break
			}
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			ETag:         aws.String(`"etag-` + k + `"`),
			LastModified: aws.Time(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func newTestAdapter(t *testing.T, api *fakeS3, bus event.Publisher, raw map[string]interface{}) *Adapter {
	t.Helper()
	if raw == nil {
		raw = map[string]interface{}{"bucket": "exports", "prefix": "readmoo/"}
	}
	deps := platform.Dependencies{PlatformID: "READMOO", AdapterID: "1_adapter_1_abc", Bus: bus}
	a, err := New(deps, raw, func(context.Context, Config) (API, error) { return api, nil })
	require.NoError(t, err)
	return a
}

func TestAdapterLifecycle(t *testing.T) {
	api := newFakeS3(map[string]string{"readmoo/a.json": "{}"})
	a := newTestAdapter(t, api, nil, nil)
	ctx := context.Background()

	err := a.Activate(ctx)
	assert.Equal(t, errors.ErrCodeNotInitialized, errors.GetCode(err))

	require.NoError(t, a.Initialize(ctx))
	assert.Equal(t, 1, api.count("head"))
	require.NoError(t, a.Activate(ctx))
	require.NoError(t, a.Deactivate(ctx))

	_, err = a.ListExports(ctx)
	assert.Equal(t, errors.ErrCodeInvalidTransition, errors.GetCode(err), "inactive adapters do not serve")

	require.NoError(t, a.Activate(ctx), "client survives deactivation")
	require.NoError(t, a.Cleanup(ctx))
	assert.Error(t, a.Activate(ctx))
}

func TestAdapterInitializeFailure(t *testing.T) {
	api := newFakeS3(nil)
	api.headErr = &s3types.NoSuchBucket{}
	bus := event.NewBus(nil)
	var reported []event.Event
	bus.Subscribe(event.TypeAdapterErrorReported, func(e event.Event) { reported = append(reported, e) })

	a := newTestAdapter(t, api, bus, nil)
	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket not found: exports")
	assert.Empty(t, reported, "initialize failures are returned, not published")

	status := a.HealthStatus(context.Background())
	assert.True(t, status.IsHealthy, "never connected")
	assert.Equal(t, uint(1), status.ErrorCount)
	assert.Equal(t, false, status.Details["connected"])
}

func TestAdapterListExportsPaginates(t *testing.T) {
	api := newFakeS3(map[string]string{
		"readmoo/a.json":      `{"title":"a"}`,
		"readmoo/b.json":      `{"title":"b"}`,
		"readmoo/c.tmp":       "partial",
		"readmoo/d.json":      `{"title":"d"}`,
		"kindle/ignored.json": "{}",
	})
	a := newTestAdapter(t, api, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Activate(ctx))

	exports, err := a.ListExports(ctx)
	require.NoError(t, err)
	require.Len(t, exports, 3)
	assert.Equal(t, "readmoo/a.json", exports[0].Key)
	assert.Equal(t, "readmoo/d.json", exports[2].Key)
	assert.Equal(t, int64(len(`{"title":"a"}`)), exports[0].Size)
	assert.Equal(t, "etag-readmoo/a.json", exports[0].ETag)
	assert.Equal(t, 2, api.count("list"))
}

func TestAdapterReadManifest(t *testing.T) {
	api := newFakeS3(map[string]string{"readmoo/a.json": `{"title":"a"}`})
	bus := event.NewBus(nil)
	var reported []event.AdapterErrorReportedEvent
	bus.Subscribe(event.TypeAdapterErrorReported, func(e event.Event) {
		reported = append(reported, e.(event.AdapterErrorReportedEvent))
	})

	a := newTestAdapter(t, api, bus, nil)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Activate(ctx))

	data, err := a.ReadManifest(ctx, "readmoo/a.json")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"a"}`, string(data))

	_, err = a.ReadManifest(ctx, "readmoo/missing.json")
	require.Error(t, err)
	var noKey *s3types.NoSuchKey
	assert.True(t, stderr.As(err, &noKey))
	require.Len(t, reported, 1)
	assert.Equal(t, "READMOO", reported[0].PlatformID)
	assert.Equal(t, "1_adapter_1_abc", reported[0].AdapterID)
}

func TestAdapterHealthStatus(t *testing.T) {
	api := newFakeS3(nil)
	a := newTestAdapter(t, api, nil, nil)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))

	status := a.HealthStatus(ctx)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, uint(0), status.ErrorCount)

	api.mu.Lock()
	api.headErr = stderr.New("connection reset")
	api.mu.Unlock()

	status = a.HealthStatus(ctx)
	assert.False(t, status.IsHealthy)
	assert.Equal(t, uint(1), status.ErrorCount)
	assert.Equal(t, "connection reset", status.Details["error"])
}

func TestAdapterListFailureReported(t *testing.T) {
	api := newFakeS3(nil)
	api.listErr = stderr.New("throttled")
	bus := event.NewBus(nil)
	count := 0
	bus.Subscribe(event.TypeAdapterErrorReported, func(event.Event) { count++ })

	a := newTestAdapter(t, api, bus, nil)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, a.Activate(ctx))

	_, err := a.ListExports(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestNewConstructor(t *testing.T) {
	api := newFakeS3(nil)
	ctor := NewConstructor(func(context.Context, Config) (API, error) { return api, nil })

	adapter, err := ctor(platform.Dependencies{PlatformID: "KINDLE"}, map[string]interface{}{"bucket": "b"})
	require.NoError(t, err)
	var _ types.Adapter = adapter
	assert.Equal(t, "KINDLE", adapter.Platform())
	assert.Equal(t, Capabilities, adapter.Capabilities())

	_, err = ctor(platform.Dependencies{}, map[string]interface{}{})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
}
