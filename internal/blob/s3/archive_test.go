package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// fakeS3 keeps objects in memory. Multipart calls are not implemented and
// panic through the nil embedded API.
type fakeS3 struct {
	API
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func terminalCycle(id string, ended time.Time) domain.Cycle {
	return domain.Cycle{
		ID: id, SessionID: "session-1", Phase: domain.PhaseCompleted, Direction: domain.DirectionNormal,
		Leg1Symbol: "XRP", Leg2Symbol: "BTC", InvestmentKRW: 1_000_000, TotalProfit: 4_200,
		StartedAt: ended.Add(-time.Hour), Leg1EndedAt: &ended, EndedAt: &ended, UpdatedAt: ended,
	}
}

func TestArchive_WritesAndLoadsJSONL(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	a := NewArchive(api, "bucket", "/archive/")
	ended := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	cycles := []domain.Cycle{terminalCycle("c-1", ended), terminalCycle("c-2", ended.Add(time.Minute))}
	require.NoError(t, a.ArchiveCycles(ctx, "cycles/2026-03/c-1.jsonl", cycles))

	raw := api.objects["archive/cycles/2026-03/c-1.jsonl"]
	require.NotEmpty(t, raw)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))
	assert.Equal(t, "application/x-ndjson", api.types["archive/cycles/2026-03/c-1.jsonl"])

	got, err := a.Load(ctx, "cycles/2026-03/c-1.jsonl")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c-2", got[1].ID)
	assert.Equal(t, 4_200.0, got[0].TotalProfit)
	assert.True(t, got[0].EndedAt.Equal(ended))

	keys, err := a.List(ctx, "cycles/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cycles/2026-03/c-1.jsonl"}, keys)
	assert.NoError(t, a.Health(ctx))
}

func TestArchive_EmptyBatchAndMissingKey(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3()
	a := NewArchive(api, "bucket", "")

	require.NoError(t, a.ArchiveCycles(ctx, "cycles/x.jsonl", nil))
	assert.Empty(t, api.objects)

	_, err := a.Load(ctx, "cycles/x.jsonl")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
}
