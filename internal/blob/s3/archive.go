package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/kimpbot/internal/domain"
)

const (
	contentType = "application/x-ndjson"
	// partSize is the multipart threshold; smaller batches go up in a
	// single PutObject.
	partSize int64 = 8 << 20
)

// Archive stores batches of cycles as JSONL objects under a key prefix.
type Archive struct {
	api      API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ domain.CycleArchive = (*Archive)(nil)

// NewArchive creates an archive writing to bucket under prefix.
func NewArchive(api API, bucket, prefix string) *Archive {
	return &Archive{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (a *Archive) objectKey(key string) string {
	if a.prefix == "" {
		return key
	}
	return path.Join(a.prefix, key)
}

// ArchiveCycles writes cycles, one JSON document per line, to key.
func (a *Archive) ArchiveCycles(ctx context.Context, key string, cycles []domain.Cycle) error {
	if len(cycles) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, c := range cycles {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("s3blob: encode cycle %s: %w", c.ID, err)
		}
	}

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey(key)),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}

// Load reads an archived batch back. It returns domain.ErrNotFound when the
// object does not exist.
func (a *Archive) Load(ctx context.Context, key string) ([]domain.Cycle, error) {
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", key, err)
	}
	defer out.Body.Close()

	var cycles []domain.Cycle
	sc := bufio.NewScanner(out.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var c domain.Cycle
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", key, len(cycles)+1, err)
		}
		cycles = append(cycles, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", key, err)
	}
	return cycles, nil
}

// List returns the keys (relative to the archive prefix) under sub.
func (a *Archive) List(ctx context.Context, sub string) ([]string, error) {
	prefix := a.objectKey(sub)
	p := s3.NewListObjectsV2Paginator(a.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if a.prefix != "" {
				k = strings.TrimPrefix(k, a.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Health checks that the bucket is reachable.
func (a *Archive) Health(ctx context.Context) error {
	if _, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", a.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
