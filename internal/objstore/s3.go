package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store stores objects in an S3 bucket, optionally below a key prefix.
// It also serves S3-compatible endpoints such as MinIO.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds a client from the default AWS credential chain, or from
// the static credentials and endpoint in loc for minio URLs.
func NewS3Store(ctx context.Context, loc Location) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if loc.Scheme == "minio" {
		opts = append(opts,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(loc.AccessKey, loc.SecretKey, "")),
		)
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if loc.Endpoint != "" {
			o.BaseEndpoint = aws.String("http://" + loc.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: loc.Bucket, prefix: loc.Prefix}, nil
}

func (s *S3Store) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func (s *S3Store) unkey(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+"/")
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Store) Put(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("objstore: s3 put %s: %w", p, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, p string, rng *string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Range:  rng,
	})
	if isS3NotFound(err) {
		return nil, NotFound(p)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: s3 get %s: %w", p, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Get(ctx context.Context, p string) ([]byte, error) {
	return s.get(ctx, p, nil)
}

func (s *S3Store) GetRange(ctx context.Context, p string, off, n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	data, err := s.get(ctx, p, aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("objstore: s3 short read on %s: got %d of %d bytes", p, len(data), n)
	}
	return data, nil
}

func (s *S3Store) Stat(ctx context.Context, p string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if isS3NotFound(err) {
		return ObjectInfo{}, NotFound(p)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("objstore: s3 head %s: %w", p, err)
	}
	return ObjectInfo{Path: p, Size: aws.ToInt64(out.ContentLength), Version: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("objstore: s3 delete %s: %w", p, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	var out []ObjectInfo
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objstore: s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Path:    s.unkey(aws.ToString(obj.Key)),
				Size:    aws.ToInt64(obj.Size),
				Version: aws.ToString(obj.ETag),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *S3Store) Close() error { return nil }
