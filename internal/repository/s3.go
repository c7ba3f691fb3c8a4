package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
	"pgbak/internal/filter"
)

// S3 is the object-store repository backend, generalized from the
// teacher's snapshot-part uploader (internal/remote/remote.go) to hold
// arbitrary repository objects addressed by <label>/<name> keys rather
// than one fixed part-file naming scheme.
type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	bucket       string
	prefix       string
	storageClass types.StorageClass
}

// NewS3 builds an S3-backed repository, following the same
// config/credentials/custom-endpoint handling as the teacher's NewS3.
func NewS3(ctx context.Context, bucket, region, prefix, endpoint string, storageClass types.StorageClass, maxRetryAttempts int) (*S3, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var client *s3.Client
	if endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(cfg)
	}

	if storageClass == "" {
		return nil, fmt.Errorf("storage class must be specified")
	}

	return &S3{
		client:       client,
		uploader:     manager.NewUploader(client, func(u *manager.Uploader) { u.PartSize = 64 * 1024 * 1024 }),
		bucket:       bucket,
		prefix:       prefix,
		storageClass: storageClass,
	}, nil
}

func (s *S3) key(label, name string) string {
	return strings.TrimPrefix(pathJoin(s.prefix, objectKey(label, name)), "/")
}

func (s *S3) OpenWriter(ctx context.Context, label, name string) (io.WriteCloser, error) {
	return &s3Writer{ctx: ctx, s3: s, key: s.key(label, name)}, nil
}

func (s *S3) OpenReader(ctx context.Context, label, name string) (io.ReadCloser, error) {
	key := s.key(label, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &pgbakerrors.FileMissingError{Path: key, Err: err}
		}
		return nil, fmt.Errorf("getting S3 object %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3) Stat(ctx context.Context, label, name string) (copy.RepoStat, bool, error) {
	key := s.key(label, name)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return copy.RepoStat{}, false, nil
		}
		return copy.RepoStat{}, false, fmt.Errorf("heading S3 object %s: %w", key, err)
	}

	size := int64(0)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	checksum := ""
	if head.Metadata != nil {
		checksum = head.Metadata["sha1"]
	}
	return copy.RepoStat{Size: size, Checksum: checksum}, true, nil
}

func (s *S3) List(ctx context.Context, label string) ([]ObjectInfo, error) {
	prefix := strings.TrimSuffix(s.key(label, ""), "/") + "/"
	var entries []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing S3 objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			entries = append(entries, ObjectInfo{Name: name, Size: size, IsRegular: true})
		}
	}
	return entries, nil
}

// s3Writer buffers a repository object in memory and uploads it whole
// on Close — S3's PutObject has no true streaming append, so unlike
// the POSIX and SFTP backends this one cannot flush incrementally. The
// teacher's own Upload already reads a complete local file for the
// same reason; this just removes the intermediate temp file.
type s3Writer struct {
	ctx context.Context
	s3  *S3
	key string
	buf bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3Writer) Close() error {
	checksum, _, err := filter.ComputeSHA1(bytes.NewReader(w.buf.Bytes()), -1)
	if err != nil {
		return fmt.Errorf("checksumming S3 object %s before upload: %w", w.key, err)
	}

	_, err = w.s3.uploader.Upload(w.ctx, &s3.PutObjectInput{
		Bucket:       aws.String(w.s3.bucket),
		Key:          aws.String(w.key),
		Body:         bytes.NewReader(w.buf.Bytes()),
		StorageClass: w.s3.storageClass,
		Metadata:     map[string]string{"sha1": checksum},
	})
	if err != nil {
		return fmt.Errorf("uploading S3 object %s: %w", w.key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func pathJoin(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}
