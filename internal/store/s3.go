package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps database artifacts in an S3 bucket, one object per
// fingerprint under an optional key prefix.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Store creates a store over the given bucket. Credentials come from
// the default AWS chain; PKGDB_S3_ACCESS_KEY and PKGDB_S3_SECRET_KEY
// override it with static credentials.
func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if access := os.Getenv("PKGDB_S3_ACCESS_KEY"); access != "" {
		secret := os.Getenv("PKGDB_S3_SECRET_KEY")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (s *S3Store) key(fingerprint string) string {
	return path.Join(s.prefix, fingerprint+".sqlite")
}

// Put uploads a database file for a fingerprint.
func (s *S3Store) Put(ctx context.Context, fingerprint string, r io.Reader, size int64) error {
	key := s.key(fingerprint)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading database to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get downloads the database for a fingerprint into w.
func (s *S3Store) Get(ctx context.Context, fingerprint string, w io.Writer) error {
	key := s.key(fingerprint)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
		}
		return fmt.Errorf("downloading database from s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading database from s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Exists reports whether the bucket holds an artifact for fingerprint.
func (s *S3Store) Exists(ctx context.Context, fingerprint string) (bool, error) {
	key := s.key(fingerprint)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking s3://%s/%s: %w", s.bucket, key, err)
	}
	return true, nil
}

var _ Store = (*S3Store)(nil)
