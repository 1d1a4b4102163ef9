package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"media-pipeline-go/internal/config"
)

// ErrNotFound indicates the requested object does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// MediaFile is an immutable snapshot of one stored object from a listing.
type MediaFile struct {
	Key          string    `json:"key"`
	Name         string    `json:"filename"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Extension    string    `json:"extension"`
}

// S3Store implements object storage access on top of AWS S3.
type S3Store struct {
	client         *s3.Client
	listExtensions map[string]struct{}
	log            *logrus.Logger
}

// NewS3Store creates an S3 client from the AWS configuration. Static
// credentials are used when configured, otherwise the default provider
// chain applies.
func NewS3Store(ctx context.Context, awsCfg config.AWSConfig, listExtensions []string, log *logrus.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(awsCfg.Region),
	}
	if awsCfg.AccessKeyID != "" && awsCfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(awsCfg.AccessKeyID, awsCfg.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	extSet := make(map[string]struct{}, len(listExtensions))
	for _, ext := range listExtensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}

	return &S3Store{
		client:         s3.NewFromConfig(cfg),
		listExtensions: extSet,
		log:            log,
	}, nil
}

// List returns up to maxFiles media objects from the bucket, filtered to
// the known media extensions.
func (s *S3Store) List(ctx context.Context, bucket string, maxFiles int) ([]MediaFile, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(maxFiles)),
	})
	if err != nil {
		return nil, fmt.Errorf("list objects in %s: %w", bucket, err)
	}

	files := make([]MediaFile, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		ext := strings.ToLower(filepath.Ext(key))
		if _, ok := s.listExtensions[ext]; !ok {
			continue
		}
		files = append(files, MediaFile{
			Key:          key,
			Name:         filepath.Base(key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			Extension:    ext,
		})
	}

	s.log.Debugf("Found %d media files in bucket %s", len(files), bucket)
	return files, nil
}

// Exists reports whether the object exists in the bucket.
func (s *S3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Size returns the byte size of the object.
func (s *S3Store) Size(ctx context.Context, bucket, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Download fetches the object into an exclusively-owned temporary file,
// preserving the original extension, and returns its path.
func (s *S3Store) Download(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	tmpFile, err := os.CreateTemp("", "mediapipeline_*"+filepath.Ext(key))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(tmpFile, out.Body); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}

	info, err := os.Stat(tmpFile.Name())
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("downloaded file is empty: %s/%s", bucket, key)
	}

	s.log.Debugf("Downloaded s3://%s/%s (%d bytes)", bucket, key, info.Size())
	return tmpFile.Name(), nil
}

// Upload writes a local file to the bucket under the given key, setting
// the content type by extension when known.
func (s *S3Store) Upload(ctx context.Context, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if contentType := ContentTypeForExtension(filepath.Ext(localPath)); contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}

	s.log.Debugf("Uploaded %s to s3://%s/%s", localPath, bucket, key)
	return nil
}

// RemoveLocal deletes a local temporary file. Best effort: failures are
// logged, never escalated.
func (s *S3Store) RemoveLocal(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warnf("Could not delete temp file %s: %v", path, err)
	}
}

// ContentTypeForExtension returns the MIME type for known media
// extensions, or an empty string when unknown.
func ContentTypeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".tiff", ".tif":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".flv":
		return "video/x-flv"
	default:
		return ""
	}
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
