package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"backrun/internal/config"
	"backrun/internal/core"
	"backrun/internal/namer"
)

// ObjectStoreUploader ships archives to an S3-compatible bucket. Backups
// live under <prefix>/<setKey>/<name>; the store is flat, so "folders" are
// just key prefixes.
type ObjectStoreUploader struct {
	errState

	id     string
	bucket string
	prefix string
	logger core.Logger

	client   *s3.Client
	uploader *manager.Uploader

	testDelay time.Duration
}

var _ core.Uploader = (*ObjectStoreUploader)(nil)

// NewObjectStoreUploader creates the adapter with static credentials from
// the config. An endpoint override points it at non-AWS stores.
func NewObjectStoreUploader(ctx context.Context, cfg config.RemoteConfig, logger core.Logger) (*ObjectStoreUploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Non-AWS stores rarely support virtual-hosted buckets.
			o.UsePathStyle = true
		}
	})

	return &ObjectStoreUploader{
		id:        cfg.ID,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    logger,
		client:    client,
		uploader:  manager.NewUploader(client),
		testDelay: defaultTestDelay,
	}, nil
}

func (u *ObjectStoreUploader) ID() string   { return u.id }
func (u *ObjectStoreUploader) Kind() string { return "objectstore" }

// Linked is always true: static credentials live in the config.
func (u *ObjectStoreUploader) Linked() bool { return true }

func (u *ObjectStoreUploader) Upload(ctx context.Context, a core.Archive) error {
	f, err := os.Open(a.LocalPath)
	if err != nil {
		return u.fail(fmt.Errorf("opening archive: %w", err))
	}
	defer f.Close()

	key := u.objectKey(a.SetKey, a.Name)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return u.fail(fmt.Errorf("uploading %s: %w", key, classify(err)))
	}
	return nil
}

func (u *ObjectStoreUploader) Test(ctx context.Context) error {
	key := u.objectKey("", probeName(time.Now()))
	body := probeBody()

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return u.fail(fmt.Errorf("uploading probe: %w", classify(err)))
	}

	select {
	case <-time.After(u.testDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err = u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return u.fail(fmt.Errorf("deleting probe: %w", classify(err)))
	}
	return nil
}

func (u *ObjectStoreUploader) Prune(ctx context.Context, setKey string, pat namer.Pattern, keep int) error {
	return u.fail(pruneLocation(ctx, u, setKey, pat, keep, u.logger))
}

func (u *ObjectStoreUploader) Close() error { return nil }

// listLocation pages through ListObjectsV2 under the set's key prefix.
func (u *ObjectStoreUploader) listLocation(ctx context.Context, setKey string) ([]remoteFile, error) {
	prefix := u.objectKey(setKey, "")

	var out []remoteFile
	paginator := s3.NewListObjectsV2Paginator(u.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, "/") {
				// Not a direct child of this location.
				continue
			}
			var mod time.Time
			if obj.LastModified != nil {
				mod = *obj.LastModified
			}
			out = append(out, remoteFile{id: key, name: name, modTime: mod})
		}
	}
	return out, nil
}

func (u *ObjectStoreUploader) deleteFile(ctx context.Context, _ string, f remoteFile) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(f.id),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// objectKey joins prefix, set key and name into a bucket key. With an
// empty name it returns the location prefix ending in "/".
func (u *ObjectStoreUploader) objectKey(setKey, name string) string {
	parts := make([]string, 0, 3)
	if u.prefix != "" {
		parts = append(parts, u.prefix)
	}
	if setKey != "" {
		parts = append(parts, setKey)
	}
	key := strings.Join(parts, "/")
	if name == "" {
		return key + "/"
	}
	if key == "" {
		return name
	}
	return key + "/" + name
}
