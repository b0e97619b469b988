package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/floundr/registryx/pkg/config"
)

// S3Driver stores content in an S3-compatible object store (e.g. MinIO),
// selected with --driver s3. Adapted from ckmine11-registry-x's
// pkg/storage/s3.go to the Driver contract of spec §4.2.
type S3Driver struct {
	client *minio.Client
	bucket string
}

func NewS3Driver(cfg *config.Config) (*S3Driver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioUser, cfg.MinioPass, ""),
		Secure: cfg.MinioSecure,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := client.BucketExists(ctx, cfg.MinioBucket)
		if errExists != nil || !exists {
			return nil, err
		}
	}

	return &S3Driver{client: client, bucket: cfg.MinioBucket}, nil
}

func (d *S3Driver) BasePath() string { return d.bucket }

func (d *S3Driver) StreamToFile(ctx context.Context, dir, filename string, r io.Reader) (string, int64, error) {
	relPath, err := cleanRelPath(dir + "/" + filename)
	if err != nil {
		return "", 0, err
	}

	info, err := d.client.PutObject(ctx, d.bucket, relPath, r, -1, minio.PutObjectOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("s3 put failed: %w", err)
	}
	return relPath, info.Size, nil
}

func (d *S3Driver) OpenFile(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return nil, err
	}
	if _, err := d.client.StatObject(ctx, d.bucket, rel, minio.StatObjectOptions{}); err != nil {
		return nil, err
	}
	return d.client.GetObject(ctx, d.bucket, rel, minio.GetObjectOptions{})
}

func (d *S3Driver) StatFile(ctx context.Context, relPath string) (int64, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return 0, err
	}
	info, err := d.client.StatObject(ctx, d.bucket, rel, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (d *S3Driver) DeleteFile(ctx context.Context, relPath string) error {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return err
	}
	return d.client.RemoveObject(ctx, d.bucket, rel, minio.RemoveObjectOptions{})
}

func (d *S3Driver) DirSize(ctx context.Context, relPath string) (int64, error) {
	rel, err := cleanRelPath(relPath)
	if err != nil {
		return 0, err
	}
	var total int64
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: rel, Recursive: true}) {
		if obj.Err != nil {
			return 0, obj.Err
		}
		total += obj.Size
	}
	return total, nil
}

func (d *S3Driver) CopyFile(ctx context.Context, srcRelPath, dstRelPath string) error {
	srcRel, err := cleanRelPath(srcRelPath)
	if err != nil {
		return err
	}
	dstRel, err := cleanRelPath(dstRelPath)
	if err != nil {
		return err
	}

	src := minio.CopySrcOptions{Bucket: d.bucket, Object: srcRel}
	dst := minio.CopyDestOptions{Bucket: d.bucket, Object: dstRel}
	_, err = d.client.CopyObject(ctx, dst, src)
	return err
}
