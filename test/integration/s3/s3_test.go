//go:build integration

package s3_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	s3dev "github.com/marmos91/ext2fs/pkg/blockdev/s3"
	"github.com/marmos91/ext2fs/pkg/ext2"
)

// setupTestBucket creates an S3 client against Localstack (or whatever
// LOCALSTACK_ENDPOINT points at) and a throwaway bucket.
//
// Run with: go test -tags=integration ./test/integration/s3/...
func setupTestBucket(t *testing.T) (*s3.Client, string) {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "",
		)),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	bucket := fmt.Sprintf("ext2fs-it-%d", time.Now().UnixNano())
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err, "is Localstack running at %s?", endpoint)

	t.Cleanup(func() {
		// best effort: drop the objects, then the bucket
		list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		if err == nil {
			for _, obj := range list.Contents {
				client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(bucket),
					Key:    obj.Key,
				})
			}
		}
		client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	return client, bucket
}

// TestS3VolumeLifecycle formats a volume on an S3-backed device, writes
// data crossing several chunk boundaries, then reopens the volume from the
// bucket alone and verifies the content.
func TestS3VolumeLifecycle(t *testing.T) {
	ctx := context.Background()
	client, bucket := setupTestBucket(t)
	creds := ext2.Credentials{UID: 0, GID: 0}

	const volumeSize = 16 << 20
	const chunkSize = 256 * 1024

	payload := make([]byte, 300*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	{
		dev, err := s3dev.New(ctx, s3dev.Config{
			Client:    client,
			Bucket:    bucket,
			KeyPrefix: "volumes/it/",
			Size:      volumeSize,
			ChunkSize: chunkSize,
		})
		require.NoError(t, err)

		require.NoError(t, ext2.Format(ctx, dev, ext2.FormatOptions{VolumeName: "s3-it"}))

		fs, err := ext2.Mount(ctx, dev, ext2.MountOptions{})
		require.NoError(t, err)

		f, err := fs.Open(ctx, creds, "/blob", ext2.OpenWrite|ext2.OpenCreate, 0o644)
		require.NoError(t, err)
		_, err = f.Write(ctx, payload)
		require.NoError(t, err)
		f.Close()

		require.NoError(t, fs.Unmount(ctx))
		require.NoError(t, dev.Close())
	}

	{
		// reopen with no size: it must come from the size object
		dev, err := s3dev.New(ctx, s3dev.Config{
			Client:    client,
			Bucket:    bucket,
			KeyPrefix: "volumes/it/",
			ChunkSize: chunkSize,
		})
		require.NoError(t, err)
		defer dev.Close()

		require.Equal(t, uint64(volumeSize), dev.Size())

		fs, err := ext2.Mount(ctx, dev, ext2.MountOptions{})
		require.NoError(t, err)
		defer fs.Unmount(ctx)

		f, err := fs.Open(ctx, creds, "/blob", ext2.OpenRead, 0)
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, len(payload))
		n, err := f.ReadAt(ctx, 0, buf)
		require.NoError(t, err)
		require.Equal(t, payload, buf[:n])
	}
}
