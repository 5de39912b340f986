package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/ext2fs/pkg/blockdev"
	badgerdev "github.com/marmos91/ext2fs/pkg/blockdev/badger"
	filedev "github.com/marmos91/ext2fs/pkg/blockdev/file"
	memorydev "github.com/marmos91/ext2fs/pkg/blockdev/memory"
	s3dev "github.com/marmos91/ext2fs/pkg/blockdev/s3"
)

// CreateDevice creates a block device based on configuration.
//
// The Type field selects the backend; the matching option map is decoded
// into the backend's option struct and handed to its constructor.
//
// Supported types:
//   - "file": a regular file or raw device node on the local filesystem
//   - "memory": an in-memory device, contents lost on exit
//   - "badger": chunks persisted in a BadgerDB key-value store
//   - "s3": chunks persisted in an S3 (or compatible) bucket
func CreateDevice(ctx context.Context, cfg *DeviceConfig) (blockdev.Device, error) {
	switch cfg.Type {
	case "file":
		return createFileDevice(cfg.File)
	case "memory":
		return createMemoryDevice(cfg.Memory)
	case "badger":
		return createBadgerDevice(ctx, cfg.Badger)
	case "s3":
		return createS3Device(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown device type: %q (supported: file, memory, badger, s3)", cfg.Type)
	}
}

// createFileDevice creates a file-backed device.
func createFileDevice(options map[string]any) (blockdev.Device, error) {
	type FileDeviceOptions struct {
		Path   string `mapstructure:"path"`
		Size   uint64 `mapstructure:"size"`
		Create bool   `mapstructure:"create"`
	}

	var opts FileDeviceOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode file device options: %w", err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("file device: path is required")
	}

	if opts.Create {
		if opts.Size == 0 {
			return nil, fmt.Errorf("file device: size is required with create")
		}
		dev, err := filedev.Create(opts.Path, opts.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to create file device: %w", err)
		}
		return dev, nil
	}

	dev, err := filedev.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file device: %w", err)
	}
	return dev, nil
}

// createMemoryDevice creates an in-memory device.
func createMemoryDevice(options map[string]any) (blockdev.Device, error) {
	type MemoryDeviceOptions struct {
		Size uint64 `mapstructure:"size"`
	}

	var opts MemoryDeviceOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode memory device options: %w", err)
	}
	if opts.Size == 0 {
		return nil, fmt.Errorf("memory device: size is required")
	}

	return memorydev.New(opts.Size), nil
}

// createBadgerDevice creates a BadgerDB-backed device.
func createBadgerDevice(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	type BadgerDeviceOptions struct {
		Path      string `mapstructure:"path"`
		Size      uint64 `mapstructure:"size"`
		ChunkSize uint64 `mapstructure:"chunk_size"`
		InMemory  bool   `mapstructure:"in_memory"`
	}

	var opts BadgerDeviceOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode badger device options: %w", err)
	}
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger device: path is required")
	}

	dev, err := badgerdev.New(ctx, badgerdev.Options{
		Path:      opts.Path,
		Size:      opts.Size,
		ChunkSize: opts.ChunkSize,
		InMemory:  opts.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger device: %w", err)
	}
	return dev, nil
}

type s3DeviceOptions struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Size            uint64 `mapstructure:"size"`
	ChunkSize       uint64 `mapstructure:"chunk_size"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// createS3Device creates an S3-backed device.
func createS3Device(ctx context.Context, options map[string]any) (blockdev.Device, error) {
	var opts s3DeviceOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return nil, fmt.Errorf("failed to decode S3 device options: %w", err)
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 device: bucket is required")
	}
	if opts.Region == "" {
		return nil, fmt.Errorf("S3 device: region is required")
	}

	client, err := buildS3Client(ctx, &opts)
	if err != nil {
		return nil, err
	}

	dev, err := s3dev.New(ctx, s3dev.Config{
		Client:    client,
		Bucket:    opts.Bucket,
		KeyPrefix: opts.KeyPrefix,
		Size:      opts.Size,
		ChunkSize: opts.ChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 device: %w", err)
	}
	return dev, nil
}

func buildS3Client(ctx context.Context, opts *s3DeviceOptions) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(opts.Region))

	// Static credentials when provided, otherwise the default chain
	// (environment, shared config, instance role).
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	if opts.MaxRetries > 0 {
		maxRetries := opts.MaxRetries
		configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxRetries
			})
		}))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing.
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return client, nil
}
