package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/storage"
	storageBadger "github.com/marmos91/mirrorfs/pkg/storage/badger"
	"github.com/marmos91/mirrorfs/pkg/storage/memory"
	storageS3 "github.com/marmos91/mirrorfs/pkg/storage/s3"
	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/marmos91/mirrorfs/pkg/xlator"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/unify"
	"github.com/marmos91/mirrorfs/pkg/xlators/features/locks"
	"github.com/marmos91/mirrorfs/pkg/xlators/performance/iothreads"
	"github.com/marmos91/mirrorfs/pkg/xlators/protocol/client"
	"github.com/marmos91/mirrorfs/pkg/xlators/storage/kv"
	"github.com/mitchellh/mapstructure"
)

// BackendConfig selects and configures the storage.Backend of a brick.
//
// The Type field determines which implementation is used. Only the
// corresponding type-specific section is used.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: memory, badger, s3
	Type string `mapstructure:"type" validate:"required,oneof=memory badger s3"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// brickOptions is the options map of a storage/kv node.
type brickOptions struct {
	kv.Options `mapstructure:",squash"`

	Backend BackendConfig `mapstructure:"backend"`
}

// decodeOptions decodes a node's options map into out and validates it.
// Unknown keys are rejected so that typos do not pass silently.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// DefaultRegistry returns a registry with a factory for every translator
// type shipped with mirrorfs. metrics receives the heal metrics of every
// replicate node (nil disables them).
func DefaultRegistry(metrics replicate.HealMetrics) *volume.Registry {
	reg := volume.NewRegistry()
	reg.Register(kv.Type, createBrick)
	reg.Register(locks.Type, func(_ context.Context, spec volume.NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		child, err := single(spec, children)
		if err != nil {
			return nil, err
		}
		return locks.New(spec.Name, child), nil
	})
	reg.Register(iothreads.Type, func(_ context.Context, spec volume.NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		child, err := single(spec, children)
		if err != nil {
			return nil, err
		}
		var opts iothreads.Options
		if err := decodeOptions(spec.Options, &opts); err != nil {
			return nil, err
		}
		return iothreads.New(spec.Name, child, opts), nil
	})
	reg.Register(client.Type, func(_ context.Context, spec volume.NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		remote, err := single(spec, children)
		if err != nil {
			return nil, err
		}
		var opts client.Options
		if err := decodeOptions(spec.Options, &opts); err != nil {
			return nil, err
		}
		return client.New(spec.Name, remote, nil, opts), nil
	})
	reg.Register(replicate.Type, func(_ context.Context, spec volume.NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
		if len(children) == 0 {
			return nil, fmt.Errorf("%s needs at least one subvolume", replicate.Type)
		}
		opts := replicate.DefaultOptions()
		if err := decodeOptions(spec.Options, &opts); err != nil {
			return nil, err
		}
		return replicate.New(spec.Name, children, opts, metrics), nil
	})
	reg.Register(unify.Type, func(_ context.Context, spec volume.NodeSpec, children []xlator.Translator, ns xlator.Translator) (xlator.Translator, error) {
		if ns == nil {
			return nil, fmt.Errorf("%s needs a namespace", unify.Type)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%s needs at least one storage subvolume", unify.Type)
		}
		return unify.New(spec.Name, ns, children), nil
	})
	return reg
}

func single(spec volume.NodeSpec, children []xlator.Translator) (xlator.Translator, error) {
	if len(children) != 1 {
		return nil, fmt.Errorf("%s needs exactly one subvolume, got %d", spec.Type, len(children))
	}
	return children[0], nil
}

func createBrick(ctx context.Context, spec volume.NodeSpec, children []xlator.Translator, _ xlator.Translator) (xlator.Translator, error) {
	if len(children) != 0 {
		return nil, fmt.Errorf("%s is a leaf and takes no subvolumes", kv.Type)
	}
	var opts brickOptions
	if err := decodeOptions(spec.Options, &opts); err != nil {
		return nil, err
	}
	backend, err := CreateBackend(ctx, &opts.Backend)
	if err != nil {
		return nil, err
	}
	return kv.New(spec.Name, backend, opts.Options), nil
}

// CreateBackend creates a storage backend based on configuration.
//
// Supported types:
//   - "memory": in-process sorted map (tests, scratch bricks)
//   - "badger": pkg/storage/badger (embedded BadgerDB)
//   - "s3": pkg/storage/s3 (Amazon S3 or compatible storage)
func CreateBackend(ctx context.Context, cfg *BackendConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryBackend(), nil
	case "badger":
		return createBadgerBackend(ctx, cfg.Badger)
	case "s3":
		return createS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
}

func createBadgerBackend(ctx context.Context, options map[string]any) (storage.Backend, error) {
	var badgerCfg storageBadger.Config
	if err := mapstructure.Decode(options, &badgerCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger backend config: %w", err)
	}

	backend, err := storageBadger.NewBadgerBackend(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger backend: %w", err)
	}

	logger.Info("Badger backend initialized: path=%s, in_memory=%v", badgerCfg.Path, badgerCfg.InMemory)
	return backend, nil
}

func createS3Backend(ctx context.Context, options map[string]any) (storage.Backend, error) {
	type S3BackendConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var s3Cfg S3BackendConfig
	if err := mapstructure.Decode(options, &s3Cfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backend config: %w", err)
	}

	if s3Cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backend: bucket is required")
	}
	if s3Cfg.Region == "" {
		return nil, fmt.Errorf("S3 backend: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(s3Cfg.Region),
	}

	// Credentials if provided, otherwise the default credential chain
	if s3Cfg.AccessKeyID != "" && s3Cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(s3Cfg.AccessKeyID, s3Cfg.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := s3Cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO, Localstack and friends need a custom endpoint and path-style
		// addressing
		if s3Cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create the backend
	// ========================================================================

	backend, err := storageS3.NewS3Backend(ctx, storageS3.Config{
		Client:    s3Client,
		Bucket:    s3Cfg.Bucket,
		KeyPrefix: s3Cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backend: %w", err)
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, prefix=%s",
		s3Cfg.Bucket, s3Cfg.Region, s3Cfg.KeyPrefix)

	return backend, nil
}
