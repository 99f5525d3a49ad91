package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stolink/imageworker/internal/config"
	"github.com/stolink/imageworker/internal/engine"
	"github.com/stolink/imageworker/internal/provider"
	"github.com/stolink/imageworker/internal/provider/bedrock"
	"github.com/stolink/imageworker/internal/provider/gemini"
	"github.com/stolink/imageworker/internal/storage"
)

// objectStore is a storage backend that can also read back what it serves.
type objectStore interface {
	provider.ObjectStore
	gemini.Fetcher
}

// Providers builds the production capabilities: Bedrock for prompts and
// image creation, Gemini for edits and S3 or MinIO for storage.
func Providers(ctx context.Context, cfg config.Config, logger *slog.Logger) (engine.Providers, error) {
	httpClient := &http.Client{}

	awsCfg, err := loadAWSConfig(ctx, cfg.Bedrock.Region, cfg.Bedrock.AccessKeyID, cfg.Bedrock.SecretAccessKey)
	if err != nil {
		return engine.Providers{}, err
	}
	brt := bedrockruntime.NewFromConfig(awsCfg)

	objects, err := newObjectStore(ctx, cfg, httpClient)
	if err != nil {
		return engine.Providers{}, err
	}

	return engine.Providers{
		Prompt:  bedrock.NewPromptProvider(brt, cfg.Bedrock.PromptModelID, cfg.Bedrock.PromptFallback, logger.With("component", "bedrock")),
		Creator: bedrock.NewCanvasCreator(brt, cfg.Bedrock.CanvasModelID),
		Editor: gemini.NewEditor(gemini.Options{
			APIKey:     cfg.Gemini.APIKey,
			BaseURL:    cfg.Gemini.BaseURL,
			Model:      cfg.Gemini.Model,
			HTTPClient: httpClient,
			Logger:     logger.With("component", "gemini"),
		}, objects),
		Store: objects,
	}, nil
}

func newObjectStore(ctx context.Context, cfg config.Config, httpClient *http.Client) (objectStore, error) {
	sc := cfg.Storage
	if sc.Backend == config.StorageMinio {
		ms, err := storage.NewMinioStore(storage.MinioOptions{
			Endpoint:      sc.Endpoint,
			Bucket:        sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			UseSSL:        sc.UseSSL,
			PublicBaseURL: sc.PublicBaseURL,
		}, httpClient)
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return ms, nil
	}

	// The bucket region can differ from the Bedrock region; keys are shared.
	awsCfg, err := loadAWSConfig(ctx, sc.Region, cfg.Bedrock.AccessKeyID, cfg.Bedrock.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Store(s3.NewFromConfig(awsCfg), storage.S3Options{
		Bucket:        sc.Bucket,
		Region:        sc.Region,
		PublicBaseURL: sc.PublicBaseURL,
	}, httpClient), nil
}

// loadAWSConfig uses static keys when both are set and the default
// credential chain otherwise.
func loadAWSConfig(ctx context.Context, region, keyID, secret string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if keyID != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keyID, secret, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}
