// Command image-notifier is an AWS Lambda that publishes an image event for
// every image object written to the catalog bucket outside the API.
package main

import (
	"context"
	"os"
	"strconv"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xenking/catalog-service/internal/events"
	"github.com/xenking/catalog-service/internal/events/redisstream"
	"github.com/xenking/catalog-service/internal/notifier"
	s3storage "github.com/xenking/catalog-service/internal/storage/s3"
)

func main() {
	_ = godotenv.Load()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	opts, err := redis.ParseURL(getenv("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		lg.Fatal("Invalid REDIS_URL", zap.Error(err))
	}
	partitions, err := strconv.Atoi(getenv("CATALOG_EVENTS_PARTITIONS", "4"))
	if err != nil || partitions < 1 {
		lg.Fatal("Invalid CATALOG_EVENTS_PARTITIONS", zap.String("value", os.Getenv("CATALOG_EVENTS_PARTITIONS")))
	}

	bucket := os.Getenv("CATALOG_STORAGE_BUCKET")
	pathStyle, _ := strconv.ParseBool(os.Getenv("CATALOG_STORAGE_PATH_STYLE"))
	files, err := s3storage.Open(context.Background(), s3storage.Config{
		Bucket:    bucket,
		Region:    getenv("CATALOG_STORAGE_REGION", getenv("AWS_REGION", "us-east-1")),
		Endpoint:  os.Getenv("CATALOG_STORAGE_ENDPOINT"),
		PathStyle: pathStyle,
	})
	if err != nil {
		lg.Fatal("Open storage", zap.Error(err))
	}

	transport := redisstream.NewPublisher(
		redis.NewClient(opts),
		getenv("CATALOG_EVENTS_TOPIC", events.Topic),
		partitions,
		0,
	)
	h := notifier.New(bucket, files, events.NewPublisher(transport))

	lambda.Start(func(ctx context.Context, ev awsevents.S3Event) error {
		ctx = zctx.Base(ctx, lg)
		res, err := h.Handle(ctx, ev)
		lg.Info("Batch handled",
			zap.Int("records", len(ev.Records)),
			zap.Int("published", res.Published),
			zap.Int("skipped", res.Skipped),
			zap.Error(err),
		)
		return err
	})
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
