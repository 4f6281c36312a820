// Package upload publishes generated images to S3 so the newsletter can link
// to them.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/hpharmsen/ainews/internal/cache"
	"github.com/hpharmsen/ainews/internal/config"
	"github.com/hpharmsen/ainews/internal/core"
	"github.com/hpharmsen/ainews/internal/retry"
)

// ErrUploadTimeout is returned when every upload attempt failed.
var ErrUploadTimeout = errors.New("upload did not succeed in time")

// PutObjectAPI is the part of the S3 client the uploader uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores images under the configured prefix and returns their
// public URL.
type Uploader struct {
	client PutObjectAPI
	cache  *cache.Store
	cfg    config.Upload
	log    zerolog.Logger
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg config.Upload) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	return s3.NewFromConfig(awsCfg), nil
}

// New creates an Uploader.
func New(client PutObjectAPI, store *cache.Store, cfg config.Upload, log zerolog.Logger) *Uploader {
	return &Uploader{
		client: client,
		cache:  store,
		cfg:    cfg,
		log:    log.With().Str("component", "upload").Logger(),
	}
}

// Image uploads the illustration of period.
func (u *Uploader) Image(ctx context.Context, period core.Period, data []byte) (string, error) {
	return u.upload(ctx, period, cache.ImageURL, period.ID+".png", data)
}

// Infographic uploads the infographic of period.
func (u *Uploader) Infographic(ctx context.Context, period core.Period, data []byte) (string, error) {
	return u.upload(ctx, period, cache.InfographicURL, period.ID+"_infographic.png", data)
}

func (u *Uploader) upload(ctx context.Context, period core.Period, kind cache.Kind, name string, data []byte) (string, error) {
	if url, ok, err := u.cache.GetText(period, kind); err != nil || ok {
		return strings.TrimSpace(url), err
	}

	key := path.Join(u.cfg.Prefix, name)
	start := time.Now()
	policy := retry.Policy{
		Attempts: u.cfg.Attempts,
		Delay:    retry.Linear(u.cfg.Delay),
		OnRetry: func(failed int, err error) {
			u.log.Warn().Err(err).Str("key", key).Int("attempt", failed).Msg("Upload failed, retrying")
		},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(u.cfg.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(data),
			ContentType:  aws.String("image/png"),
			CacheControl: aws.String("public, max-age=31536000"),
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrapf(err, "uploading %s", key)
		}
		return "", errors.Mark(errors.Wrapf(err, "uploading %s after %d attempts", key, u.cfg.Attempts), ErrUploadTimeout)
	}

	url := u.URL(key)
	u.log.Info().Str("url", url).Int("bytes", len(data)).Dur("elapsed", time.Since(start)).Msg("Uploaded image")
	if err := u.cache.PutText(period, kind, url); err != nil {
		return "", err
	}
	return url, nil
}

// URL returns the public address of key.
func (u *Uploader) URL(key string) string {
	if u.cfg.BaseURL != "" {
		return strings.TrimSuffix(u.cfg.BaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", u.cfg.Region, u.cfg.Bucket, key)
}
