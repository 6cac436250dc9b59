package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conductor-labs/conductor-go/internal/platform/env"
)

type Config struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Region           string
	UseSSL           bool
	BucketDeadLetter string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("CONDUCTOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:         env.String("CONDUCTOR_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:        env.String("CONDUCTOR_MINIO_ACCESS_KEY", "conductor"),
		SecretKey:        env.String("CONDUCTOR_MINIO_SECRET_KEY", "conductorminio"),
		Region:           env.String("CONDUCTOR_MINIO_REGION", "us-east-1"),
		UseSSL:           useSSL,
		BucketDeadLetter: env.String("CONDUCTOR_MINIO_BUCKET_DEAD_LETTER", "dead-letters"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketDeadLetter) == "" {
		return errors.New("dead letter bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
