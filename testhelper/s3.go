package testhelper

import (
	"os"
	"testing"

	"github.com/kalbasit/buildcache/pkg/archive"
)

// S3TestConfig returns the archive-tier S3 configuration for testing.
// It skips the test if any required environment variable is missing.
func S3TestConfig(t *testing.T) *archive.Config {
	t.Helper()

	endpoint := os.Getenv("BUILDCACHE_TEST_S3_ENDPOINT")
	bucket := os.Getenv("BUILDCACHE_TEST_S3_BUCKET")
	region := os.Getenv("BUILDCACHE_TEST_S3_REGION")
	accessKeyID := os.Getenv("BUILDCACHE_TEST_S3_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("BUILDCACHE_TEST_S3_SECRET_ACCESS_KEY")

	if endpoint == "" || bucket == "" || region == "" || accessKeyID == "" || secretAccessKey == "" {
		t.Skip("Skipping S3 integration test: S3 environment variables not set")

		return nil
	}

	return &archive.Config{
		Bucket:          bucket,
		Region:          region,
		Endpoint:        endpoint,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		ForcePathStyle:  true,
	}
}
