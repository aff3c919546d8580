package publisher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/renderflow/pkg/retry"
)

func testS3Config() S3Config {
	return S3Config{
		Endpoint:        "https://storage.example.com",
		Region:          "auto",
		Bucket:          "renderflow-artifacts",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret",
		PresignExpiry:   time.Hour,
		Retry: retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1.0,
		},
	}
}

func TestNewS3PublisherRequiresBucket(t *testing.T) {
	cfg := testS3Config()
	cfg.Bucket = ""

	_, err := NewS3Publisher(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestS3PublisherPublicURL(t *testing.T) {
	cfg := testS3Config()
	cfg.PublicBaseURL = "https://cdn.example.com/"

	p, err := NewS3Publisher(context.Background(), cfg, testLogger())
	require.NoError(t, err)

	url, err := p.artifactURL(context.Background(), "renders/proj-9/job-7-100.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/renders/proj-9/job-7-100.mp4", url)
}

func TestS3PublisherPresignFallback(t *testing.T) {
	// Presigning is local request signing; no bucket round trip happens.
	p, err := NewS3Publisher(context.Background(), testS3Config(), testLogger())
	require.NoError(t, err)

	url, err := p.artifactURL(context.Background(), "renders/proj-9/job-7-100.mp4")
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "job-7-100.mp4"), "presigned URL should carry the key: %s", url)
	assert.True(t, strings.Contains(url, "X-Amz-"), "expected a signed URL, got %s", url)
}
