package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/storage/storagetest"
)

func TestErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("get: %w", &smithy.GenericAPIError{Code: "NoSuchKey"})
	if !isNotFound(notFound) {
		t.Fatalf("expected NoSuchKey to be not found")
	}
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	if !isPreconditionFailed(precondition) || isNotFound(precondition) {
		t.Fatalf("unexpected classification for PreconditionFailed")
	}
	if !isRetryable(&smithy.GenericAPIError{Code: "SlowDown"}) {
		t.Fatalf("expected SlowDown to be retryable")
	}
	if !isRetryable(syscall.ECONNRESET) || !isRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected network errors to be retryable")
	}
	if isRetryable(errors.New("access denied")) {
		t.Fatalf("plain errors must not be retryable")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected region error")
	}
}

// TestAWSBackendConformance runs against a real bucket when
// CHECKOUTD_AWS_BUCKET and CHECKOUTD_AWS_REGION are set.
func TestAWSBackendConformance(t *testing.T) {
	bucket := os.Getenv("CHECKOUTD_AWS_BUCKET")
	region := os.Getenv("CHECKOUTD_AWS_REGION")
	if bucket == "" || region == "" {
		t.Skip("CHECKOUTD_AWS_BUCKET/CHECKOUTD_AWS_REGION not set")
	}
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		store, err := New(Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("CHECKOUTD_AWS_ENDPOINT"),
			Prefix:   "checkoutd-test/" + ids.New(),
		})
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return store
	})
}
