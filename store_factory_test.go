package checkoutd

import (
	"context"
	"testing"

	"pkt.systems/checkoutd/internal/storage/memory"
	"pkt.systems/checkoutd/internal/storage/sqlite"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, sys, err := openBackend(context.Background(), Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if sys != "mem" {
		t.Fatalf("unexpected sys %q", sys)
	}
}

func TestOpenBackendSQLiteMemory(t *testing.T) {
	backend, sys, err := openBackend(context.Background(), Config{Store: "sqlite://:memory:"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite backend, got %T", backend)
	}
	if sys != "sqlite" {
		t.Fatalf("unexpected sys %q", sys)
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	if _, _, err := openBackend(context.Background(), Config{Store: "ftp://example/x"}); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/checkoutd/records.db":         "/var/lib/checkoutd/records.db",
		"sqlite://:memory:":                              sqlite.MemoryPath,
		"sqlite://relative/records.db?cache=shared":      "relative/records.db",
		"sqlite:///tmp/checkout.db?_pragma=busy_timeout": "/tmp/checkout.db",
	}
	for in, want := range cases {
		got, err := BuildSQLitePath(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: want %q, got %q", in, want, got)
		}
	}
	if _, err := BuildSQLitePath("sqlite://"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config, got %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatalf("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatalf("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestBuildGenericS3ConfigIncompleteCredentials(t *testing.T) {
	t.Setenv("CHECKOUTD_S3_ACCESS_KEY_ID", "")
	t.Setenv("CHECKOUTD_S3_SECRET_ACCESS_KEY", "")
	_, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/b", S3AccessKeyID: "only-key"})
	if err == nil {
		t.Fatalf("expected incomplete credentials error")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_PROFILE", "")
	cfg := Config{Store: "aws://sessions-bucket/checkout?insecure=true", AWSRegion: "eu-north-1"}
	awscfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awscfg.Bucket != "sessions-bucket" || awscfg.Prefix != "checkout" {
		t.Fatalf("unexpected bucket/prefix: %+v", awscfg)
	}
	if awscfg.Region != "eu-north-1" || !awscfg.Insecure {
		t.Fatalf("unexpected region/insecure: %+v", awscfg)
	}
	if summary.Source != "auto" {
		t.Fatalf("unexpected credential source %q", summary.Source)
	}
	override, _, err := BuildAWSConfig(Config{Store: "aws://b?region=us-east-2", AWSRegion: "eu-north-1"})
	if err != nil {
		t.Fatalf("BuildAWSConfig override: %v", err)
	}
	if override.Region != "us-east-2" {
		t.Fatalf("query region should win, got %s", override.Region)
	}
	if _, _, err := BuildAWSConfig(Config{Store: "aws://b"}); err == nil {
		t.Fatalf("expected missing region error")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://acct/container/nested/prefix?endpoint=https://acct.blob.local",
		AzureAccountKey: "a2V5",
	}
	azcfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "container" || azcfg.Prefix != "nested/prefix" {
		t.Fatalf("unexpected azure config: %+v", azcfg)
	}
	if azcfg.Endpoint != "https://acct.blob.local" {
		t.Fatalf("unexpected endpoint %s", azcfg.Endpoint)
	}
	t.Setenv("CHECKOUTD_AZURE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_KEY", "")
	t.Setenv("AZURE_STORAGE_KEY", "")
	t.Setenv("CHECKOUTD_AZURE_SAS_TOKEN", "")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "")
	if _, err := BuildAzureConfig(Config{Store: "azure://acct/container"}); err == nil {
		t.Fatalf("expected missing credential error")
	}
}
