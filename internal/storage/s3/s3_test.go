package s3

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/retry"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

func TestKeyPrefix(t *testing.T) {
	l, err := New(Config{Bucket: "b", Prefix: "/data/", Namespace: "/zone/home"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path   string
		want   string
		inside bool
	}{
		{"/zone/home", "data/", true},
		{"/zone/home/a", "data/a/", true},
		{"/zone/home/a/b", "data/a/b/", true},
		{"/zone/other", "", false},
	}
	for _, tt := range tests {
		got, ok := l.keyPrefix(tt.path)
		if ok != tt.inside || got != tt.want {
			t.Errorf("keyPrefix(%s) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.inside)
		}
	}

	bare, _ := New(Config{Bucket: "b"}, zap.NewNop())
	if got, _ := bare.keyPrefix("/"); got != "" {
		t.Errorf("expected empty prefix for bucket root, got %q", got)
	}
}

func TestEntriesFromPage(t *testing.T) {
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	page := &s3.ListObjectsV2Output{
		CommonPrefixes: []types.CommonPrefix{
			{Prefix: aws.String("data/a/sub/")},
		},
		Contents: []types.Object{
			{Key: aws.String("data/a/"), Size: aws.Int64(0)},
			{Key: aws.String("data/a/f.txt"), Size: aws.Int64(42), ETag: aws.String(`"abc123"`), LastModified: aws.Time(mtime)},
		},
	}

	entries, marker, err := entriesFromPage("/a", "data/a/", page)
	if err != nil {
		t.Fatal(err)
	}
	if !marker {
		t.Error("expected directory marker to be reported")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", entries)
	}
	if !entries[0].IsDir || entries[0].Path != "/a/sub" {
		t.Errorf("unexpected dir entry %+v", entries[0])
	}
	f := entries[1]
	if f.IsDir || f.Path != "/a/f.txt" || f.Size != 42 || f.Checksum != "abc123" {
		t.Errorf("unexpected file entry %+v", f)
	}
	if !f.ModifiedAt.Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, f.ModifiedAt)
	}
}

func TestClassify(t *testing.T) {
	if !retry.IsRetryable(classify(errors.New("connection reset"))) {
		t.Error("transport errors should be retryable")
	}
	if retry.IsRetryable(classify(context.Canceled)) {
		t.Error("cancellation should not be retryable")
	}
}

func TestListRequiresConnect(t *testing.T) {
	l, _ := New(Config{Bucket: "b"}, zap.NewNop())
	if _, err := l.List(context.Background(), "/"); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected not connected error, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := NewFromJSON([]byte(`{"region":"eu-west-1"}`), zap.NewNop()); err == nil {
		t.Error("expected error without bucket")
	}
}
