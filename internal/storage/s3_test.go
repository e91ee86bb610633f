package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	puts []s3.PutObjectInput
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, *params)
	return &s3.PutObjectOutput{}, nil
}

func TestPutRawUploadUsesGUIDPrefixedKey(t *testing.T) {
	fake := &fakeS3{}
	store, err := NewWithClient(fake, "data-registry-qa")
	require.NoError(t, err)

	uri, err := store.PutRawUpload(context.Background(), "guid-123", "sumstats.tsv.gz", strings.NewReader("data"))
	require.NoError(t, err)
	require.Equal(t, "s3://data-registry-qa/guid-123/raw/sumstats.tsv.gz", uri)

	require.Len(t, fake.puts, 1)
	require.Equal(t, "guid-123/raw/sumstats.tsv.gz", *fake.puts[0].Key)
	require.Equal(t, "data-registry-qa", *fake.puts[0].Bucket)
}

func TestPutRawUploadStripsDirectoryComponents(t *testing.T) {
	fake := &fakeS3{}
	store, err := NewWithClient(fake, "data-registry-qa")
	require.NoError(t, err)

	_, err = store.PutRawUpload(context.Background(), "guid-123", "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, "guid-123/raw/passwd", *fake.puts[0].Key)
}

func TestMarkRetiredWritesDeleteMarker(t *testing.T) {
	fake := &fakeS3{}
	store, err := NewWithClient(fake, "data-registry-qa")
	require.NoError(t, err)

	require.NoError(t, store.MarkRetired(context.Background(), "guid-123"))
	require.Equal(t, "guid-123/_DELETED", *fake.puts[0].Key)
}

func TestSplitURI(t *testing.T) {
	bucket, key, err := SplitURI("s3://data-registry-qa/guid/raw/file.tsv")
	require.NoError(t, err)
	require.Equal(t, "data-registry-qa", bucket)
	require.Equal(t, "guid/raw/file.tsv", key)

	_, _, err = SplitURI("https://example.com/x")
	require.Error(t, err)

	_, _, err = SplitURI("s3://bucket-only")
	require.Error(t, err)
}
