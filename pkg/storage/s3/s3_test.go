package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/mirrorfs/pkg/storage"
	storagetesting "github.com/marmos91/mirrorfs/pkg/storage/testing"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory bucket honoring the request fields the backend
// relies on (Range, Prefix, StartAfter, MaxKeys pagination).
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (c *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if r := aws.ToString(in.Range); r != "" {
		var start, end int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		if end >= len(v) {
			end = len(v) - 1
		}
		v = v[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), v...)))}, nil
}

func (c *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(v)))}, nil
}

func (c *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.StartAfter)
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		after = tok
	}

	var keys []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// Small pages exercise the paginator.
	const maxKeys = 100
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(c.objects[k]))),
		})
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	suite := &storagetesting.BackendTestSuite{
		NewBackend: func(t *testing.T) storage.Backend {
			b, err := NewS3Backend(context.Background(), Config{
				Client:    newFakeClient(),
				Bucket:    "bricks",
				KeyPrefix: "brick0/",
			})
			require.NoError(t, err)
			return b
		},
	}
	suite.Run(t)
}

func TestS3BackendKeyPrefixIsolation(t *testing.T) {
	client := newFakeClient()
	ctx := context.Background()

	a, err := NewS3Backend(ctx, Config{Client: client, Bucket: "b", KeyPrefix: "a/"})
	require.NoError(t, err)
	b, err := NewS3Backend(ctx, Config{Client: client, Bucket: "b", KeyPrefix: "b/"})
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, "i:1", 0, []byte("x"), true))

	stats, err := b.Stat(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.Keys)

	_, ok := client.objects["a/i:1"]
	require.True(t, ok)
}

func TestS3BackendRequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), Config{Client: newFakeClient()})
	require.Error(t, err)
}
