package archive_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/archive"
)

// fakeS3 serves the path-style subset of S3 the archive uses.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func reply(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			b.WriteString("<Contents><Key>" + k + "</Key></Contents>")
		}
		b.WriteString("</ListBucketResult>")
		return reply(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}}), nil
	case req.Method == http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.objects[key] = body
		f.types[key] = req.Header.Get("Content-Type")
		return reply(http.StatusOK, "", http.Header{"ETag": {`"etag"`}}), nil
	case req.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return reply(http.StatusNotFound,
				`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{
			"Content-Type": {f.types[key]},
		}, ContentLength: int64(len(body))}, nil
	}
	return reply(http.StatusNotImplemented, "", nil), nil
}

func newS3(t *testing.T, fake *fakeS3) *archive.S3 {
	t.Helper()
	store, err := archive.NewS3(context.Background(), archive.S3Config{
		Bucket:          "uploads",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	require.NoError(t, err)
	return store
}

func TestKey(t *testing.T) {
	assert.Equal(t, "analyses/7/load-1/ledger.xlsx", archive.Key(7, "load-1", "ledger.xlsx"))
	assert.Equal(t, "analyses/7/load-1/ledger.csv", archive.Key(7, "load-1", `C:\Users\me\ledger.csv`))
	assert.Equal(t, "analyses/7/load-1/upload", archive.Key(7, "load-1", ""))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", archive.ContentType("a.CSV"))
	assert.Equal(t, "application/vnd.ms-excel", archive.ContentType("a.xls"))
	assert.Equal(t, "application/octet-stream", archive.ContentType("a"))
}

func TestArchives(t *testing.T) {
	// GIVEN: Each archive implementation
	// WHEN: Putting two uploads of one analysis and one of another
	// THEN: Each reads back as written and listing is by prefix

	fake := newFakeS3()
	impls := map[string]archive.Archive{
		"memory": archive.NewMemory(),
		"s3":     newS3(t, fake),
	}
	for name, arch := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, arch.Put(ctx, archive.Key(1, "a", "t.csv"), []byte("x,y\n"), "text/csv"))
			require.NoError(t, arch.Put(ctx, archive.Key(1, "b", "t.csv"), []byte("z\n"), "text/csv"))
			require.NoError(t, arch.Put(ctx, archive.Key(2, "c", "t.csv"), []byte("w\n"), "text/csv"))

			data, err := arch.Get(ctx, archive.Key(1, "a", "t.csv"))
			require.NoError(t, err)
			assert.Equal(t, "x,y\n", string(data))

			keys, err := arch.List(ctx, "analyses/1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"analyses/1/a/t.csv", "analyses/1/b/t.csv"}, keys)

			_, err = arch.Get(ctx, "analyses/9/none")
			assert.ErrorIs(t, err, archive.ErrNotFound)
		})
	}
	assert.Equal(t, "text/csv", fake.types["analyses/1/a/t.csv"])
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := archive.NewS3(context.Background(), archive.S3Config{})
	assert.Error(t, err)
}
