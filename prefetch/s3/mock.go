package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// MockS3Client is an in-memory API implementation for tests and examples.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PageSize limits keys per ListObjectsV2 page. Zero returns one page.
	PageSize int

	// GetErr, when set, is returned by every GetObject call.
	GetErr error

	GetObjectCalls int
	RangeHeaders   []string
}

// NewMockS3Client returns an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string][]byte)}
}

// Object returns the stored bytes for a full key.
func (m *MockS3Client) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Calls returns the GetObject call count and the Range headers seen.
func (m *MockS3Client) Calls() (int, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.GetObjectCalls, append([]string(nil), m.RangeHeaders...)
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject supports "bytes=a-b" and open-ended "bytes=a-" ranges.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	if params.Range != nil {
		m.RangeHeaders = append(m.RangeHeaders, aws.ToString(params.Range))
	}
	data, exists := m.objects[key]
	getErr := m.GetErr
	m.mu.Unlock()

	if getErr != nil {
		return nil, getErr
	}
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		start, end, err := parseRange(aws.ToString(params.Range), int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.RLock()
	data, exists := m.objects[key]
	m.mu.RUnlock()

	if !exists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(params.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 returns keys in lexical order, paginated by PageSize.
// The continuation token is the last key of the previous page.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	after := aws.ToString(params.ContinuationToken)

	m.mu.RLock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > after {
			keys = append(keys, key)
		}
	}
	pageSize := m.PageSize
	m.mu.RUnlock()

	sort.Strings(keys)

	truncated := false
	if pageSize > 0 && len(keys) > pageSize {
		keys = keys[:pageSize]
		truncated = true
	}

	contents := make([]types.Object, 0, len(keys))
	for _, key := range keys {
		contents = append(contents, types.Object{Key: aws.String(key)})
	}

	out := &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(truncated),
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

// parseRange resolves a Range header against an object of the given size.
func parseRange(header string, size int64) (int64, int64, error) {
	rng, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, &smithyAPIError{code: "InvalidArgument", message: "malformed range " + header}
	}
	first, last, _ := strings.Cut(rng, "-")

	var start, end int64
	if _, err := fmt.Sscanf(first, "%d", &start); err != nil {
		return 0, 0, &smithyAPIError{code: "InvalidArgument", message: "malformed range " + header}
	}
	end = size - 1
	if last != "" {
		if _, err := fmt.Sscanf(last, "%d", &end); err != nil {
			return 0, 0, &smithyAPIError{code: "InvalidArgument", message: "malformed range " + header}
		}
	}

	if start >= size {
		return 0, 0, &smithyAPIError{code: "InvalidRange", message: "range not satisfiable"}
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// smithyAPIError implements smithy.APIError.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string                 { return e.message }
func (e *smithyAPIError) ErrorCode() string             { return e.code }
func (e *smithyAPIError) ErrorMessage() string          { return e.message }
func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ API = (*MockS3Client)(nil)
