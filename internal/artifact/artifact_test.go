package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiError struct {
	code string
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &apiError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(m.types[*in.Key]),
	}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	m.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestValidateName(t *testing.T) {
	valid := []string{"tts-1234.mp3", "a", "reply_1.wav"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}
	invalid := []string{"", "../x.mp3", "a/b.mp3", ".hidden", "a..mp3", "with space.mp3"}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestLocalStoreSaveOpen(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "/audio/")
	require.NoError(t, err)
	ctx := context.Background()

	info, err := store.Save(ctx, "tts-1.mp3", "", strings.NewReader("mp3 data"))
	require.NoError(t, err)
	assert.Equal(t, "/audio/tts-1.mp3", info.URL)
	assert.Equal(t, int64(8), info.Size)
	assert.Equal(t, "audio/mpeg", info.ContentType)

	rc, opened, err := store.Open(ctx, "tts-1.mp3")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "mp3 data", string(data))
	assert.Equal(t, int64(8), opened.Size)
}

func TestLocalStoreNotFound(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "/audio")
	require.NoError(t, err)

	_, _, err = store.Open(context.Background(), "missing.mp3")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.Open(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, "/audio/x.mp3", store.URL("x.mp3"))
}

func TestLocalStoreCanceledSaveLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, "/audio/")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Save(ctx, "tts-2.mp3", "audio/mpeg", strings.NewReader("data"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, _, err = store.Open(context.Background(), "tts-2.mp3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StoreSaveOpen(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, S3Config{Bucket: "b", Prefix: "replies/", URLPrefix: "/audio/"})
	ctx := context.Background()

	info, err := store.Save(ctx, "tts-1.mp3", "audio/mpeg", strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "/audio/tts-1.mp3", info.URL)
	assert.Contains(t, mock.objects, "replies/tts-1.mp3")

	rc, opened, err := store.Open(ctx, "tts-1.mp3")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, "audio/mpeg", opened.ContentType)
	assert.Equal(t, int64(3), opened.Size)
}

func TestS3StoreNotFound(t *testing.T) {
	store := NewS3(newMockS3(), S3Config{Bucket: "b"})
	_, _, err := store.Open(context.Background(), "missing.mp3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3StorePutError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("access denied")
	store := NewS3(mock, S3Config{Bucket: "b"})

	_, err := store.Save(context.Background(), "x.mp3", "", strings.NewReader("abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestS3StorePublicURL(t *testing.T) {
	store := NewS3(newMockS3(), S3Config{Bucket: "b", Prefix: "p", URLPrefix: "/audio/", PublicBaseURL: "https://cdn.example.com/"})
	assert.Equal(t, "https://cdn.example.com/p/x.mp3", store.URL("x.mp3"))
}
