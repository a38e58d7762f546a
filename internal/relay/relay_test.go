package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	bytes.Buffer
	flushes  int
	writeErr error
}

func (s *recordingSink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.Buffer.Write(p)
}

func (s *recordingSink) Flush() error {
	s.flushes++
	return nil
}

// chunkReader returns one chunk per Read and then err (io.EOF when nil)
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestRelayCopiesAndFlushesEachChunk(t *testing.T) {
	sink := &recordingSink{}
	src := &chunkReader{chunks: [][]byte{[]byte("abc"), []byte("defg"), []byte("h")}}

	stats, err := Relay(context.Background(), sink, src, 8)
	require.NoError(t, err)

	assert.Equal(t, "abcdefgh", sink.String())
	assert.Equal(t, 3, sink.flushes)
	assert.Equal(t, int64(8), stats.Bytes)
	assert.False(t, stats.Partial)
	assert.Equal(t, StatusComplete, stats.Status())
}

func TestRelayUnknownLength(t *testing.T) {
	sink := &recordingSink{}
	stats, err := Relay(context.Background(), sink, strings.NewReader("hello"), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Bytes)
	assert.False(t, stats.Partial)
}

func TestRelayShortSourceIsPartial(t *testing.T) {
	sink := &recordingSink{}
	stats, err := Relay(context.Background(), sink, strings.NewReader("12345"), 10)
	require.NoError(t, err)
	assert.True(t, stats.Partial)
	assert.Equal(t, int64(5), stats.Bytes)
	assert.Equal(t, StatusPartial, stats.Status())
}

func TestRelaySourceError(t *testing.T) {
	sink := &recordingSink{}
	boom := errors.New("upstream reset")
	src := &chunkReader{chunks: [][]byte{[]byte("abc")}, err: boom}

	stats, err := Relay(context.Background(), sink, src, 100)
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(3), srcErr.Bytes)
	assert.Equal(t, int64(3), stats.Bytes)
}

func TestRelaySinkError(t *testing.T) {
	sink := &recordingSink{writeErr: errors.New("broken pipe")}
	_, err := Relay(context.Background(), sink, strings.NewReader("abc"), -1)
	var sinkErr *SinkError
	assert.ErrorAs(t, err, &sinkErr)
}

func TestRelayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	_, err := Relay(ctx, sink, strings.NewReader("abc"), -1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sink.Len())
}

func newRelayServer(t *testing.T, src func() io.Reader, declared int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := ServeHTTP(r.Context(), w, src(), "audio/mpeg", declared)
		var srcErr *SourceError
		if errors.As(err, &srcErr) {
			panic(http.ErrAbortHandler)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestServeHTTPTrailersOnCompletion(t *testing.T) {
	server := newRelayServer(t, func() io.Reader { return strings.NewReader("mp3 audio bytes") }, -1)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "mp3 audio bytes", string(body))

	assert.Equal(t, "15", resp.Trailer.Get(TrailerBytes))
	assert.Equal(t, StatusComplete, resp.Trailer.Get(TrailerStatus))
	assert.NotEmpty(t, resp.Trailer.Get(TrailerElapsed))
}

func TestServeHTTPTruncatedSourceAbortsWithoutTrailer(t *testing.T) {
	server := newRelayServer(t, func() io.Reader {
		return &chunkReader{chunks: [][]byte{[]byte("first-chunk")}, err: errors.New("synthesis dropped")}
	}, -1)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Equal(t, "first-chunk", string(body))
	assert.Empty(t, resp.Trailer.Get(TrailerStatus))
	assert.Empty(t, resp.Trailer.Get(TrailerBytes))
}

func TestServeHTTPStreamsBeforeSourceEnds(t *testing.T) {
	pr, pw := io.Pipe()
	server := newRelayServer(t, func() io.Reader { return pr }, -1)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = pw.Write([]byte("early"))
	require.NoError(t, err)

	got := make([]byte, 5)
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, got)
		readDone <- err
	}()

	select {
	case err := <-readDone:
		require.NoError(t, err)
		assert.Equal(t, "early", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was not delivered before the source finished")
	}

	pw.Close()
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, StatusComplete, resp.Trailer.Get(TrailerStatus))
}
