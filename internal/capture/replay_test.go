package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaySourceReadsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := `{"ts":1.0,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","proto":"tcp","src_port":1234,"dst_port":80,"size":100}
{"ts":1.5,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","proto":"tcp","src_port":1234,"dst_port":80,"size":200}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	src, err := NewReplaySource(path, false)
	require.NoError(t, err)
	defer src.Close()

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.SrcIP)
	assert.Equal(t, 100, first.Size)

	second, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, second.Size)

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestReplaySourceSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.jsonl")
	content := `not json at all
{"ts":1.0,"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","proto":"udp","size":60}
{"ts":2.0,"size":60}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	src, err := NewReplaySource(path, false)
	require.NoError(t, err)
	defer src.Close()

	pkt, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "udp", pkt.Proto)

	// The missing-address line is also skipped.
	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, src.Skipped())
}
