package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProspectCommand(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	video := filepath.Join(dir, "movie.mp4")
	require.NoError(t, os.WriteFile(video, []byte("Hello, World!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.srt"), []byte("subs"), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--event-type", "modified", video})
	require.NoError(t, cmd.Execute())

	var got struct {
		RoutingKey string `json:"routing_key"`
		Message    struct {
			FilePath  string   `json:"file_path"`
			SHA256    string   `json:"sha256_hash"`
			EventType string   `json:"event_type"`
			Neighbors []string `json:"neighbors"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))

	assert.Equal(t, "media.video.modified", got.RoutingKey)
	assert.Equal(t, video, got.Message.FilePath)
	assert.Equal(t, "dffd6021bb2bd5b0af676290809ec3a53191dd81c7f70a4b28688a362182986f", got.Message.SHA256)
	assert.Equal(t, "modified", got.Message.EventType)
	assert.Equal(t, []string{filepath.Join(dir, "movie.srt")}, got.Message.Neighbors)
}

func TestProspectCommand_RejectsUnknownEventType(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--event-type", "deleted", "/tmp/x"})
	assert.Error(t, cmd.Execute())
}

func TestProspectCommand_RequiresPath(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
