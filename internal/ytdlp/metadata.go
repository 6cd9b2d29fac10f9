package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alanbriolat/dlqueue"
)

var (
	ErrNoMetadata = errors.New("no metadata in output")
)

// Metadata is the subset of yt-dlp's --dump-single-json output needed to start a download.
type Metadata struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Extractor     string     `json:"extractor"`
	WebpageURL    string     `json:"webpage_url"`
	Ext           string     `json:"ext"`
	VCodec        string     `json:"vcodec"`
	ACodec        string     `json:"acodec"`
	Type          string     `json:"_type"`
	PlaylistID    string     `json:"playlist_id"`
	PlaylistTitle string     `json:"playlist_title"`
	Entries       []Metadata `json:"entries"`
}

// FileType uses the first playlist entry when this is a playlist.
func (m *Metadata) FileType() FileType {
	if len(m.Entries) > 0 {
		return m.Entries[0].FileType()
	}
	return DetermineFileType(m.VCodec, m.ACodec)
}

// DisplayTitle prefers the playlist title for playlists.
func (m *Metadata) DisplayTitle() string {
	if m.Type == "playlist" && m.Title != "" {
		return m.Title
	}
	if m.PlaylistTitle != "" && len(m.Entries) > 0 {
		return m.PlaylistTitle
	}
	return m.Title
}

// MetadataArgs builds the prefetch invocation for req; it carries the same network options as the download itself.
func MetadataArgs(req Request, settings dlqueue.Settings, cfg *dlqueue.DownloadConfig) []string {
	args := []string{req.URL, "--dump-single-json", "--no-warnings"}
	if req.Format != "" {
		args = append(args, "--format", req.Format)
	}
	if req.Subtitles != "" {
		args = append(args, "--sub-langs", req.Subtitles)
	}
	if req.PlaylistIndices != "" {
		args = append(args, "--playlist-items", req.PlaylistIndices)
	} else if settings.PreferVideoOverPlaylist {
		args = append(args, "--no-playlist")
	}
	if cfg != nil && cfg.CustomCommand != "" {
		return append(args, strings.Fields(cfg.CustomCommand)...)
	}
	return append(args, networkArgs(settings)...)
}

// Client runs one-shot yt-dlp commands whose whole output is needed at once.
type Client struct {
	Binary string
}

func NewClient(binary string) *Client {
	return &Client{Binary: binary}
}

func (c *Client) FetchMetadata(ctx context.Context, args []string) (*Metadata, error) {
	log := dlqueue.Logger(ctx).Named("ytdlp")
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debugw("fetching metadata", "args", args)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		log.Warnw("metadata fetch failed", "error", err, "stderr", msg)
		return nil, fmt.Errorf("%s: %w: %s", c.Binary, err, msg)
	}
	return ParseMetadata(stdout.Bytes())
}

// ParseMetadata decodes the JSON object in out, ignoring any non-JSON noise around it.
func ParseMetadata(out []byte) (*Metadata, error) {
	start, end := bytes.IndexByte(out, '{'), bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return nil, ErrNoMetadata
	}
	var m Metadata
	if err := json.Unmarshal(out[start:end+1], &m); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return &m, nil
}
