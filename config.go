package dlqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/alanbriolat/dlqueue/generic"
)

// CustomCommand is a named raw argument string that replaces the standard option injection.
type CustomCommand struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
	Args  string `yaml:"args" json:"args"`
}

// Settings is the global user configuration. A copy is taken whenever a fresh download starts, so changing settings
// never affects downloads that have already captured their options.
type Settings struct {
	Binary               string `yaml:"binary"`
	FFmpegPath           string `yaml:"ffmpeg_path"`
	DownloadDir          string `yaml:"download_dir"`
	TempDir              string `yaml:"temp_dir"`
	MaxParallelDownloads int    `yaml:"max_parallel_downloads"`
	MaxRetries           int    `yaml:"max_retries"`
	FilenameTemplate     string `yaml:"filename_template"`

	PreferVideoOverPlaylist bool `yaml:"prefer_video_over_playlist"`

	UseProxy     bool   `yaml:"use_proxy"`
	ProxyURL     string `yaml:"proxy_url"`
	UseRateLimit bool   `yaml:"use_rate_limit"`
	RateLimit    int64  `yaml:"rate_limit"`

	VideoFormat         string `yaml:"video_format"`
	AudioFormat         string `yaml:"audio_format"`
	AlwaysReencodeVideo bool   `yaml:"always_reencode_video"`
	EmbedVideoMetadata  bool   `yaml:"embed_video_metadata"`
	EmbedAudioMetadata  bool   `yaml:"embed_audio_metadata"`
	EmbedVideoThumbnail bool   `yaml:"embed_video_thumbnail"`
	EmbedAudioThumbnail bool   `yaml:"embed_audio_thumbnail"`

	UseCookies        bool   `yaml:"use_cookies"`
	ImportCookiesFrom string `yaml:"import_cookies_from"` // "browser" or "file"
	CookiesBrowser    string `yaml:"cookies_browser"`
	CookiesFile       string `yaml:"cookies_file"`

	UseSponsorblock              bool     `yaml:"use_sponsorblock"`
	SponsorblockMode             string   `yaml:"sponsorblock_mode"`   // "remove" or "mark"
	SponsorblockRemove           string   `yaml:"sponsorblock_remove"` // "default", "all" or "custom"
	SponsorblockMark             string   `yaml:"sponsorblock_mark"`
	SponsorblockRemoveCategories []string `yaml:"sponsorblock_remove_categories"`
	SponsorblockMarkCategories   []string `yaml:"sponsorblock_mark_categories"`

	UseAria2                 bool   `yaml:"use_aria2"`
	UseForceInternetProtocol bool   `yaml:"use_force_internet_protocol"`
	ForceInternetProtocol    string `yaml:"force_internet_protocol"` // "ipv4" or "ipv6"

	UseCustomCommands bool            `yaml:"use_custom_commands"`
	CustomCommands    []CustomCommand `yaml:"custom_commands"`

	DebugMode   bool `yaml:"debug_mode"`
	LogVerbose  bool `yaml:"log_verbose"`
	LogProgress bool `yaml:"log_progress"`
}

var DefaultSettings = Settings{
	Binary:                  "yt-dlp",
	DownloadDir:             ".",
	TempDir:                 os.TempDir(),
	MaxParallelDownloads:    2,
	MaxRetries:              5,
	FilenameTemplate:        "%(title|Unknown)s_%(resolution|unknown)s",
	PreferVideoOverPlaylist: true,
	VideoFormat:             "auto",
	AudioFormat:             "auto",
	EmbedVideoMetadata:      false,
	EmbedAudioMetadata:      true,
	ImportCookiesFrom:       "browser",
	CookiesBrowser:          "firefox",
	SponsorblockMode:        "remove",
	SponsorblockRemove:      "default",
	SponsorblockMark:        "default",
	ForceInternetProtocol:   "ipv4",
	LogVerbose:              true,
}

// LoadSettings reads YAML settings from path on top of DefaultSettings. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings
	if path == "" {
		return settings, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	} else if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return settings, nil
}

// Validate reports every problem with the settings, not just the first.
func (s *Settings) Validate() error {
	var result *multierror.Error
	if s.Binary == "" {
		result = multierror.Append(result, errors.New("binary must not be empty"))
	}
	if s.DownloadDir == "" || s.TempDir == "" {
		result = multierror.Append(result, errors.New("download_dir and temp_dir must both be set"))
	}
	if s.MaxParallelDownloads < 1 {
		result = multierror.Append(result, fmt.Errorf("max_parallel_downloads must be at least 1, got %d", s.MaxParallelDownloads))
	}
	if s.MaxRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("max_retries must not be negative, got %d", s.MaxRetries))
	}
	if s.UseProxy && s.ProxyURL == "" {
		result = multierror.Append(result, errors.New("use_proxy is set but proxy_url is empty"))
	}
	if s.UseRateLimit && s.RateLimit <= 0 {
		result = multierror.Append(result, errors.New("use_rate_limit is set but rate_limit is not positive"))
	}
	switch s.SponsorblockMode {
	case "remove", "mark":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown sponsorblock_mode %q", s.SponsorblockMode))
	}
	switch s.ForceInternetProtocol {
	case "ipv4", "ipv6":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown force_internet_protocol %q", s.ForceInternetProtocol))
	}
	seen := make(map[string]bool)
	for _, c := range s.CustomCommands {
		if c.ID == "" || seen[c.ID] {
			result = multierror.Append(result, fmt.Errorf("custom command ids must be unique and non-empty: %q", c.ID))
		}
		seen[c.ID] = true
	}
	return result.ErrorOrNil()
}

// CustomCommand looks up a custom command template by ID.
func (s *Settings) CustomCommand(id string) (CustomCommand, bool) {
	for _, c := range s.CustomCommands {
		if c.ID == id {
			return c, true
		}
	}
	return CustomCommand{}, false
}

// DownloadConfig is the per-download configuration chosen when a download is requested. A snapshot is stored with
// the download record so that a later start reproduces exactly what was chosen. Unset fields fall back to Settings.
type DownloadConfig struct {
	OutputFormat        string `json:"output_format,omitempty"`
	EmbedMetadata       *bool  `json:"embed_metadata,omitempty"`
	EmbedThumbnail      *bool  `json:"embed_thumbnail,omitempty"`
	SquareCropThumbnail *bool  `json:"square_crop_thumbnail,omitempty"`
	// "remove", "mark", or empty to use the global setting.
	Sponsorblock string `json:"sponsorblock,omitempty"`
	// Raw argument string; when set, none of the standard options are injected.
	CustomCommand string `json:"custom_command,omitempty"`
}

// Encode serializes the snapshot for storage in a text column.
func (c DownloadConfig) Encode() string {
	return string(generic.Unwrap(json.Marshal(c)))
}

// DecodeDownloadConfig is the inverse of DownloadConfig.Encode; an empty string decodes to nil.
func DecodeDownloadConfig(data string) (*DownloadConfig, error) {
	if data == "" {
		return nil, nil
	}
	var c DownloadConfig
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("invalid download config: %w", err)
	}
	return &c, nil
}
