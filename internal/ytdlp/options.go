package ytdlp

import "strings"

// FileType is what the requested media contains, as reported by metadata prefetch.
type FileType string

const (
	FileTypeUnknown    FileType = "unknown"
	FileTypeVideoAudio FileType = "video+audio"
	FileTypeVideo      FileType = "video"
	FileTypeAudio      FileType = "audio"
)

// DetermineFileType classifies media by its codecs; "none", "n/a", "-" and "" all mean the stream is absent.
func DetermineFileType(vcodec, acodec string) FileType {
	hasVideo, hasAudio := codecPresent(vcodec), codecPresent(acodec)
	switch {
	case hasVideo && hasAudio:
		return FileTypeVideoAudio
	case hasVideo:
		return FileTypeVideo
	case hasAudio:
		return FileTypeAudio
	default:
		return FileTypeUnknown
	}
}

func codecPresent(codec string) bool {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "none", "n/a", "-":
		return false
	}
	return true
}

// Options are the output-shaping choices resolved when a download is launched. They are stored with the download
// so that a resume replays them instead of whatever the settings have become since.
type Options struct {
	OutputFormat        string `json:"output_format,omitempty"`
	EmbedMetadata       bool   `json:"embed_metadata,omitempty"`
	EmbedThumbnail      bool   `json:"embed_thumbnail,omitempty"`
	SquareCropThumbnail bool   `json:"square_crop_thumbnail,omitempty"`
	SponsorblockRemove  string `json:"sponsorblock_remove,omitempty"`
	SponsorblockMark    string `json:"sponsorblock_mark,omitempty"`
	UseAria2            bool   `json:"use_aria2,omitempty"`
	CustomCommand       string `json:"custom_command,omitempty"`
}

var audioFormats = map[string]bool{
	"mp3": true, "m4a": true, "aac": true, "opus": true, "flac": true, "wav": true, "vorbis": true, "alac": true,
}
