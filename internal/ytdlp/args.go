package ytdlp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/internal/progress"
)

var (
	ErrMissingPaths      = errors.New("download and temporary directories must be set")
	ErrMissingDownloadID = errors.New("download id must be set")
	ErrMissingURL        = errors.New("source url must be set")

	ErrUnknownCustomCommand = errors.New("unknown custom command")
)

const (
	aria2Args        = "aria2c:-c -j 16 -x 16 -s 16 -k 1M --check-certificate=false"
	squareCropFilter = `ThumbnailsConvertor:-vf crop="'if(gt(ih,iw),iw,ih)':'if(gt(iw,ih),ih,iw)'"`
)

// Request is the immutable part of a download: what to fetch and how it was selected.
type Request struct {
	DownloadID      string
	URL             string
	Format          string
	Subtitles       string // comma-separated language codes
	PlaylistIndices string // comma-separated playlist positions
	FileType        FileType
}

// PlaylistItemCount is the number of requested playlist positions, or 0 for a single video.
func (r Request) PlaylistItemCount() int {
	if strings.TrimSpace(r.PlaylistIndices) == "" {
		return 0
	}
	return len(strings.Split(r.PlaylistIndices, ","))
}

// Invocation is a complete argument vector plus the options it was resolved with.
type Invocation struct {
	Args    []string
	Options Options
}

type throttle struct {
	minItems                               int
	sleepRequests, sleepInterval, maxSleep string
}

// Ordered from the largest threshold down; the first matching tier applies.
var throttles = []throttle{
	{500, "2.5", "20", "60"},
	{100, "1.5", "10", "40"},
	{6, "1", "5", "15"},
}

// Build maps a request to the yt-dlp argument vector. A nil resume means a fresh start; otherwise resume holds the
// options captured when the download was first launched and the tool is asked to continue partial files. Precedence
// for each output option is resume, then cfg, then settings.
func Build(req Request, settings dlqueue.Settings, cfg *dlqueue.DownloadConfig, resume *Options) (Invocation, error) {
	if req.DownloadID == "" {
		return Invocation{}, ErrMissingDownloadID
	}
	if req.URL == "" {
		return Invocation{}, ErrMissingURL
	}
	if settings.DownloadDir == "" || settings.TempDir == "" {
		return Invocation{}, ErrMissingPaths
	}
	if cfg == nil {
		cfg = &dlqueue.DownloadConfig{}
	}
	items := req.PlaylistItemCount()
	opts := resolveOptions(req, settings, cfg, resume)

	args := []string{
		req.URL,
		"--newline",
		"--progress-template", progress.Template,
		"--paths", "temp:" + settings.TempDir,
		"--paths", "home:" + settings.DownloadDir,
		"--windows-filenames",
		"--restrict-filenames",
		"--exec", "after_move:echo " + progress.FinalPathPrefix + "{}",
		"--no-mtime",
		"--retries", strconv.Itoa(settings.MaxRetries),
	}

	if items > 1 {
		args = append(args, "--output", fmt.Sprintf("%%(playlist_title|Unknown)s[%s]/[%%(playlist_index|0)d]_%s.%%(ext)s", req.DownloadID, settings.FilenameTemplate))
	} else {
		args = append(args, "--output", fmt.Sprintf("%s[%s].%%(ext)s", settings.FilenameTemplate, req.DownloadID))
	}

	for _, t := range throttles {
		if items >= t.minItems {
			args = append(args,
				"--sleep-requests", t.sleepRequests,
				"--sleep-interval", t.sleepInterval,
				"--max-sleep-interval", t.maxSleep,
			)
			break
		}
	}

	if settings.FFmpegPath != "" {
		args = append(args, "--ffmpeg-location", settings.FFmpegPath)
	}
	if req.Format != "" && !(items > 0 && req.Format == "best") {
		args = append(args, "--format", req.Format)
	}
	if settings.DebugMode {
		args = append(args, "--verbose")
	} else {
		args = append(args, "--no-warnings")
	}
	args = append(args, subtitleArgs(req.Subtitles)...)
	if items > 0 {
		args = append(args, "--playlist-items", req.PlaylistIndices)
	}

	if opts.CustomCommand != "" {
		args = append(args, strings.Fields(opts.CustomCommand)...)
	} else {
		args = append(args, outputFormatArgs(opts.OutputFormat, req.FileType, settings.AlwaysReencodeVideo)...)
		if opts.EmbedMetadata {
			args = append(args, "--embed-metadata")
		}
		if opts.EmbedThumbnail {
			args = append(args, "--embed-thumbnail", "--convert-thumbnail", "jpg")
			if opts.SquareCropThumbnail {
				args = append(args, "--postprocessor-args", squareCropFilter)
			}
		}
		args = append(args, networkArgs(settings)...)
		if opts.SponsorblockRemove != "" {
			args = append(args, "--sponsorblock-remove", opts.SponsorblockRemove)
		} else if opts.SponsorblockMark != "" {
			args = append(args, "--sponsorblock-mark", opts.SponsorblockMark)
		}
		if opts.UseAria2 {
			args = append(args,
				"--downloader", "aria2c",
				"--downloader", "dash,m3u8:native",
				"--downloader-args", aria2Args,
			)
		}
	}

	if resume != nil || (opts.CustomCommand == "" && opts.UseAria2) {
		args = append(args, "--continue")
	} else {
		args = append(args, "--no-continue")
	}

	return Invocation{Args: args, Options: opts}, nil
}

func resolveOptions(req Request, settings dlqueue.Settings, cfg *dlqueue.DownloadConfig, resume *Options) Options {
	var r Options
	if resume != nil {
		r = *resume
	}
	audio := req.FileType == FileTypeAudio

	opts := Options{
		CustomCommand: firstString(r.CustomCommand, cfg.CustomCommand),
	}
	if opts.CustomCommand != "" {
		return opts
	}

	globalFormat := settings.VideoFormat
	if audio {
		globalFormat = settings.AudioFormat
	}
	opts.OutputFormat = firstString(r.OutputFormat, cfg.OutputFormat, globalFormat)
	if opts.OutputFormat == "auto" {
		opts.OutputFormat = ""
	}

	globalMetadata, globalThumbnail := settings.EmbedVideoMetadata, settings.EmbedVideoThumbnail
	if audio {
		globalMetadata, globalThumbnail = settings.EmbedAudioMetadata, settings.EmbedAudioThumbnail
	}
	opts.EmbedMetadata = firstBool(r.EmbedMetadata, cfg.EmbedMetadata, globalMetadata)
	opts.EmbedThumbnail = firstBool(r.EmbedThumbnail, cfg.EmbedThumbnail, globalThumbnail)
	opts.SquareCropThumbnail = firstBool(r.SquareCropThumbnail, cfg.SquareCropThumbnail, false)

	switch {
	case r.SponsorblockRemove != "" || r.SponsorblockMark != "":
		opts.SponsorblockRemove, opts.SponsorblockMark = r.SponsorblockRemove, r.SponsorblockMark
	case cfg.Sponsorblock == "remove":
		opts.SponsorblockRemove = sponsorblockCategories(settings.SponsorblockRemove, settings.SponsorblockRemoveCategories)
	case cfg.Sponsorblock == "mark":
		opts.SponsorblockMark = sponsorblockCategories(settings.SponsorblockMark, settings.SponsorblockMarkCategories)
	case settings.UseSponsorblock && settings.SponsorblockMode == "remove":
		opts.SponsorblockRemove = sponsorblockCategories(settings.SponsorblockRemove, settings.SponsorblockRemoveCategories)
	case settings.UseSponsorblock && settings.SponsorblockMode == "mark":
		opts.SponsorblockMark = sponsorblockCategories(settings.SponsorblockMark, settings.SponsorblockMarkCategories)
	}

	opts.UseAria2 = r.UseAria2 || settings.UseAria2
	return opts
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// firstBool: a captured true wins, then an explicit per-download choice, then the global default.
func firstBool(captured bool, chosen *bool, global bool) bool {
	if captured {
		return true
	}
	if chosen != nil {
		return *chosen
	}
	return global
}

func sponsorblockCategories(mode string, custom []string) string {
	if mode == "custom" {
		if len(custom) == 0 {
			return "default"
		}
		return strings.Join(custom, ",")
	}
	if mode == "" {
		return "default"
	}
	return mode
}

func subtitleArgs(subtitles string) []string {
	if strings.TrimSpace(subtitles) == "" {
		return nil
	}
	var args []string
	for _, lang := range strings.Split(subtitles, ",") {
		if strings.HasSuffix(strings.TrimSpace(lang), "-orig") {
			args = append(args, "--write-auto-sub")
			break
		}
	}
	return append(args, "--embed-subs", "--sub-lang", subtitles)
}

func outputFormatArgs(format string, fileType FileType, reencode bool) []string {
	if format == "" {
		return nil
	}
	switch fileType {
	case FileTypeAudio:
		return []string{"--extract-audio", "--audio-format", format, "--audio-quality", "0"}
	case FileTypeVideo:
		if reencode {
			return []string{"--recode-video", format}
		}
		return []string{"--remux-video", format}
	case FileTypeVideoAudio:
		if reencode {
			return []string{"--recode-video", format}
		}
		return []string{"--merge-output-format", format}
	default:
		if audioFormats[format] {
			return []string{"--extract-audio", "--audio-format", format, "--audio-quality", "0"}
		}
		return []string{"--merge-output-format", format}
	}
}

// networkArgs are the proxy, rate limit, address family and cookie options shared with metadata prefetch.
func networkArgs(settings dlqueue.Settings) []string {
	var args []string
	if settings.UseProxy && settings.ProxyURL != "" {
		args = append(args, "--proxy", settings.ProxyURL)
	}
	if settings.UseRateLimit && settings.RateLimit > 0 {
		args = append(args, "--limit-rate", strconv.FormatInt(settings.RateLimit, 10))
	}
	if settings.UseForceInternetProtocol {
		if settings.ForceInternetProtocol == "ipv6" {
			args = append(args, "--force-ipv6")
		} else {
			args = append(args, "--force-ipv4")
		}
	}
	if settings.UseCookies {
		if settings.ImportCookiesFrom == "file" && settings.CookiesFile != "" {
			args = append(args, "--cookies", settings.CookiesFile)
		} else if settings.CookiesBrowser != "" {
			args = append(args, "--cookies-from-browser", settings.CookiesBrowser)
		}
	}
	return args
}

// CustomArgs resolves a custom command template from settings by ID into its raw arguments.
func CustomArgs(settings dlqueue.Settings, id string) (string, error) {
	c, ok := settings.CustomCommand(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCustomCommand, id)
	}
	return c.Args, nil
}
