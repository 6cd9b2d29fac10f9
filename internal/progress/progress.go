// Package progress turns the text lines printed by yt-dlp (and by aria2c when it is the external downloader) into
// structured progress, and recognises the few informational lines that carry state.
package progress

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrNotProgress = errors.New("not a progress line")
)

// Template is passed as yt-dlp's --progress-template so that progress arrives in the key-value shape.
const Template = "status:%(progress.status)s,progress:%(progress._percent_str)s,speed:%(progress.speed)f," +
	"downloaded:%(progress.downloaded_bytes)d,total:%(progress.total_bytes)d,eta:%(progress.eta)d"

const (
	// FinalPathPrefix starts the line printed by the --exec hook once a file is in its final location.
	FinalPathPrefix        = "Finalpath: "
	playlistFinishedPrefix = "[download] Finished downloading playlist:"
	keyValuePrefix         = "status:"
	aria2Prefix            = "[#"
)

// Progress is the canonical progress record. Nil fields were not reported.
type Progress struct {
	Status     string   `json:"transfer_status,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	Speed      *float64 `json:"speed,omitempty"` // bytes per second
	Downloaded *int64   `json:"bytes_downloaded,omitempty"`
	Total      *int64   `json:"bytes_total,omitempty"`
	ETA        *int64   `json:"eta,omitempty"` // seconds
}

// Finished is true once the tool reports the transfer done and post-processing about to begin.
func (p Progress) Finished() bool {
	return p.Status == "finished"
}

type LineKind int

const (
	LineInfo LineKind = iota
	LineProgress
	LineFinalPath
	LinePlaylistItem
	LinePlaylistFinished
)

func (k LineKind) String() string {
	switch k {
	case LineProgress:
		return "progress"
	case LineFinalPath:
		return "final-path"
	case LinePlaylistItem:
		return "playlist-item"
	case LinePlaylistFinished:
		return "playlist-finished"
	default:
		return "info"
	}
}

var (
	playlistItemRegexp = regexp.MustCompile(`^\[download\] Downloading item (\d+) of (\d+)`)
	ansiRegexp         = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	// [#2089b0 400KiB/33MiB(1%) CN:1 DL:115KiB ETA:4m51s]
	aria2Regexp = regexp.MustCompile(`\[#[0-9a-zA-Z]+\s+([0-9.]+[KMGTP]?i?B)/([0-9.]+[KMGTP]?i?B)(?:\(([0-9.]+)%\))?([^\]]*)\]?`)
	aria2Speed  = regexp.MustCompile(`DL:([0-9.]+[KMGTP]?i?B)`)
	aria2ETA    = regexp.MustCompile(`ETA:([0-9hms]+)`)
)

// Classify decides which kind of line this is, without parsing it.
func Classify(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, keyValuePrefix), strings.HasPrefix(line, aria2Prefix):
		return LineProgress
	case strings.HasPrefix(line, FinalPathPrefix):
		return LineFinalPath
	case strings.HasPrefix(line, playlistFinishedPrefix):
		return LinePlaylistFinished
	case playlistItemRegexp.MatchString(line):
		return LinePlaylistItem
	default:
		return LineInfo
	}
}

// ParseLine parses a key-value line, an aria2 summary line, or a line carrying both. When both are present the
// key-value fields win and the aria2 fields fill any gaps.
func ParseLine(line string) (Progress, error) {
	line = ansiRegexp.ReplaceAllString(strings.TrimSpace(line), "")
	var p Progress
	found := false
	m := aria2Regexp.FindStringSubmatch(line)
	rest := line
	if m != nil {
		rest = strings.Replace(line, m[0], " ", 1)
	}
	if i := strings.Index(rest, keyValuePrefix); i >= 0 {
		kv, err := parseKeyValue(rest[i:])
		if err != nil {
			return Progress{}, err
		}
		p = kv
		found = true
	}
	if m != nil {
		a, err := parseAria2(m)
		if err != nil {
			return Progress{}, err
		}
		p = merge(p, a)
		found = true
	}
	if !found {
		return Progress{}, fmt.Errorf("%w: %q", ErrNotProgress, line)
	}
	return p, nil
}

func parseKeyValue(s string) (Progress, error) {
	var p Progress
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if isMissing(value) {
			continue
		}
		var err error
		switch key {
		case "status":
			p.Status = value
		case "progress":
			p.Percent, err = parseFloat(strings.TrimSuffix(value, "%"))
		case "speed":
			p.Speed, err = parseFloat(value)
		case "downloaded":
			p.Downloaded, err = parseInt(value)
		case "total":
			p.Total, err = parseInt(value)
		case "eta":
			p.ETA, err = parseInt(value)
		}
		if err != nil {
			return Progress{}, fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	return p, nil
}

func parseAria2(m []string) (Progress, error) {
	p := Progress{Status: "downloading"}
	var err error
	if p.Downloaded, err = parseSize(m[1]); err != nil {
		return Progress{}, err
	}
	if p.Total, err = parseSize(m[2]); err != nil {
		return Progress{}, err
	}
	if m[3] != "" {
		if p.Percent, err = parseFloat(m[3]); err != nil {
			return Progress{}, err
		}
	}
	if s := aria2Speed.FindStringSubmatch(m[4]); s != nil {
		speed, err := parseSize(s[1])
		if err != nil {
			return Progress{}, err
		}
		v := float64(*speed)
		p.Speed = &v
	}
	if e := aria2ETA.FindStringSubmatch(m[4]); e != nil {
		d, err := time.ParseDuration(e[1])
		if err != nil {
			return Progress{}, fmt.Errorf("invalid eta %q: %w", e[1], err)
		}
		v := int64(d / time.Second)
		p.ETA = &v
	}
	return p, nil
}

func merge(p, fill Progress) Progress {
	if p.Status == "" {
		p.Status = fill.Status
	}
	if p.Percent == nil {
		p.Percent = fill.Percent
	}
	if p.Speed == nil {
		p.Speed = fill.Speed
	}
	if p.Downloaded == nil {
		p.Downloaded = fill.Downloaded
	}
	if p.Total == nil {
		p.Total = fill.Total
	}
	if p.ETA == nil {
		p.ETA = fill.ETA
	}
	return p
}

func isMissing(value string) bool {
	switch value {
	case "", "NA", "N/A", "None", "nan":
		return true
	}
	return false
}

func parseFloat(s string) (*float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// parseInt accepts "1234" and "1234.0", since yt-dlp is not consistent about which it prints.
func parseInt(s string) (*int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	v := int64(f)
	return &v, nil
}

func parseSize(s string) (*int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", s, err)
	}
	v := int64(n)
	return &v, nil
}

// ParseFinalPath extracts the path and extension from a "Finalpath: ..." line.
func ParseFinalPath(line string) (path string, ext string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, FinalPathPrefix) {
		return "", "", false
	}
	path = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, FinalPathPrefix)), `"'`)
	if path == "" {
		return "", "", false
	}
	return path, strings.TrimPrefix(filepath.Ext(path), "."), true
}

// ParsePlaylistItem turns "[download] Downloading item 3 of 10" into "3/10".
func ParsePlaylistItem(line string) (string, bool) {
	m := playlistItemRegexp.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	return m[1] + "/" + m[2], true
}

func IsPlaylistFinished(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), playlistFinishedPrefix)
}
