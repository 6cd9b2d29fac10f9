package progress

import (
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal(LineProgress, Classify("status:downloading,progress: 1.0%"))
	assert.Equal(LineProgress, Classify("  [#ab12cd 2.0MiB/4.0MiB(50%) CN:1 DL:512KiB ETA:4s]"))
	assert.Equal(LineFinalPath, Classify(`Finalpath: "/tmp/a.mp4"`))
	assert.Equal(LinePlaylistItem, Classify("[download] Downloading item 3 of 10"))
	assert.Equal(LinePlaylistFinished, Classify("[download] Finished downloading playlist: Some list"))
	assert.Equal(LineInfo, Classify("[youtube] abc: Downloading webpage"))
	assert.Equal(LineInfo, Classify(""))
}

func TestParseLine_KeyValue(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	p, err := ParseLine("status:downloading,progress: 42.0%,speed:102400.0,downloaded:420000,total:1000000,eta:30")
	require.NoError(err)
	assert.Equal("downloading", p.Status)
	assert.Equal(42.0, *p.Percent)
	assert.Equal(102400.0, *p.Speed)
	assert.Equal(int64(420000), *p.Downloaded)
	assert.Equal(int64(1000000), *p.Total)
	assert.Equal(int64(30), *p.ETA)
	assert.False(p.Finished())
}

func TestParseLine_MissingValuesAndColour(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	p, err := ParseLine("status:finished,progress:\x1b[0;94m100.0%\x1b[0m,speed:NA,downloaded:5000,total:NA,eta:NA")
	require.NoError(err)
	assert.True(p.Finished())
	assert.Equal(100.0, *p.Percent)
	assert.Nil(p.Speed)
	assert.Nil(p.Total)
	assert.Nil(p.ETA)
	assert.Equal(int64(5000), *p.Downloaded)

	_, err = ParseLine("status:downloading,progress:lots%")
	assert.Error(err)
}

func TestParseLine_Aria2(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	p, err := ParseLine("[#ab12cd 2.0MiB/4.0MiB(50%) CN:1 DL:512KiB ETA:4s]")
	require.NoError(err)
	assert.Equal("downloading", p.Status)
	assert.Equal(50.0, *p.Percent)
	assert.Equal(int64(2097152), *p.Downloaded)
	assert.Equal(int64(4194304), *p.Total)
	assert.Equal(524288.0, *p.Speed)
	assert.Equal(int64(4), *p.ETA)

	p, err = ParseLine("[#2089b0 400KiB/33MiB(1%) CN:1 DL:115KiB ETA:4m51s]")
	require.NoError(err)
	assert.Equal(int64(291), *p.ETA)

	// Before the size is known aria2 omits the percentage and ETA
	p, err = ParseLine("[#2089b0 0B/0B CN:1 DL:0B]")
	require.NoError(err)
	assert.Nil(p.Percent)
	assert.Nil(p.ETA)
	assert.Equal(int64(0), *p.Total)
}

func TestParseLine_Combined(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	p, err := ParseLine("[#ab12cd 2.0MiB/4.0MiB(50%) CN:1 DL:512KiB ETA:4s] status:downloading,progress:NA,speed:NA,downloaded:2097152,total:NA,eta:NA")
	require.NoError(err)
	assert.Equal(50.0, *p.Percent)
	assert.Equal(int64(2097152), *p.Downloaded)
	assert.Equal(int64(4194304), *p.Total)
	assert.Equal(524288.0, *p.Speed)
}

func TestParseLine_FormatAgnostic(t *testing.T) {
	assert := assert_.New(t)

	native, err := ParseLine("status:downloading,progress: 50.0%,speed:524288.0,downloaded:2097152,total:4194304,eta:4")
	assert.NoError(err)
	aria2, err := ParseLine("[#ab12cd 2.0MiB/4.0MiB(50%) CN:1 DL:512KiB ETA:4s]")
	assert.NoError(err)
	assert.Equal(*native.Percent, *aria2.Percent)
	assert.Equal(*native.Downloaded, *aria2.Downloaded)
	assert.Equal(*native.Total, *aria2.Total)
}

func TestParseLine_NotProgress(t *testing.T) {
	_, err := ParseLine("[youtube] abc: Downloading webpage")
	assert_.ErrorIs(t, err, ErrNotProgress)
}

func TestMarkers(t *testing.T) {
	assert := assert_.New(t)

	path, ext, ok := ParseFinalPath(`Finalpath: "/home/me/Videos/Title_1080p[abc].mkv"`)
	assert.True(ok)
	assert.Equal("/home/me/Videos/Title_1080p[abc].mkv", path)
	assert.Equal("mkv", ext)
	_, _, ok = ParseFinalPath("Finalpath: ")
	assert.False(ok)

	item, ok := ParsePlaylistItem("[download] Downloading item 3 of 10")
	assert.True(ok)
	assert.Equal("3/10", item)
	_, ok = ParsePlaylistItem("[download] Destination: x.mp4")
	assert.False(ok)

	assert.True(IsPlaylistFinished("[download] Finished downloading playlist: Mix"))
}
