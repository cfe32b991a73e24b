package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomatch/pkg/audio"
	"github.com/xaionaro-go/audiomatch/pkg/decoder"
)

func TestArgs(t *testing.T) {
	d := NewDecoder("", 44100)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "/tmp/in.mp3",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "44100",
		"pipe:1",
	}, d.args("/tmp/in.mp3"))
}

func TestEncoding(t *testing.T) {
	d := NewDecoder("", 44100)
	encoding, err := d.Encoding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audio.EncodingPCM{
		PCMFormat:  audio.PCMFormatS16LE,
		SampleRate: 44100,
	}, encoding)

	channels, err := d.Channels(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, channels)
}

func TestDecodePCMMissingFile(t *testing.T) {
	d := NewDecoder("", 44100)
	_, err := d.DecodePCM(context.Background(), filepath.Join(t.TempDir(), "nonexistent.mp3"))
	assert.ErrorIs(t, err, decoder.ErrInputUnavailable)
}

func TestDecodePCMMissingBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0640))

	d := NewDecoder("definitely-not-an-existing-binary", 44100)
	_, err := d.DecodePCM(context.Background(), path)
	assert.ErrorIs(t, err, decoder.ErrInputUnavailable)
}

func TestLimitedWriter(t *testing.T) {
	var sink limitedSink
	lw := &limitedWriter{w: &sink, limit: 5}
	n, err := lw.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "01234", string(sink))
}

type limitedSink []byte

func (s *limitedSink) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
