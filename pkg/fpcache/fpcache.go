// Package fpcache reads and writes the on-disk fingerprint cache: a
// JSON array of {time, hash} objects stored next to the audio file.
package fpcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
)

// Suffix is appended to the audio file path to form the cache path.
const Suffix = ".fingerprints.json"

// ErrMalformed marks a cache file that exists but does not parse.
// Recoverable: ignore the cache and recompute.
var ErrMalformed = errors.New("malformed fingerprint cache")

// Path returns the cache file path for an audio file path.
func Path(audioPath string) string {
	return audioPath + Suffix
}

// Load reads the cache for audioPath. A missing cache returns
// (nil, false, nil); a present but unparsable one returns ErrMalformed.
func Load(audioPath string) ([]fingerprint.Fingerprint, bool, error) {
	data, err := os.ReadFile(Path(audioPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("unable to read the cache file %q: %w", Path(audioPath), err)
	}

	if !gjson.ValidBytes(data) {
		return nil, false, fmt.Errorf("%w: %q is not valid JSON", ErrMalformed, Path(audioPath))
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, false, fmt.Errorf("%w: %q is not a JSON array", ErrMalformed, Path(audioPath))
	}

	var fps []fingerprint.Fingerprint
	var parseErr error
	parsed.ForEach(func(_, item gjson.Result) bool {
		t := item.Get("time")
		h := item.Get("hash")
		if !t.Exists() || !h.Exists() {
			parseErr = fmt.Errorf("%w: entry %d of %q lacks time/hash", ErrMalformed, len(fps), Path(audioPath))
			return false
		}
		fps = append(fps, fingerprint.Fingerprint{
			TimeMs: t.Float(),
			Hash:   int(h.Int()),
		})
		return true
	})
	if parseErr != nil {
		return nil, false, parseErr
	}
	return fps, true, nil
}

// Store writes the cache for audioPath atomically (temp file+rename),
// so a crashed run never leaves a truncated cache behind.
func Store(audioPath string, fps []fingerprint.Fingerprint) error {
	if fps == nil {
		fps = []fingerprint.Fingerprint{}
	}
	data, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("unable to serialize %d fingerprints: %w", len(fps), err)
	}

	path := Path(audioPath)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("unable to create a temporary cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("unable to write the temporary cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close the temporary cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("unable to move the cache file into place: %w", err)
	}
	return nil
}
