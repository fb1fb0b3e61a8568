// Package geoip handles downloading, updating, and reading MaxMind GeoLite2
// databases.
package geoip

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// EnsureDB checks that the GeoIP database at path exists and is newer than
// maxAge, downloading a fresh copy from url otherwise.
func EnsureDB(path, url string, maxAge time.Duration) error {
	info, err := os.Stat(path)

	switch {
	case err == nil && time.Since(info.ModTime()) < maxAge:
		log.Info().Str("path", path).Msg("GeoIP database is up to date")
		return nil
	case err == nil:
		log.Info().Str("path", path).Msg("GeoIP database is outdated, updating...")
	case os.IsNotExist(err):
		log.Info().Str("path", path).Msg("GeoIP database missing, downloading...")
	default:
		return err
	}

	return downloadFile(path, url)
}

// downloadFile fetches url into path via a temporary file so a failed
// download never clobbers a working database.
func downloadFile(path, url string) error {
	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	resp, err := http.Get(url) //nolint:gosec
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoip download: unexpected status %d", resp.StatusCode)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
