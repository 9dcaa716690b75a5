package swdi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/region"
	"github.com/sells-group/stormlead-cli/internal/window"
)

var zipMagic = []byte("PK\x03\x04")

// shapeURL builds the windowed shapefile request:
// <base>/shp/<dataset>/<YYYYMMDD:YYYYMMDD>?bbox=minLng,minLat,maxLng,maxLat
func (c *Client) shapeURL(dataset string, bbox region.BBox, w window.Window) string {
	return fmt.Sprintf("%s/shp/%s/%s:%s?bbox=%s",
		strings.TrimSuffix(c.opts.BaseURL, "/"), dataset, w.StartToken(), w.EndToken(), bbox)
}

// download fetches the window's archive and extracts it. Returns the .shp
// path, or empty=true when the service answered with its JSON no-results
// document instead of an archive.
func (c *Client) download(ctx context.Context, dataset, regionToken string, bbox region.BBox, w window.Window) (string, bool, error) {
	if err := os.MkdirAll(c.opts.TempDir, 0o755); err != nil {
		return "", false, eris.Wrap(err, "swdi: create temp dir")
	}

	name := fmt.Sprintf("%s_%s_%s_%s", dataset, regionToken, w.StartToken(), w.EndToken())
	zipPath := filepath.Join(c.opts.TempDir, name+".zip")
	url := c.shapeURL(dataset, bbox, w)

	log := zap.L().With(
		zap.String("component", "swdi.download"),
		zap.String("url", url),
	)

	// Skip download if the archive is already on disk with content.
	if info, err := os.Stat(zipPath); err == nil && info.Size() > 0 {
		log.Debug("archive already exists, skipping download", zap.String("path", zipPath))
	} else {
		log.Info("downloading storm events")
		if err := c.fetchToFile(ctx, url, zipPath); err != nil {
			return "", false, err
		}
	}

	isZip, err := hasZipMagic(zipPath)
	if err != nil {
		return "", false, err
	}
	if !isZip {
		if err := classifyPayload(zipPath); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	extractDir := filepath.Join(c.opts.TempDir, name)
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", false, eris.Wrap(err, "swdi: create extract dir")
	}
	if err := extractZIP(zipPath, extractDir); err != nil {
		return "", false, eris.Wrap(err, "swdi: extract archive")
	}

	shpPath, err := findFileByExt(extractDir, ".shp")
	if err != nil {
		return "", false, eris.Wrap(err, "swdi: find .shp file")
	}
	return shpPath, false, nil
}

// fetchToFile downloads a URL to a local file with rate limiting and bounded
// retry on transient failures.
func (c *Client) fetchToFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "swdi: build request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	var lastErr error
	for attempt := range c.opts.MaxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "swdi: rate limiter wait")
		}

		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			zap.L().Warn("swdi: request failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("swdi: http %d from %s", resp.StatusCode, url)
			zap.L().Warn("swdi: retryable status, backing off",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return eris.Errorf("swdi: unexpected status %d from %s", resp.StatusCode, url)
		}

		writeErr := writeFile(dest, resp.Body)
		_ = resp.Body.Close()
		return writeErr
	}

	return eris.Wrap(lastErr, "swdi: all retries exhausted")
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "swdi: create file")
	}
	defer f.Close() //nolint:errcheck

	if _, err := io.Copy(f, r); err != nil {
		return eris.Wrap(err, "swdi: write file")
	}
	return nil
}

func hasZipMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, eris.Wrap(err, "swdi: open payload")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, eris.Wrap(err, "swdi: read payload head")
	}
	return bytes.Equal(head[:n], zipMagic), nil
}

// classifyPayload inspects a non-zip response body. The service answers
// windows with no events with a JSON document instead of an archive; anything
// else is a failure worth surfacing with a snippet.
func classifyPayload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrap(err, "swdi: read payload")
	}
	if json.Valid(bytes.TrimSpace(data)) {
		return nil
	}
	snippet := string(data)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return eris.Errorf("swdi: unexpected payload (not an archive): %s", snippet)
}

// extractZIP extracts an archive to the destination directory, flattening any
// internal paths.
func extractZIP(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "open zip")
	}
	defer r.Close() //nolint:errcheck

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		destPath := filepath.Join(destDir, name)

		rc, err := f.Open()
		if err != nil {
			return eris.Wrapf(err, "open zip entry %s", f.Name)
		}

		outFile, err := os.Create(destPath)
		if err != nil {
			_ = rc.Close()
			return eris.Wrapf(err, "create %s", destPath)
		}

		if _, err := io.Copy(outFile, rc); err != nil {
			_ = outFile.Close()
			_ = rc.Close()
			return eris.Wrapf(err, "extract %s", f.Name)
		}
		_ = outFile.Close()
		_ = rc.Close()
	}

	return nil
}

// findFileByExt finds the first file with the given extension in a directory.
func findFileByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "read directory")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("no %s file found in %s", ext, dir)
}
