// pkg/download/download.go - installer payload download and verification.

package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/logging"
)

// Timeout bounds the whole payload transfer. The MSI is a few megabytes; a
// transfer that cannot finish inside this window is not going to finish.
const Timeout = 10 * time.Minute

// File fetches url into dest, creating the destination directory as needed.
// Failure is terminal for the caller's run; any retry policy lives above
// this function.
func File(url, dest string) error {
	if url == "" {
		return fmt.Errorf("invalid parameters: url cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory structure: %w", err)
	}

	logging.Info("Starting download", "url", url, "destination", dest)

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to open destination file: %w", err)
	}
	defer out.Close()

	client := &http.Client{Timeout: Timeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status code: %d", resp.StatusCode)
	}

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write downloaded data: %w", err)
	}

	logging.Info("Download completed successfully", "file", dest, "bytes", written)
	return nil
}

// Verify checks if the given file matches the expected SHA-256 hash.
func Verify(file string, expectedHash string) bool {
	actualHash := calculateHash(file)
	return actualHash != "" && strings.EqualFold(actualHash, expectedHash)
}

func calculateHash(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
