package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
)

// Version is stamped at build time with -ldflags "-X .../version.Version=v1.2.3".
var Version = "v0.1.0"

// DefaultReleaseURL is where the latest release tag is published.
const DefaultReleaseURL = "https://api.github.com/repos/nulzo/novel-gateway/releases/latest"

type release struct {
	TagName string `json:"tag_name"`
}

// Outdated reports whether current is older than latest. Both must be semantic
// versions; a leading "v" is accepted.
func Outdated(current, latest string) (bool, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse current version %q: %w", current, err)
	}
	lat, err := version.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("parse latest version %q: %w", latest, err)
	}
	return cur.LessThan(lat), nil
}

// CheckForUpdates fetches the latest release tag from url and compares it with
// Version. It returns the latest tag and whether the running build is behind.
func CheckForUpdates(ctx context.Context, url string) (string, bool, error) {
	client := http.Client{
		Timeout: 2 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("release check returned status %d", resp.StatusCode)
	}

	var r release
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", false, err
	}

	outdated, err := Outdated(Version, r.TagName)
	return r.TagName, outdated, err
}
