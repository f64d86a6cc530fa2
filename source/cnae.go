package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/warp/rais-engine/generic"
)

// CacheFileName is the classification cache kept in the util directory.
const CacheFileName = "CNAEclasses.json"

// cnaeClass is the part of an IBGE class object the engine uses.
type cnaeClass struct {
	ID        string `json:"id"`
	Descricao string `json:"descricao"`
}

// =============================================================================
// CNAE CLIENT
// =============================================================================

// CNAEClient serves the CNAE class catalog. It reads the cache file when
// present and otherwise fetches URL and writes the response to the cache.
type CNAEClient struct {
	URL      string
	CacheDir string
	HTTP     *http.Client
}

func NewCNAEClient(url, cacheDir string) *CNAEClient {
	return &CNAEClient{
		URL:      url,
		CacheDir: cacheDir,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
	}
}

// CachePath returns the cache file, or "" when caching is disabled.
func (c *CNAEClient) CachePath() string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, CacheFileName)
}

// Entries implements generic.ClassificationSource.
func (c *CNAEClient) Entries(ctx context.Context) ([]generic.ClassificationEntry, error) {
	if path := c.CachePath(); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			return decodeClasses(data)
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	return c.Refresh(ctx)
}

// Refresh fetches the catalog and overwrites the cache.
func (c *CNAEClient) Refresh(ctx context.Context) ([]generic.ClassificationEntry, error) {
	data, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := decodeClasses(data)
	if err != nil {
		return nil, err
	}
	if path := c.CachePath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (c *CNAEClient) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch classification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch classification: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func decodeClasses(data []byte) ([]generic.ClassificationEntry, error) {
	var classes []cnaeClass
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	entries := make([]generic.ClassificationEntry, 0, len(classes))
	for _, c := range classes {
		if c.ID == "" {
			continue
		}
		entries = append(entries, generic.ClassificationEntry{
			Code:        generic.ClassCode(c.ID),
			Description: c.Descricao,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	return entries, nil
}
