// Package archive uploads report artifacts to the remote object store.
// Every operation is best-effort: failures are logged and absorbed,
// never surfaced to the pipeline.
package archive

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mamorett/sybilla/internal/observability"
	"github.com/mamorett/sybilla/internal/util"
)

const (
	opTimeout        = 15 * time.Second
	promptObjectName = "analysis_prompt.txt"
)

// kvStore is the slice of the redis client the archive uses.
type kvStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Client archives artifacts under namespace/runID/hostname/filename.
type Client struct {
	store     kvStore
	namespace string
	hostname  string
}

// NewClient creates an archive client. An empty addr returns a disabled
// client that uploads nothing and never dials.
func NewClient(addr, namespace string) *Client {
	c := &Client{namespace: namespace}
	c.hostname, _ = os.Hostname()
	if c.hostname == "" {
		c.hostname = "unknown-host"
	}
	if addr != "" {
		c.store = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

// Enabled reports whether remote storage is configured.
func (c *Client) Enabled() bool {
	return c.store != nil
}

// Upload stores each file under the run's key prefix and returns the
// locators of the files that made it. Per-file failures are logged and
// skipped; when storage is unconfigured the result is empty without any
// connection attempt.
func (c *Client) Upload(ctx context.Context, runID string, files []string) []string {
	locators := []string{}
	if c.store == nil {
		return locators
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			util.Warn("Archive: cannot read %s: %v", file, err)
			observability.ArchiveUploads.WithLabelValues("error").Inc()
			continue
		}

		key := path.Join(c.namespace, runID, c.hostname, filepath.Base(file))
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err = c.store.Set(opCtx, key, data, 0).Err()
		cancel()
		if err != nil {
			util.Warn("Archive: upload %s failed: %v", key, err)
			observability.ArchiveUploads.WithLabelValues("error").Inc()
			continue
		}

		observability.ArchiveUploads.WithLabelValues("ok").Inc()
		locators = append(locators, key)
	}

	return locators
}

// AnalysisPrompt fetches the prompt override object when present. It
// satisfies the insight engine's prompt source.
func (c *Client) AnalysisPrompt(ctx context.Context) (string, bool) {
	if c.store == nil {
		return "", false
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.store.Get(opCtx, path.Join(c.namespace, promptObjectName)).Result()
	if err != nil {
		if err != redis.Nil {
			util.Warn("Archive: prompt fetch failed: %v", err)
		}
		return "", false
	}
	return val, val != ""
}
