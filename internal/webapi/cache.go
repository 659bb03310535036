package webapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// CacheEntry is one stored GET response.
type CacheEntry struct {
	CacheKey  string `gorm:"primaryKey;column:cache_key"`
	URL       string
	Status    int
	Headers   string // Headers.ToJSON
	Body      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (CacheEntry) TableName() string { return "http_cache" }

// Fresh reports whether the entry can be served without revalidation.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// HTTPCache stores GET responses in a SQLite database through gorm.
type HTTPCache struct {
	db       *gorm.DB
	maxEntry int64
	log      *zap.Logger
}

// OpenHTTPCache opens, creating if absent, the cache database at path.
// Bodies larger than maxEntry bytes are never stored.
func OpenHTTPCache(path string, maxEntry int64, log *zap.Logger) (*HTTPCache, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open http cache %s: %w", path, err)
	}
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, fmt.Errorf("migrate http cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPCache{db: db, maxEntry: maxEntry, log: log}, nil
}

// Match returns the entry for key, or nil when absent.
func (c *HTTPCache) Match(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	err := c.db.WithContext(ctx).Where("cache_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache match: %w", err)
	}
	return &e, nil
}

// Put inserts or replaces an entry.
func (c *HTTPCache) Put(ctx context.Context, e *CacheEntry) error {
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(e).Error
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *HTTPCache) Delete(ctx context.Context, key string) error {
	return c.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CacheEntry{}).Error
}

// Close closes the underlying database.
func (c *HTTPCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func cacheKey(req *Request) string {
	return req.method + " " + req.url.String()
}

// freshnessLifetime derives how long a response may be served without
// revalidation from Cache-Control max-age or Expires.
func freshnessLifetime(h Headers, now time.Time) time.Duration {
	for _, directive := range splitList(h.Get("cache-control")) {
		name, value, _ := strings.Cut(strings.ToLower(directive), "=")
		switch name {
		case "no-cache", "no-store":
			return 0
		case "max-age":
			secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
			return 0
		}
	}
	if exp := h.Get("expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	return 0
}

func hasValidators(h Headers) bool {
	return h.Has("etag") || h.Has("last-modified")
}

// storable reports whether a network response may be written to the cache.
func (c *HTTPCache) storable(req *Request, raw *RawResponse) bool {
	if req.method != "GET" || raw.Status != http.StatusOK || req.cache == CacheNoStore {
		return false
	}
	for _, d := range splitList(raw.Headers.Get("cache-control")) {
		if strings.EqualFold(d, "no-store") || strings.EqualFold(d, "private") {
			return false
		}
	}
	n := raw.contentLength()
	if n < 0 || n > c.maxEntry {
		return false
	}
	return freshnessLifetime(raw.Headers, time.Now()) > 0 || hasValidators(raw.Headers)
}

// capture tees body into the cache once it is read to the end.
func (c *HTTPCache) capture(key string, raw *RawResponse, body io.ReadCloser) io.ReadCloser {
	return &captureBody{ReadCloser: body, limit: c.maxEntry, done: func(data []byte) {
		now := time.Now()
		headers, err := raw.Headers.ToJSON()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.Put(ctx, &CacheEntry{
			CacheKey:  key,
			URL:       raw.URL.String(),
			Status:    raw.Status,
			Headers:   string(headers),
			Body:      data,
			StoredAt:  now,
			ExpiresAt: now.Add(freshnessLifetime(raw.Headers, now)),
		})
		if err != nil {
			c.log.Warn("storing cache entry", zap.String("key", key), zap.Error(err))
			return
		}
		cacheStores.Inc()
	}}
}

type captureBody struct {
	io.ReadCloser
	buf      bytes.Buffer
	limit    int64
	overflow bool
	finished bool
	done     func([]byte)
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && !b.overflow {
		if int64(b.buf.Len()+n) > b.limit {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) && !b.overflow && !b.finished {
		b.finished = true
		b.done(b.buf.Bytes())
	}
	return n, err
}

// cachedRaw rebuilds a RawResponse from an entry.
func cachedRaw(e *CacheEntry) (*RawResponse, io.ReadCloser, error) {
	h, err := HeadersFromJSON([]byte(e.Headers))
	if err != nil {
		return nil, nil, fmt.Errorf("cache entry headers: %w", err)
	}
	u, err := parseHTTPURL(e.URL)
	if err != nil {
		return nil, nil, err
	}
	raw := &RawResponse{
		Status:     e.Status,
		StatusText: http.StatusText(e.Status),
		Headers:    h,
		URL:        u,
	}
	return raw, io.NopCloser(bytes.NewReader(e.Body)), nil
}
