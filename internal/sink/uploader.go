package sink

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Uploader periodically seals the spool and ships sealed segments to the
// remote collection endpoint. A segment is deleted only after the endpoint
// acknowledged it with a 2xx response, so an upload failure leaves the
// records on disk for the next flush.
type Uploader struct {
	spool    *Spool
	client   *retryablehttp.Client
	baseURL  string
	interval time.Duration
}

// NewUploader creates an uploader flushing to baseURL. Records for topic T
// are POSTed as NDJSON to <baseURL>/topics/<T>.
func NewUploader(spool *Spool, baseURL string, interval time.Duration) *Uploader {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil

	return &Uploader{
		spool:    spool,
		client:   client,
		baseURL:  baseURL,
		interval: interval,
	}
}

// Start runs the flush loop until ctx is cancelled. Call from its own
// goroutine.
func (u *Uploader) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	log.Printf("[sink] uploader started (endpoint=%s, interval=%s)", u.baseURL, u.interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[sink] uploader stopped")
			return
		case <-ticker.C:
			u.Flush(ctx)
		}
	}
}

// Flush seals the spool and uploads every sealed segment. Failures are
// logged and the remaining segments are left for the next flush.
func (u *Uploader) Flush(ctx context.Context) {
	if err := u.spool.Rotate(); err != nil {
		log.Printf("[sink] rotate failed: %v", err)
		return
	}

	segments, err := u.spool.Segments()
	if err != nil {
		log.Printf("[sink] listing segments: %v", err)
		return
	}

	for _, seg := range segments {
		if ctx.Err() != nil {
			return
		}
		if err := u.uploadSegment(ctx, seg); err != nil {
			log.Printf("[sink] upload %s: %v", seg.Path, err)
			continue
		}
		if err := os.Remove(seg.Path); err != nil {
			log.Printf("[sink] removing uploaded segment %s: %v", seg.Path, err)
		}
	}
}

func (u *Uploader) uploadSegment(ctx context.Context, seg Segment) error {
	data, err := os.ReadFile(seg.Path)
	if err != nil {
		return fmt.Errorf("reading segment: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/topics/%s", u.baseURL, seg.Topic)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, data)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting segment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
