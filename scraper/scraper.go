// Package scraper fetches profile pages and media listings from the provider.
package scraper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"profile-notifier/pkg/watch"
)

const (
	maxPageBytes  = 5 << 20
	maxImageBytes = 10 << 20
)

// ErrNotFound means the provider reports the identity does not exist.
var ErrNotFound = errors.New("identity not found")

// HTTP403Error indicates a 403 Forbidden response (login wall or block).
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Limiter paces provider requests.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Options configures a Scraper.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration // Per provider request
	ImageTimeout   time.Duration // Per avatar download
	Attempts       uint          // Provider request attempts, including the first
	RetryDelay     time.Duration
}

// Scraper fetches and parses provider data.
type Scraper struct {
	client      *http.Client
	imageClient *http.Client
	limiter     Limiter
	logger      *slog.Logger
	baseURL     string
	attempts    uint
	retryDelay  time.Duration
}

// New creates a new scraper. Every provider request waits on limiter first.
func New(opts Options, limiter Limiter, logger *slog.Logger) *Scraper {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 15 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Scraper{
		client:      &http.Client{Timeout: opts.RequestTimeout},
		imageClient: &http.Client{Timeout: opts.ImageTimeout},
		limiter:     limiter,
		logger:      logger,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		attempts:    opts.Attempts,
		retryDelay:  opts.RetryDelay,
	}
}

func setBrowserHeaders(req *http.Request, accept string) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
}

// fetch GETs a provider URL through the limiter, retrying transient failures.
func (s *Scraper) fetch(ctx context.Context, pageURL, purpose, accept string) ([]byte, error) {
	var body []byte
	var notFound, forbidden bool

	err := retry.Do(
		func() error {
			if err := s.limiter.Acquire(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			s.logger.Debug("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", purpose)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			setBrowserHeaders(req, accept)

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Debug("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotFound:
				notFound = true
				return retry.Unrecoverable(ErrNotFound)
			case resp.StatusCode == http.StatusForbidden:
				forbidden = true
				s.logger.Warn("HTTP 403 Forbidden", "url", pageURL)
				return retry.Unrecoverable(&HTTP403Error{URL: pageURL})
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			body, err = io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "url", pageURL, "attempt", n, "error", err)
		}),
	)

	switch {
	case notFound:
		return nil, ErrNotFound
	case forbidden:
		return nil, &HTTP403Error{URL: pageURL}
	case err != nil:
		return nil, fmt.Errorf("fetch %s after retries: %w", purpose, err)
	}
	return body, nil
}

// FetchProfile fetches the profile page of identity and hashes its avatar.
func (s *Scraper) FetchProfile(ctx context.Context, identity string) (*watch.Snapshot, error) {
	pageURL := fmt.Sprintf("%s/%s/", s.baseURL, url.PathEscape(identity))
	body, err := s.fetch(ctx, pageURL, "profile_page", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}

	snap, err := parseProfile(bytes.NewReader(body), identity)
	if err != nil {
		return nil, fmt.Errorf("parse profile page: %w", err)
	}

	if snap.AvatarURL == "" {
		snap.AvatarStatus = watch.HashNone
	} else if hash, err := s.hashImage(ctx, snap.AvatarURL); err != nil {
		s.logger.Warn("Avatar hash failed", "identity", identity, "error", err)
		snap.AvatarStatus = watch.HashFailed
	} else {
		snap.AvatarHash = hash
		snap.AvatarStatus = watch.HashOK
	}

	s.logger.Info("Profile fetched",
		"identity", identity,
		"followers", snap.Followers,
		"following", snap.Following,
		"posts", snap.Posts,
		"avatar_status", snap.AvatarStatus)
	return snap, nil
}

// hashImage downloads an image and returns its SHA-256. Image hosts are not the
// rate limited provider, so only the image timeout bounds this call. One retry.
func (s *Scraper) hashImage(ctx context.Context, imageURL string) (string, error) {
	var sum string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			setBrowserHeaders(req, "image/avif,image/webp,image/*,*/*;q=0.8")

			resp, err := s.imageClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			h := sha256.New()
			if _, err := io.Copy(h, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			sum = hex.EncodeToString(h.Sum(nil))
			return nil
		},
		retry.Attempts(2),
		retry.Delay(s.retryDelay/2),
		retry.Context(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	return sum, nil
}

type mediaItem struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Type    string `json:"type"`
	Caption string `json:"caption"`
	TakenAt int64  `json:"taken_at"` // Unix seconds
}

type mediaResponse struct {
	Items []mediaItem `json:"items"`
}

func (s *Scraper) fetchMedia(ctx context.Context, kind, identity string) ([]*watch.Media, error) {
	apiURL := fmt.Sprintf("%s/api/v1/%s/%s", s.baseURL, kind, url.PathEscape(identity))
	body, err := s.fetch(ctx, apiURL, kind, "application/json")
	if err != nil {
		return nil, err
	}

	var resp mediaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", kind, err)
	}

	items := make([]*watch.Media, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.URL == "" {
			continue
		}
		m := &watch.Media{
			ID:      it.ID,
			Ref:     it.URL,
			Kind:    watch.Photo,
			Caption: it.Caption,
		}
		if strings.EqualFold(it.Type, "video") {
			m.Kind = watch.Video
		}
		if it.TakenAt > 0 {
			m.TakenAt = time.Unix(it.TakenAt, 0).UTC()
		}
		items = append(items, m)
	}
	slices.SortStableFunc(items, func(a, b *watch.Media) int {
		return a.TakenAt.Compare(b.TakenAt)
	})
	return items, nil
}

// FetchStory returns the newest active ephemeral item, or nil when there is none.
func (s *Scraper) FetchStory(ctx context.Context, identity string) (*watch.Media, error) {
	items, err := s.fetchMedia(ctx, "stories", identity)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[len(items)-1], nil
}

// FetchFeed returns the current feed items, oldest first.
func (s *Scraper) FetchFeed(ctx context.Context, identity string) ([]*watch.Media, error) {
	return s.fetchMedia(ctx, "feed", identity)
}
