package level

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxLevelSize bounds a downloaded level file.
const maxLevelSize = 4 << 20

// Result is the outcome of one download.
type Result struct {
	Name  string
	Level *Level
	Err   error
}

// Downloader fetches missing levels from the server's HTTP API in background
// goroutines and hands the results back over a channel.
type Downloader struct {
	baseURL string
	store   *Store
	client  *http.Client
	results chan Result
	logger  zerolog.Logger
}

// NewDownloader fetches from baseURL (e.g. "http://host:8080") into store.
func NewDownloader(baseURL string, store *Store) *Downloader {
	return &Downloader{
		baseURL: baseURL,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		results: make(chan Result, 4),
		logger:  log.With().Str("component", "level-download").Logger(),
	}
}

// Results delivers one Result per Fetch.
func (d *Downloader) Results() <-chan Result { return d.results }

// Fetch starts downloading name.
func (d *Downloader) Fetch(ctx context.Context, name string) {
	go func() {
		l, err := d.download(ctx, name)
		if err != nil {
			d.logger.Warn().Err(err).Str("level", name).Msg("Level download failed")
		} else {
			d.logger.Info().Str("level", name).Msg("Level downloaded")
		}

		select {
		case d.results <- Result{Name: name, Level: l, Err: err}:
		case <-ctx.Done():
		}
	}()
}

func (d *Downloader) download(ctx context.Context, name string) (*Level, error) {
	if _, err := d.store.Path(name); err != nil {
		return nil, err
	}

	u := d.baseURL + "/api/levels/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	d.logger.Debug().Str("url", u).Msg("Requesting level")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch level: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		return nil, fmt.Errorf("failed to fetch level: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLevelSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read level: %w", err)
	}
	if len(data) > maxLevelSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidLevel, maxLevelSize)
	}

	if err := d.store.Save(name, data); err != nil {
		return nil, err
	}
	return d.store.Load(name)
}
