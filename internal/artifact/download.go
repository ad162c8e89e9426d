package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildkite/clientgrid/internal/clienterr"
)

type HTTPDownloader struct {
	client *http.Client
}

func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPDownloader{client: client}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string, onProgress Progress) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, clienterr.Resolution("download", url, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "clientgrid")

	res, err := d.client.Do(req)
	if err != nil {
		return nil, clienterr.Resolution("download", url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, clienterr.Resolution("download", url, fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	body := io.Reader(res.Body)
	if onProgress != nil {
		body = &progressReader{r: res.Body, total: res.ContentLength, fn: onProgress}
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, clienterr.Resolution("download", url, fmt.Errorf("read body: %w", err))
	}
	return b, nil
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
