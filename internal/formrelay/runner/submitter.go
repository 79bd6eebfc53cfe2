package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"formrelay/internal/formrelay/domain"
)

const submitTimeout = 30 * time.Second

// HTTPSubmitter posts the campaign payload to each target's contact form
// endpoint. An optional per-job proxy URL is honored.
type HTTPSubmitter struct {
	client *http.Client
}

func NewHTTPSubmitter() *HTTPSubmitter {
	return &HTTPSubmitter{
		client: &http.Client{Timeout: submitTimeout},
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, target string, params domain.JobParams) error {
	client := s.client
	if params.Proxy != "" {
		proxyURL, err := url.Parse(params.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy %q: %w", params.Proxy, err)
		}
		client = &http.Client{
			Timeout:   submitTimeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	form := url.Values{}
	form.Set("campaign", params.CampaignID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalizeTarget(target), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit to %s: %w", target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return &ObstacleError{Target: target, Reason: fmt.Sprintf("target responded %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("submit to %s: status %d", target, resp.StatusCode)
	}
	return nil
}

// normalizeTarget accepts bare domains from lead files alongside full URLs.
func normalizeTarget(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return "https://" + target
}
