package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

const robotsUserAgent = "Periscope-Bot/1.0"

// RobotsChecker handles robots.txt fetching and compliance checking for
// the goto navigation policy. Fetch and parse failures fail open.
type RobotsChecker struct {
	cache  *cache.Cache
	client *http.Client
}

// NewRobotsChecker creates a new robots.txt checker
func NewRobotsChecker() *RobotsChecker {
	return &RobotsChecker{
		cache: cache.New(24*time.Hour, 1*time.Hour), // Cache robots.txt for 24 hours
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Allows reports whether robots.txt permits fetching urlStr.
func (rc *RobotsChecker) Allows(ctx context.Context, urlStr string) (bool, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false, fmt.Errorf("invalid URL: %w", err)
	}

	domain := parsedURL.Scheme + "://" + parsedURL.Host

	if cached, found := rc.cache.Get(domain); found {
		robotsData := cached.(*robotstxt.RobotsData)
		return robotsData.FindGroup(robotsUserAgent).Test(parsedURL.Path), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", domain+"/robots.txt", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", robotsUserAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		// Missing robots.txt or network error: allow by default
		return true, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024)) // Max 1MB
	if err != nil {
		return true, nil
	}

	robotsData, err := robotstxt.FromBytes(body)
	if err != nil {
		return true, nil
	}

	rc.cache.Set(domain, robotsData, cache.DefaultExpiration)

	return robotsData.FindGroup(robotsUserAgent).Test(parsedURL.Path), nil
}
