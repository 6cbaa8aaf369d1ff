package instagram

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"igharvest/pkg/errors"
	"igharvest/pkg/logger"
	"igharvest/pkg/session"
)

// Client is the session-authenticated HTTP client shared by the
// pagination engine, the detail fetch step, and the download scheduler.
// API calls and streaming downloads run on separate underlying clients
// so a long video stream is not cut off by the API request deadline.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	headers        map[string]string
	logger         logger.Logger
}

// NewClient creates a new API client
func NewClient(timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		downloadClient: &http.Client{
			Timeout: timeout,
		},
		headers: map[string]string{
			"Accept":           "*/*",
			"Accept-Language":  "en-GB,en;q=0.9",
			"X-Requested-With": "XMLHttpRequest",
		},
		logger: log,
	}
}

// SetDownloadTimeout sets the whole-response deadline for Open,
// independent of the API request timeout.
func (c *Client) SetDownloadTimeout(timeout time.Duration) {
	c.downloadClient.Timeout = timeout
}

// SetHeader sets a custom header for the client
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetHeaders sets multiple headers at once
func (c *Client) SetHeaders(headers map[string]string) {
	for key, value := range headers {
		c.headers[key] = value
	}
}

// ApplySession installs the credential headers from a validated session.
// The session must pass Validate first; a request sent with incomplete
// credentials would burn a cursor for nothing.
func (c *Client) ApplySession(s *session.Session, userAgent string) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.SetHeaders(map[string]string{
		"Cookie":      s.CookieHeader(),
		"X-Csrftoken": s.CSRFToken,
		"X-Ig-App-Id": s.AppID,
		"User-Agent":  userAgent,
	})
	if s.WebSessionID != "" {
		c.SetHeader("X-Web-Session-Id", s.WebSessionID)
	}
	return nil
}

// doRequest performs an HTTP request with the configured headers
func (c *Client) doRequest(httpClient *http.Client, req *http.Request) (*http.Response, error) {
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	c.logger.DebugWithFields("sending HTTP request", map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := httpClient.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.ErrorWithFields("HTTP request failed", map[string]interface{}{
			"method":   req.Method,
			"url":      req.URL.String(),
			"error":    err.Error(),
			"duration": duration,
		})
		return nil, errors.Newf(errors.ErrorTypeNetwork, "network error: %v", err)
	}

	c.logger.DebugWithFields("HTTP request completed", map[string]interface{}{
		"method":   req.Method,
		"url":      req.URL.String(),
		"status":   resp.StatusCode,
		"duration": duration,
	})

	return resp, nil
}

// Get performs a GET request to the specified URL
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Newf(errors.ErrorTypeUnknown, "failed to create request: %v", err)
	}

	return c.doRequest(c.httpClient, req)
}

// GetJSON performs a GET request and decodes the JSON response
func (c *Client) GetJSON(url string, target interface{}) error {
	body, err := c.GetBody(url)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}

		c.logger.ErrorWithFields("failed to parse JSON response", map[string]interface{}{
			"url":          url,
			"error":        err.Error(),
			"body_preview": preview,
		})
		return errors.Newf(errors.ErrorTypeMalformed, "failed to parse JSON: %v", err)
	}

	return nil
}

// GetBody performs a GET request, checks the status, and returns the
// full response body.
func (c *Client) GetBody(url string) ([]byte, error) {
	resp, err := c.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkResponseStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeNetwork,
			fmt.Sprintf("failed to read response body: %v", err), resp.StatusCode)
	}

	return body, nil
}

// Open performs a GET request and hands back the response body as a
// stream for direct write-to-disk. The caller owns the Close. The
// download deadline applies, not the API one.
func (c *Client) Open(url string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Newf(errors.ErrorTypeUnknown, "failed to create request: %v", err)
	}

	resp, err := c.doRequest(c.downloadClient, req)
	if err != nil {
		return nil, err
	}

	if err := c.checkResponseStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return resp.Body, nil
}

// checkResponseStatus maps HTTP status codes onto the error taxonomy
func (c *Client) checkResponseStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		c.logger.WarnWithFields("session rejected", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errors.New(errors.ErrorTypeAuthExpired, "session is no longer valid", resp.StatusCode)
	case http.StatusForbidden, http.StatusTooManyRequests:
		c.logger.WarnWithFields("rate limited", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errors.New(errors.ErrorTypeRateLimit, "rate limit exceeded", resp.StatusCode)
	case http.StatusNotFound:
		return errors.New(errors.ErrorTypeNotFound, "resource not found", resp.StatusCode)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.ErrorWithFields("server error", map[string]interface{}{
			"status": resp.StatusCode,
			"url":    resp.Request.URL.String(),
		})
		return errors.New(errors.ErrorTypeServerError, "server error", resp.StatusCode)
	default:
		if resp.StatusCode >= 400 {
			return errors.New(errors.ErrorTypeUnknown,
				fmt.Sprintf("unexpected status code: %d", resp.StatusCode), resp.StatusCode)
		}
		return nil
	}
}

// FetchProfile resolves a username to its profile document
func (c *Client) FetchProfile(username string) (*ProfileResponse, error) {
	url := GetProfileURL(username)

	var response ProfileResponse
	if err := c.GetJSON(url, &response); err != nil {
		return nil, err
	}

	if response.RequiresToLogin {
		return nil, errors.New(errors.ErrorTypeAuthExpired,
			"profile requires authentication", http.StatusUnauthorized)
	}

	return &response, nil
}

// FetchFeedPage fetches one page of the subject's feed
func (c *Client) FetchFeedPage(userID, maxID string, count int) (*FeedResponse, error) {
	url := GetFeedURL(userID, maxID, count)

	var response FeedResponse
	if err := c.GetJSON(url, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// FetchMediaInfo fetches the raw detail document for one asset
func (c *Client) FetchMediaInfo(mediaID string) ([]byte, error) {
	return c.GetBody(GetMediaInfoURL(mediaID))
}
