// Package client talks to a remote Lepton workspace and resolves photon
// input sources (urls, local files, base64 payloads) into raw bytes.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"

	"github.com/leptonai/go-lepton/common"
)

const (
	workspaceURLTemplate = "https://%s.cloud.lepton.ai"
	workspaceAPIPath     = "/api/v1"
)

// WorkspaceURL returns the API base URL for a named workspace.
func WorkspaceURL(workspace string) string {
	return fmt.Sprintf(workspaceURLTemplate, workspace) + workspaceAPIPath
}

// Client issues authenticated requests against a workspace API.
type Client struct {
	URL       string
	AuthToken string

	httpClient *http.Client
}

func New(url, authToken string) *Client {
	return &Client{
		URL:       url,
		AuthToken: authToken,
		httpClient: &http.Client{
			Timeout: common.HTTPTimeout,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, nil)
	if err != nil {
		return err
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := common.ReadAtMost(resp.Body, common.MaxBodySize)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, body)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

// ListDeployments lists all deployments on the workspace.
func (c *Client) ListDeployments(ctx context.Context) ([]*common.DBDeployment, error) {
	var deployments []*common.DBDeployment
	if err := c.do(ctx, http.MethodGet, "/deployments", &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// RemoveDeployment removes a named deployment from the workspace.
func (c *Client) RemoveDeployment(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/deployments/"+name, nil)
}

// IsValidURL reports whether the string parses as an absolute URL with a host.
func IsValidURL(candidate string) bool {
	parsed, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}

var localHosts = []string{"localhost", "127.0.0.1", "0.0.0.0", "::1"}

// IsLocalURL reports whether the URL points at the local machine.
func IsLocalURL(candidate string) bool {
	parsed, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	hostname := parsed.Hostname()
	for _, h := range localHosts {
		if hostname == h {
			return true
		}
	}
	return false
}

var bareBase64Re = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

var downloadClient = &http.Client{Timeout: 60 * time.Second}

// GetFileContent resolves a photon input source into raw bytes. The source
// may be raw bytes, a url, a local file path, an RFC 2397 "data:" URI, or a
// bare base64-encoded string. Local file paths are only honored when
// allowLocalFile is true, so that a remote service cannot be tricked into
// reading from its own filesystem.
func GetFileContent(src interface{}, allowLocalFile bool) ([]byte, error) {
	switch s := src.(type) {
	case []byte:
		return s, nil
	case string:
		if IsValidURL(s) {
			content, err := downloadURL(s)
			if err != nil {
				return nil, fmt.Errorf("Failed to download content from url: %s", s)
			}
			return content, nil
		}
		if _, err := os.Stat(s); err == nil && allowLocalFile {
			return os.ReadFile(s)
		}
		// RFC 2397 data URI. Only base64 payloads are accepted.
		if strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,") {
			du, err := dataurl.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("Invalid base64 string: %s", truncateSource(s))
			}
			return du.Data, nil
		}
		if len(s)%4 == 0 && bareBase64Re.MatchString(s) {
			content, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("Failed to decode base64 string: %s", truncateSource(s))
			}
			return content, nil
		}
		return nil, fmt.Errorf("Failed to get file content from source: %s", truncateSource(s))
	default:
		return nil, fmt.Errorf("src must be a url, a local file path, a base64-encoded string, or raw bytes. Got %T", src)
	}
}

func downloadURL(src string) ([]byte, error) {
	resp, err := downloadClient.Get(src)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func truncateSource(s string) string {
	if len(s) < 100 {
		return s
	}
	return s[:100] + "..."
}
