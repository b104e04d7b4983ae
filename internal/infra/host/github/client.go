package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/protectsus/protectsus/internal/domain/analysis"
	"github.com/protectsus/protectsus/internal/domain/host"
)

const defaultBaseURL = "https://api.github.com"

// maxFileSize caps individual files fetched for analysis.
const maxFileSize = 200 * 1024

// maxFetchedFiles caps the corpus per analysis.
const maxFetchedFiles = 50

// Client is a thin adapter over the GitHub REST v3 API implementing the
// host port.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	botLogin   string
}

func NewClient(token, baseURL, botLogin string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		botLogin:   botLogin,
	}
}

// IsCollaborator returns true when the user has collaborator access.
// GitHub answers 204 for collaborators and 404 for everyone else.
func (c *Client) IsCollaborator(ctx context.Context, repoFullName, username string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/collaborators/%s", repoFullName, username), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("collaborator check returned status %d", status)
	}
}

func (c *Client) GetPullRequest(ctx context.Context, repoFullName string, number int) (*host.PullRequest, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetching PR %s#%d: status %d", repoFullName, number, status)
	}
	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
	}
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decoding PR %s#%d: %w", repoFullName, number, err)
	}
	return &host.PullRequest{Number: pr.Number, URL: pr.HTMLURL, State: pr.State, Merged: pr.Merged}, nil
}

// CheckMergeable polls until GitHub has computed mergeability; the field is
// null right after a PR changes.
func (c *Client) CheckMergeable(ctx context.Context, repoFullName string, number int) (host.MergeStatus, error) {
	for attempt := 0; attempt < 5; attempt++ {
		status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number), nil)
		if err != nil {
			return host.MergeStatus{}, err
		}
		if status != http.StatusOK {
			return host.MergeStatus{}, fmt.Errorf("fetching PR %s#%d: status %d", repoFullName, number, status)
		}
		var pr struct {
			Mergeable      *bool  `json:"mergeable"`
			MergeableState string `json:"mergeable_state"`
		}
		if err := json.Unmarshal(body, &pr); err != nil {
			return host.MergeStatus{}, fmt.Errorf("decoding PR %s#%d: %w", repoFullName, number, err)
		}
		if pr.Mergeable != nil {
			return host.MergeStatus{
				Mergeable:    *pr.Mergeable,
				HasConflicts: !*pr.Mergeable || pr.MergeableState == "dirty",
			}, nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return host.MergeStatus{}, ctx.Err()
		}
	}
	return host.MergeStatus{}, fmt.Errorf("mergeability of %s#%d still unknown", repoFullName, number)
}

func (c *Client) MergePullRequest(ctx context.Context, repoFullName string, number int, commitTitle, commitMessage string) (host.MergeResult, error) {
	payload := map[string]string{
		"commit_title":   commitTitle,
		"commit_message": commitMessage,
		"merge_method":   "squash",
	}
	status, body, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repoFullName, number), payload)
	if err != nil {
		return host.MergeResult{}, err
	}
	if status != http.StatusOK {
		return host.MergeResult{}, fmt.Errorf("merging %s#%d: status %d: %s", repoFullName, number, status, truncateBody(body))
	}
	var res struct {
		SHA    string `json:"sha"`
		Merged bool   `json:"merged"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return host.MergeResult{}, fmt.Errorf("decoding merge result: %w", err)
	}
	if !res.Merged {
		return host.MergeResult{}, fmt.Errorf("merge of %s#%d was not performed", repoFullName, number)
	}
	return host.MergeResult{SHA: res.SHA, Merged: true}, nil
}

func (c *Client) ClosePullRequest(ctx context.Context, repoFullName string, number int) error {
	status, body, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, number), map[string]string{"state": "closed"})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("closing %s#%d: status %d: %s", repoFullName, number, status, truncateBody(body))
	}
	return nil
}

func (c *Client) AddComment(ctx context.Context, repoFullName string, number int, body string) error {
	status, respBody, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repoFullName, number), map[string]string{"body": body})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("commenting on %s#%d: status %d: %s", repoFullName, number, status, truncateBody(respBody))
	}
	return nil
}

// CreateFixPR publishes fixes as a branch off baseCommit plus a pull request
// into the repository default branch.
func (c *Client) CreateFixPR(ctx context.Context, repoFullName, baseCommit string, fixes []analysis.Fix, title, body string) (host.CreatedPR, error) {
	defaultBranch, err := c.defaultBranch(ctx, repoFullName)
	if err != nil {
		return host.CreatedPR{}, err
	}

	branch := fmt.Sprintf("security-fixes-%s-%d", shortSHA(baseCommit), time.Now().Unix())
	if err := c.createBranch(ctx, repoFullName, branch, baseCommit); err != nil {
		return host.CreatedPR{}, err
	}

	for _, fix := range fixes {
		if err := c.putFile(ctx, repoFullName, branch, fix.FilePath, fix.FixedContent, fmt.Sprintf("Fix security issues in %s", fix.FilePath)); err != nil {
			return host.CreatedPR{}, err
		}
	}

	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  defaultBranch,
	}
	status, respBody, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repoFullName), payload)
	if err != nil {
		return host.CreatedPR{}, err
	}
	if status != http.StatusCreated {
		return host.CreatedPR{}, fmt.Errorf("creating PR on %s: status %d: %s", repoFullName, status, truncateBody(respBody))
	}
	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return host.CreatedPR{}, fmt.Errorf("decoding created PR: %w", err)
	}
	return host.CreatedPR{Number: pr.Number, URL: pr.HTMLURL}, nil
}

// FetchCodeFiles walks the commit tree and downloads analyzable source
// files, bounded by size and count.
func (c *Client) FetchCodeFiles(ctx context.Context, repoFullName, commitSHA string) ([]analysis.CodeFile, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/trees/%s?recursive=1", repoFullName, commitSHA), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetching tree %s@%s: status %d", repoFullName, commitSHA, status)
	}
	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			Size int    `json:"size"`
			SHA  string `json:"sha"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, fmt.Errorf("decoding tree: %w", err)
	}
	if tree.Truncated {
		log.Printf("tree listing for %s@%s truncated by the API", repoFullName, commitSHA)
	}

	var files []analysis.CodeFile
	for _, entry := range tree.Tree {
		if entry.Type != "blob" || !isAnalyzable(entry.Path) || entry.Size > maxFileSize {
			continue
		}
		content, err := c.fetchBlob(ctx, repoFullName, entry.SHA)
		if err != nil {
			log.Printf("fetching %s from %s: %v", entry.Path, repoFullName, err)
			continue
		}
		files = append(files, analysis.CodeFile{Path: entry.Path, Content: content})
		if len(files) >= maxFetchedFiles {
			break
		}
	}
	return files, nil
}

func (c *Client) defaultBranch(ctx context.Context, repoFullName string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/repos/"+repoFullName, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("fetching repo %s: status %d", repoFullName, status)
	}
	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.Unmarshal(body, &repo); err != nil {
		return "", fmt.Errorf("decoding repo %s: %w", repoFullName, err)
	}
	if repo.DefaultBranch == "" {
		return "main", nil
	}
	return repo.DefaultBranch, nil
}

func (c *Client) createBranch(ctx context.Context, repoFullName, branch, sha string) error {
	payload := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	status, body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repoFullName), payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("creating branch %s on %s: status %d: %s", branch, repoFullName, status, truncateBody(body))
	}
	return nil
}

func (c *Client) putFile(ctx context.Context, repoFullName, branch, path, content, message string) error {
	sha, err := c.fileSHA(ctx, repoFullName, branch, path)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  branch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	status, body, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/contents/%s", repoFullName, path), payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("updating %s on %s@%s: status %d: %s", path, repoFullName, branch, status, truncateBody(body))
	}
	return nil
}

func (c *Client) fileSHA(ctx context.Context, repoFullName, branch, path string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/contents/%s?ref=%s", repoFullName, path, branch), nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("fetching %s metadata: status %d", path, status)
	}
	var meta struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", fmt.Errorf("decoding %s metadata: %w", path, err)
	}
	return meta.SHA, nil
}

func (c *Client) fetchBlob(ctx context.Context, repoFullName, sha string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/blobs/%s", repoFullName, sha), nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("fetching blob %s: status %d", sha, status)
	}
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &blob); err != nil {
		return "", fmt.Errorf("decoding blob %s: %w", sha, err)
	}
	if blob.Encoding != "base64" {
		return blob.Content, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decoding blob %s content: %w", sha, err)
	}
	return string(raw), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

var analyzableExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".go": true, ".java": true, ".rb": true, ".php": true, ".cs": true,
	".c": true, ".cpp": true, ".h": true, ".rs": true, ".kt": true,
	".swift": true, ".scala": true, ".sh": true, ".sql": true,
	".yaml": true, ".yml": true, ".json": true, ".tf": true,
}

var analyzableNames = map[string]bool{
	"requirements.txt": true, "package.json": true, "package-lock.json": true,
	"pom.xml": true, "build.gradle": true, "cargo.toml": true, "go.mod": true,
	"gemfile": true, "composer.json": true, "pipfile": true, "dockerfile": true,
}

func isAnalyzable(path string) bool {
	lower := strings.ToLower(path)
	if strings.Contains(lower, "node_modules/") || strings.Contains(lower, "vendor/") ||
		strings.Contains(lower, ".min.") || strings.Contains(lower, "dist/") {
		return false
	}
	base := lower
	if idx := strings.LastIndex(lower, "/"); idx >= 0 {
		base = lower[idx+1:]
	}
	if analyzableNames[base] {
		return true
	}
	if idx := strings.LastIndex(base, "."); idx >= 0 {
		return analyzableExtensions[base[idx:]]
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}
