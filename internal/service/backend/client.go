package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/version"
)

const (
	// ManualPath lists pending deployments pushed by an operator.
	ManualPath = "/api/auth/ota/check-updates"
	// AutoPath returns the latest bundle when no deployment is pending.
	AutoPath = "/api/auth/ota/auto-update"
	// ReportPath receives the outcome of every cycle.
	ReportPath = "/api/auth/ota/report-status"

	defaultTimeout    = 30 * time.Second
	defaultBundleName = "bundle.zip"
	maxBodySize       = 4 << 20
	errorBodyPreview  = 256
)

var (
	// errBadHTTPStatus is returned for non 2xx answers.
	errBadHTTPStatus = errors.New("unexpected http status")
	// errUnsuccessful is returned when the backend answers with success=false.
	errUnsuccessful = errors.New("backend reported failure")
	// errNoVersion is returned for update entries without a target version.
	errNoVersion = errors.New("update without version")
	// errNoFiles is returned for update entries without downloadable files.
	errNoFiles = errors.New("update without files")
)

// Options configure a Client.
type Options struct {
	// BaseURL is the API root without a trailing slash.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// DeviceID identifies the device.
	DeviceID string
	// Timeout bounds every request.
	Timeout time.Duration
	// HTTPClient performs requests; nil uses a dedicated client.
	HTTPClient *http.Client
}

// Report is the status posted after every cycle.
type Report struct {
	// Version is the firmware version current after the cycle.
	Version string
	// UpdateID is the package identifier.
	UpdateID string
	// Status is the cycle outcome.
	Status ota.AttemptStatus
	// ErrorKind classifies a failure, empty on success.
	ErrorKind ota.ErrorKind
	// Error is the failure detail.
	Error string
}

// Client is the HTTP client of the update backend.
type Client struct {
	baseURL  string
	token    string
	deviceID string
	timeout  time.Duration
	http     *http.Client
}

// New creates a backend client.
func New(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		deviceID: opts.DeviceID,
		timeout:  timeout,
		http:     client,
	}
}

// Discover returns the candidate packages for the current version.
// Manual deployments ordered by priority take precedence; the auto-update
// package is only offered when no deployment is pending.
func (c *Client) Discover(ctx context.Context, currentVersion string) ([]*ota.UpdatePackage, error) {
	ctx = logger.WithName(ctx, "backend")

	manual, manualErr := c.manual(ctx, currentVersion)
	if manualErr != nil {
		logger.WarnKV(ctx, "Manual deployment check failed", "error", manualErr)
	}

	if len(manual) > 0 {
		slices.SortStableFunc(manual, func(a, b *ota.UpdatePackage) int {
			return a.Priority.Rank() - b.Priority.Rank()
		})

		return manual, nil
	}

	logger.Debug(ctx, "No manual deployments, checking for auto-update")

	auto, autoErr := c.auto(ctx, currentVersion)
	if autoErr != nil {
		if manualErr != nil {
			return nil, ota.Transient(fmt.Errorf("discover updates: %w", errors.Join(manualErr, autoErr)))
		}

		return nil, ota.Transient(fmt.Errorf("check auto-update: %w", autoErr))
	}

	return auto, nil
}

// Report posts the cycle outcome.
func (c *Client) Report(ctx context.Context, report Report) error {
	body, err := json.Marshal(reportBody{
		DeviceID:  c.deviceID,
		Version:   report.Version,
		UpdateID:  report.UpdateID,
		Status:    string(report.Status),
		ErrorKind: report.ErrorKind.ReportCode(),
		Error:     report.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if err = c.do(ctx, http.MethodPost, ReportPath, nil, body, nil); err != nil {
		return fmt.Errorf("report status: %w", err)
	}

	return nil
}

func (c *Client) manual(ctx context.Context, currentVersion string) ([]*ota.UpdatePackage, error) {
	var response manualResponse
	if err := c.do(ctx, http.MethodGet, ManualPath, c.query(currentVersion), nil, &response); err != nil {
		return nil, err
	}

	if !response.Success {
		return nil, errUnsuccessful
	}

	if !response.UpdatesAvailable || len(response.Updates) == 0 {
		return nil, nil
	}

	return parseUpdates(ctx, response.Updates, ota.SourceManual), nil
}

func (c *Client) auto(ctx context.Context, currentVersion string) ([]*ota.UpdatePackage, error) {
	var response autoResponse
	if err := c.do(ctx, http.MethodGet, AutoPath, c.query(currentVersion), nil, &response); err != nil {
		return nil, err
	}

	if !response.Success {
		return nil, errUnsuccessful
	}

	if !response.UpdateAvailable || response.Update == nil {
		logger.InfoKV(ctx, "No auto-update available",
			"current_version", currentVersion, "latest_version", response.LatestVersion)

		return nil, nil
	}

	return parseUpdates(ctx, []wireUpdate{*response.Update}, ota.SourceAuto), nil
}

func (c *Client) query(currentVersion string) url.Values {
	return url.Values{
		"device_id":       []string{c.deviceID},
		"current_version": []string{currentVersion},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s %s: %d %s",
			errBadHTTPStatus, method, path, resp.StatusCode, preview(payload))
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	if err = json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}

// parseUpdates converts wire entries, skipping the malformed ones.
func parseUpdates(ctx context.Context, entries []wireUpdate, source ota.Source) []*ota.UpdatePackage {
	packages := make([]*ota.UpdatePackage, 0, len(entries))

	for _, entry := range entries {
		pkg, err := entry.toPackage(source)
		if err != nil {
			logger.WarnKV(ctx, "Skipping malformed update", "id", entry.identifier(), "error", err)

			continue
		}

		packages = append(packages, pkg)
	}

	return packages
}

func preview(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) > errorBodyPreview {
		text = text[:errorBodyPreview] + "..."
	}

	return text
}

type manualResponse struct {
	Success          bool         `json:"success"`
	UpdatesAvailable bool         `json:"updates_available"`
	Updates          []wireUpdate `json:"updates"`
}

type autoResponse struct {
	Success         bool        `json:"success"`
	UpdateAvailable bool        `json:"update_available"`
	Update          *wireUpdate `json:"update"`
	LatestVersion   string      `json:"latest_version"`
}

type reportBody struct {
	DeviceID  string `json:"device_id"`
	Version   string `json:"version"`
	UpdateID  string `json:"update_id,omitempty"`
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*f = flexString(text)

		return nil
	}

	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}

	*f = flexString(number.String())

	return nil
}

type wireFile struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
	S3URL       string `json:"s3_url"`
	Checksum    string `json:"checksum"`
	TargetPath  string `json:"target_path"`
	Size        int64  `json:"size"`
}

type wireUpdate struct {
	ID             flexString `json:"id"`
	DeploymentID   flexString `json:"deployment_id"`
	Version        string     `json:"version"`
	Priority       string     `json:"priority"`
	Files          []wireFile `json:"files"`
	Name           string     `json:"name"`
	DownloadURL    string     `json:"download_url"`
	S3URL          string     `json:"s3_url"`
	Checksum       string     `json:"checksum"`
	TargetPath     string     `json:"target_path"`
	SizeBytes      int64      `json:"size_bytes"`
	Size           int64      `json:"size"`
	ReleaseNotes   string     `json:"release_notes"`
	MinVersion     string     `json:"min_version"`
	MaxVersion     string     `json:"max_version"`
	RequiresReboot bool       `json:"requires_reboot"`
}

func (w *wireUpdate) identifier() string {
	if w.ID != "" {
		return string(w.ID)
	}

	return string(w.DeploymentID)
}

func (w *wireUpdate) toPackage(source ota.Source) (*ota.UpdatePackage, error) {
	if strings.TrimSpace(w.Version) == "" {
		return nil, errNoVersion
	}

	files := w.Files
	if len(files) == 0 && (w.DownloadURL != "" || w.S3URL != "") {
		name := w.Name
		if name == "" {
			name = defaultBundleName
		}

		files = []wireFile{{
			Name:        name,
			DownloadURL: w.DownloadURL,
			S3URL:       w.S3URL,
			Checksum:    w.Checksum,
			TargetPath:  w.TargetPath,
			Size:        w.SizeBytes,
		}}
	}

	pkg := &ota.UpdatePackage{
		ID:             w.identifier(),
		TargetVersion:  strings.TrimSpace(w.Version),
		Priority:       ota.Priority(strings.ToLower(w.Priority)),
		Source:         source,
		TotalSize:      w.SizeBytes,
		MinVersion:     w.MinVersion,
		MaxVersion:     w.MaxVersion,
		RequiresReboot: w.RequiresReboot,
		ReleaseNotes:   w.ReleaseNotes,
	}

	if pkg.TotalSize == 0 {
		pkg.TotalSize = w.Size
	}

	if pkg.Priority == "" {
		pkg.Priority = ota.PriorityNormal
	}

	for i, file := range files {
		link := file.DownloadURL
		if link == "" {
			link = file.S3URL
		}

		if link == "" {
			continue
		}

		name := file.Name
		if name == "" {
			name = "file-" + strconv.Itoa(i)
		}

		pkg.Files = append(pkg.Files, ota.PackageFile{
			Name:     name,
			URL:      link,
			Checksum: strings.TrimSpace(file.Checksum),
			RelPath:  strings.TrimSpace(file.TargetPath),
			Size:     file.Size,
		})
	}

	if len(pkg.Files) == 0 {
		return nil, errNoFiles
	}

	if pkg.ID == "" {
		pkg.ID = string(source) + "-" + pkg.TargetVersion
	}

	return pkg, nil
}
