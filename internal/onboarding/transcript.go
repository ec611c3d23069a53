// Package onboarding uploads a student's transcript and waits for the
// server to extract their course history.
package onboarding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"advisor/internal/auth/apiclient"
	"advisor/internal/jobs"
	"advisor/internal/platform/logger"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/requestcontext"
)

const maxResponseBytes = 4 << 20

// Course is one row extracted from a transcript.
type Course struct {
	Code     string  `json:"code"`
	Title    string  `json:"title"`
	Credits  float64 `json:"credits"`
	Grade    string  `json:"grade,omitempty"`
	Semester string  `json:"semester,omitempty"`
}

type TranscriptResult struct {
	Courses []Course `json:"courses"`
}

// Poller awaits a processing job.
type Poller interface {
	Poll(ctx context.Context, jobID string, fetch jobs.FetchFunc) (json.RawMessage, error)
}

// TranscriptClient talks to the onboarding endpoints. Its transport must
// authorize requests; session.Manager.Transport provides one.
type TranscriptClient struct {
	baseURL string
	http    *http.Client
	poller  Poller
	logger  *slog.Logger
}

type Option func(*TranscriptClient)

func WithLogger(l *slog.Logger) Option {
	return func(c *TranscriptClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout bounds each request, polls included.
func WithTimeout(d time.Duration) Option {
	return func(c *TranscriptClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func NewTranscriptClient(baseURL string, transport http.RoundTripper, poller Poller, opts ...Option) *TranscriptClient {
	c := &TranscriptClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: 15 * time.Second},
		poller:  poller,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends the transcript and returns the extracted courses. When the
// server processes asynchronously the result is awaited through the poller.
func (c *TranscriptClient) Upload(ctx context.Context, filename string, r io.Reader) (TranscriptResult, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("transcript", filename)
	if err != nil {
		return TranscriptResult{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return TranscriptResult{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "could not read transcript")
	}
	if err := form.Close(); err != nil {
		return TranscriptResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/onboarding/transcript-upload", &body)
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	raw, err := c.send(ctx, req, "Failed to upload transcript")
	if err != nil {
		return TranscriptResult{}, err
	}

	var accepted struct {
		ProcessingID string `json:"processing_id"`
	}
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return TranscriptResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "unexpected upload response")
	}
	if accepted.ProcessingID != "" {
		c.logger.InfoContext(ctx, "transcript accepted; awaiting processing", "processing_id", accepted.ProcessingID)
		raw, err = c.poller.Poll(ctx, accepted.ProcessingID, c.ProcessingStatus)
		if err != nil {
			return TranscriptResult{}, err
		}
	}

	var result TranscriptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return TranscriptResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "unexpected transcript result")
	}
	c.logger.InfoContext(ctx, "transcript processed", "courses", len(result.Courses))
	return result, nil
}

// ProcessingStatus reads one processing job. Servers that put the courses
// at the top level of a completed reply are accepted alongside those that
// nest them under "result".
func (c *TranscriptClient) ProcessingStatus(ctx context.Context, id string) (jobs.Report, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/onboarding/transcript-processing/"+url.PathEscape(id), nil)
	if err != nil {
		return jobs.Report{}, err
	}
	raw, err := c.send(ctx, req, "Failed to check processing status")
	if err != nil {
		return jobs.Report{}, err
	}
	var report jobs.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return jobs.Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "unexpected processing status")
	}
	if len(report.Result) == 0 || string(report.Result) == "null" {
		report.Result = raw
	}
	if report.Status == jobs.StatusFailed && report.Error == "" {
		report.Error = "Transcript processing failed"
	}
	return report, nil
}

// SaveCourseHistory stores the reviewed courses.
func (c *TranscriptClient) SaveCourseHistory(ctx context.Context, courses []Course) error {
	payload, err := json.Marshal(map[string][]Course{"courses": courses})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/onboarding/course-history", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.send(ctx, req, "Failed to save course history")
	return err
}

func (c *TranscriptClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not build request")
	}
	req.Header.Set("Accept", "application/json")
	if id := requestcontext.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	return req, nil
}

func (c *TranscriptClient) send(ctx context.Context, req *http.Request, fallback string) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if dErrors.CodeOf(err) != dErrors.CodeInternal {
			// already classified by the authorizing transport
			return nil, err
		}
		return nil, apiclient.TransportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apiclient.TransportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiclient.ErrorFromResponse(resp.StatusCode, raw, fallback)
	}
	return raw, nil
}
