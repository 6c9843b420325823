package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/fitting"
)

// FittingClient handles API calls to the fitting server.
type FittingClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewFittingClient creates a new client for the given server URL.
func NewFittingClient(baseURL string) *FittingClient {
	return &FittingClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// InputFile is one named reference image sent with a job.
type InputFile struct {
	Name string
	Data []byte
}

// CreateJob sends POST /api/fitting/jobs with the images as multipart parts.
func (c *FittingClient) CreateJob(inputs []InputFile, settings model.QualitySettings, jobID string) (*fitting.JobResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, in := range inputs {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, in.Name, in.Name))
		h.Set("Content-Type", http.DetectContentType(in.Data))
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create part %s: %w", in.Name, err)
		}
		if _, err := part.Write(in.Data); err != nil {
			return nil, fmt.Errorf("failed to write part %s: %w", in.Name, err)
		}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	mw.WriteField("settings", string(raw))
	if jobID != "" {
		mw.WriteField("jobId", jobID)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/fitting/jobs", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(httpReq, http.StatusAccepted)
}

// GetJob sends GET /api/fitting/jobs/{id}.
func (c *FittingClient) GetJob(jobID string) (*fitting.JobResponse, error) {
	httpReq, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/fitting/jobs/%s", c.BaseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq, http.StatusOK)
}

// CancelJob sends POST /api/fitting/jobs/{id}/cancel.
func (c *FittingClient) CancelJob(jobID string) (*fitting.JobResponse, error) {
	httpReq, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/fitting/jobs/%s/cancel", c.BaseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq, http.StatusOK)
}

func (c *FittingClient) do(httpReq *http.Request, want int) (*fitting.JobResponse, error) {
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var result fitting.JobResponse
	parseErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode != want {
		if parseErr == nil && result.Error != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: result.Error, Kind: result.Kind}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse response: %w", parseErr)
	}
	return &result, nil
}
