package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type (
	// TriggerResult identifies a freshly started remote pipeline run.
	TriggerResult struct {
		RunUUID     string
		BuildNumber int
		State       string
		CommitHash  string
	}

	// StepReport is the remote-reported state of one named step.
	StepReport struct {
		Name            string
		State           string
		DurationSeconds int
		Log             string
	}

	// StatusReport is one snapshot of a remote run: the overall state
	// plus the state of every named step.
	StatusReport struct {
		State           string
		DurationSeconds int
		CompletedOn     *time.Time
		Steps           []StepReport
	}

	// Client is the full boundary the engine depends on from the remote
	// CI backend: start a run, and fetch the status of a running one.
	Client interface {
		Trigger(ctx context.Context, branch string) (TriggerResult, error)
		FetchStatus(ctx context.Context, runUUID string) (StatusReport, error)
	}
)

// TransientError marks a failure worth retrying: network trouble, gateway
// errors, throttling. Anything else is treated as permanent and returned to
// the caller on the first attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// BitbucketConfig locates one repository on the Bitbucket v2 API.
type BitbucketConfig struct {
	BaseURL   string
	Workspace string
	RepoSlug  string
	Token     string
}

const defaultBaseURL = "https://api.bitbucket.org/2.0"

// NewBitbucketClient creates a Client for a single repository's pipelines.
func NewBitbucketClient(cfg BitbucketConfig, logger zerolog.Logger) *BitbucketClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &BitbucketClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: 30 * time.Second},
		log: logger,
	}
}

type BitbucketClient struct {
	cfg BitbucketConfig
	hc  *http.Client
	log zerolog.Logger
}

type pipelineResponse struct {
	UUID        string `json:"uuid"`
	BuildNumber int    `json:"build_number"`
	State       struct {
		Name   string `json:"name"`
		Result struct {
			Name string `json:"name"`
		} `json:"result"`
	} `json:"state"`
	Target struct {
		Commit struct {
			Hash string `json:"hash"`
		} `json:"commit"`
	} `json:"target"`
	CompletedOn       *time.Time `json:"completed_on"`
	DurationInSeconds int        `json:"duration_in_seconds"`
}

type stepsResponse struct {
	Values []struct {
		UUID  string `json:"uuid"`
		Name  string `json:"name"`
		State struct {
			Name   string `json:"name"`
			Result struct {
				Name string `json:"name"`
			} `json:"result"`
		} `json:"state"`
		DurationInSeconds int `json:"duration_in_seconds"`
	} `json:"values"`
}

// Trigger starts a remote pipeline run on the given branch.
func (c *BitbucketClient) Trigger(ctx context.Context, branch string) (TriggerResult, error) {
	payload := map[string]any{
		"target": map[string]any{
			"type":     "pipeline_ref_target",
			"ref_type": "branch",
			"ref_name": branch,
		},
	}

	var resp pipelineResponse
	if err := c.do(ctx, http.MethodPost, c.pipelinesURL(""), payload, &resp); err != nil {
		return TriggerResult{}, err
	}

	c.log.Debug().Str("run_uuid", resp.UUID).Int("build_number", resp.BuildNumber).Msg("remote pipeline triggered")

	return TriggerResult{
		RunUUID:     resp.UUID,
		BuildNumber: resp.BuildNumber,
		State:       stateName(resp.State.Name, resp.State.Result.Name),
		CommitHash:  resp.Target.Commit.Hash,
	}, nil
}

// FetchStatus retrieves the overall state of a run along with the state,
// duration and full log of each of its steps.
func (c *BitbucketClient) FetchStatus(ctx context.Context, runUUID string) (StatusReport, error) {
	var run pipelineResponse
	if err := c.do(ctx, http.MethodGet, c.pipelinesURL(runUUID), nil, &run); err != nil {
		return StatusReport{}, err
	}

	var steps stepsResponse
	if err := c.do(ctx, http.MethodGet, c.pipelinesURL(runUUID)+"/steps/", nil, &steps); err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		State:           stateName(run.State.Name, run.State.Result.Name),
		DurationSeconds: run.DurationInSeconds,
		CompletedOn:     run.CompletedOn,
	}

	for _, s := range steps.Values {
		log, err := c.stepLog(ctx, runUUID, s.UUID)
		if err != nil {
			// A step without a log yet is normal early in a run.
			c.log.Debug().Err(err).Str("step", s.Name).Msg("step log not available")
		}
		report.Steps = append(report.Steps, StepReport{
			Name:            s.Name,
			State:           stateName(s.State.Name, s.State.Result.Name),
			DurationSeconds: s.DurationInSeconds,
			Log:             log,
		})
	}

	return report, nil
}

func (c *BitbucketClient) stepLog(ctx context.Context, runUUID, stepUUID string) (string, error) {
	url := fmt.Sprintf("%s/steps/%s/log", c.pipelinesURL(runUUID), stepUUID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("step log request returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientError{Err: err}
	}
	return string(body), nil
}

func (c *BitbucketClient) pipelinesURL(runUUID string) string {
	url := fmt.Sprintf("%s/repositories/%s/%s/pipelines/", c.cfg.BaseURL, c.cfg.Workspace, c.cfg.RepoSlug)
	if runUUID != "" {
		url += runUUID
	}
	return url
}

func (c *BitbucketClient) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Err: fmt.Errorf("remote API returned %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote API returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("unable to decode response: %w", err)
		}
	}
	return nil
}

// stateName collapses Bitbucket's two-level state (state name plus result
// name once completed) into the single state string the mapping table
// understands.
func stateName(state, result string) string {
	if result != "" {
		return result
	}
	return state
}
