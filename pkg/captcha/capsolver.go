package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Backend is the external paid solving service. Solve blocks until a token is
// produced, the context is cancelled, or the service reports failure.
type Backend interface {
	Solve(ctx context.Context, req SolveRequest) (string, error)
}

// SolveRequest carries everything the backend needs to produce a token for
// one challenge.
type SolveRequest struct {
	Type    Type
	SiteKey string
	PageURL string
}

const (
	defaultCapsolverBaseURL = "https://api.capsolver.com"
	resultPollInterval      = 2 * time.Second
	resultPollTimeout       = 2 * time.Minute
)

// CapsolverClient solves challenges through the capsolver HTTP API. It is the
// only component holding the API credential.
type CapsolverClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewCapsolverClient creates a client for the public capsolver endpoint.
func NewCapsolverClient(apiKey string, logger *logrus.Logger) *CapsolverClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CapsolverClient{
		apiKey:     apiKey,
		baseURL:    defaultCapsolverBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.WithField("component", "capsolver"),
	}
}

type capsolverTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey,omitempty"`
}

type createTaskRequest struct {
	ClientKey string        `json:"clientKey"`
	Task      capsolverTask `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type capsolverResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
		Token              string `json:"token"`
	} `json:"solution"`
}

// taskTypes maps challenge families to capsolver proxyless task types.
var taskTypes = map[Type]string{
	TypeRecaptchaV2:         "ReCaptchaV2TaskProxyLess",
	TypeRecaptchaV3:         "ReCaptchaV3TaskProxyLess",
	TypeHCaptcha:            "HCaptchaTaskProxyLess",
	TypeFunCaptcha:          "FunCaptchaTaskProxyLess",
	TypeGeeTest:             "GeeTestTaskProxyLess",
	TypeTurnstile:           "AntiTurnstileTaskProxyLess",
	TypeCloudflareChallenge: "AntiCloudflareTask",
}

// Solve creates a solving task and polls for its result until the context is
// cancelled or the service answers.
func (c *CapsolverClient) Solve(ctx context.Context, req SolveRequest) (string, error) {
	if c.apiKey == "" {
		return "", &SolveError{Code: "ERROR_NO_API_KEY", Description: "no solver API key configured"}
	}
	taskType, ok := taskTypes[req.Type]
	if !ok {
		return "", &SolveError{Code: "ERROR_UNSUPPORTED_TYPE", Description: string(req.Type)}
	}

	taskID, err := c.createTask(ctx, taskType, req)
	if err != nil {
		return "", err
	}

	c.log.WithFields(logrus.Fields{
		"task_id": taskID,
		"type":    req.Type,
	}).Debug("solving task created")

	return c.awaitResult(ctx, taskID)
}

func (c *CapsolverClient) createTask(ctx context.Context, taskType string, req SolveRequest) (string, error) {
	body := createTaskRequest{
		ClientKey: c.apiKey,
		Task: capsolverTask{
			Type:       taskType,
			WebsiteURL: req.PageURL,
			WebsiteKey: req.SiteKey,
		},
	}

	resp, err := c.post(ctx, "/createTask", body)
	if err != nil {
		return "", err
	}
	if resp.ErrorID != 0 {
		return "", &SolveError{Code: resp.ErrorCode, Description: resp.ErrorDescription}
	}
	if resp.TaskID == "" {
		return "", &SolveError{Code: "ERROR_NO_TASK_ID", Description: "service accepted the task but returned no id"}
	}
	return resp.TaskID, nil
}

// awaitResult polls getTaskResult with exponential backoff until the task is
// ready, fails, or the context deadline passes.
func (c *CapsolverClient) awaitResult(ctx context.Context, taskID string) (string, error) {
	var token string

	op := func() error {
		resp, err := c.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.apiKey, TaskID: taskID})
		if err != nil {
			return err
		}
		if resp.ErrorID != 0 {
			return backoff.Permanent(&SolveError{Code: resp.ErrorCode, Description: resp.ErrorDescription})
		}
		if resp.Status != "ready" {
			return fmt.Errorf("task %s still %s", taskID, resp.Status)
		}
		token = resp.Solution.GRecaptchaResponse
		if token == "" {
			token = resp.Solution.Token
		}
		if token == "" {
			return backoff.Permanent(&SolveError{Code: "ERROR_EMPTY_SOLUTION", Description: "task ready without a token"})
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = resultPollInterval
	policy.MaxElapsedTime = resultPollTimeout

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		var solveErr *SolveError
		if errors.As(err, &solveErr) {
			return "", solveErr
		}
		return "", &SolveError{Code: "ERROR_RESULT_TIMEOUT", Description: err.Error()}
	}
	return token, nil
}

func (c *CapsolverClient) post(ctx context.Context, path string, body any) (*capsolverResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("solver request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var resp capsolverResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode solver response: %w", err)
	}
	return &resp, nil
}
