package workspace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"peermatch/pkg/types"
)

type allocateRequest struct {
	UserIDA string `json:"userIdA"`
	UserIDB string `json:"userIdB"`
}

type allocateResponse struct {
	WorkspaceToken string `json:"workspaceToken"`
}

// HTTPAllocator asks the collaboration service for a shared workspace
type HTTPAllocator struct {
	rest    *resty.Client
	baseURL string
}

// NewHTTPAllocator creates a client for baseURL; apiKey is sent as a bearer
// token when set
func NewHTTPAllocator(baseURL, apiKey string, timeout time.Duration) (*HTTPAllocator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPAllocator{rest: client, baseURL: baseURL}, nil
}

// Allocate implements interfaces.WorkspaceAllocator. Every failure wraps
// types.ErrHandoffFailure.
func (a *HTTPAllocator) Allocate(ctx context.Context, userIDA, userIDB string) (string, error) {
	url := a.baseURL + "/workspaces"

	var body allocateResponse
	response, err := a.rest.R().
		SetContext(ctx).
		SetBody(allocateRequest{UserIDA: userIDA, UserIDB: userIDB}).
		SetResult(&body).
		Post(url)
	if err != nil {
		log.WithField("url", url).WithError(err).Warn("Failed to reach workspace service")
		return "", fmt.Errorf("%w: %v", types.ErrHandoffFailure, err)
	}

	if response.StatusCode() != http.StatusOK && response.StatusCode() != http.StatusCreated {
		log.WithFields(log.Fields{
			"url":    url,
			"status": response.StatusCode(),
			"body":   response.String(),
		}).Warn("Workspace service rejected allocation")
		return "", fmt.Errorf("%w: %v %d", types.ErrHandoffFailure, ErrUnexpectedRes, response.StatusCode())
	}

	if body.WorkspaceToken == "" {
		return "", fmt.Errorf("%w: %v", types.ErrHandoffFailure, ErrEmptyToken)
	}
	return body.WorkspaceToken, nil
}

// LocalAllocator mints room tokens without an external service
type LocalAllocator struct {
	prefix string
}

// NewLocalAllocator creates an allocator whose tokens start with prefix
func NewLocalAllocator(prefix string) *LocalAllocator {
	return &LocalAllocator{prefix: prefix}
}

// Allocate returns a fresh random room token
func (a *LocalAllocator) Allocate(ctx context.Context, userIDA, userIDB string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrHandoffFailure, err)
	}
	return a.prefix + uuid.New().String(), nil
}
