package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/curatehq/roundkeeper/internal/faults"
	"go.uber.org/zap"
)

const (
	opFetchItem   = "catalog.fetch_item"
	opFetchAuthor = "catalog.fetch_author"
)

var errMissingBaseURL = errors.New("content api base url is required")

// TokenSource supplies a valid bearer token for the machine-wide app actor.
type TokenSource func(ctx context.Context) (string, error)

// ItemPayload mirrors the external content API's item document.
type ItemPayload struct {
	ID             int64            `json:"id"`
	Title          string           `json:"title"`
	Artist         string           `json:"artist"`
	SubmitterID    int64            `json:"user_id"`
	FavouriteCount int64            `json:"favourite_count"`
	PlayCount      int64            `json:"play_count"`
	Status         string           `json:"status"`
	Variants       []VariantPayload `json:"variants"`
}

// VariantPayload mirrors one variant row of the external item document.
type VariantPayload struct {
	ID         int64   `json:"id"`
	Name       string  `json:"version"`
	AuthorID   int64   `json:"user_id"`
	StarRating float64 `json:"difficulty_rating"`
}

// AuthorPayload mirrors the external content API's author document.
type AuthorPayload struct {
	ID      int64  `json:"id"`
	Name    string `json:"username"`
	Banned  bool   `json:"is_restricted"`
	Country string `json:"country_code"`
}

// APIClientConfig bundles configuration for the content API client.
type APIClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// APIClient talks to the external content API. A 404 is reported as a
// not_found fault (a domain outcome, not a failure), any other non-2xx as a
// retryable transport fault, and an undecodable body as a fatal validation
// fault.
type APIClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient constructs a content API client with validated configuration.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIClient{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Item fetches one content item by external id.
func (c *APIClient) Item(ctx context.Context, id int64) (ItemPayload, error) {
	var payload ItemPayload
	path := "/item/" + strconv.FormatInt(id, 10)
	if err := c.get(ctx, opFetchItem, path, "item:"+strconv.FormatInt(id, 10), &payload); err != nil {
		return ItemPayload{}, err
	}
	if payload.ID == 0 {
		return ItemPayload{}, faults.Validation(opFetchItem, "malformed_payload",
			errors.New("item document missing id")).
			WithEntities("item:" + strconv.FormatInt(id, 10))
	}
	return payload, nil
}

// AuthorByID fetches one author by external id.
func (c *APIClient) AuthorByID(ctx context.Context, id int64) (AuthorPayload, error) {
	var payload AuthorPayload
	path := "/author/" + strconv.FormatInt(id, 10)
	if err := c.get(ctx, opFetchAuthor, path, "author:"+strconv.FormatInt(id, 10), &payload); err != nil {
		return AuthorPayload{}, err
	}
	return payload, nil
}

// AuthorByName fetches one author by display name.
func (c *APIClient) AuthorByName(ctx context.Context, name string) (AuthorPayload, error) {
	var payload AuthorPayload
	path := "/author/@" + url.PathEscape(name)
	if err := c.get(ctx, opFetchAuthor, path, "author:"+name, &payload); err != nil {
		return AuthorPayload{}, err
	}
	return payload, nil
}

func (c *APIClient) get(ctx context.Context, operation, path, entity string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return faults.Internal(operation, "request_build_failed", err).WithEntities(entity)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Transport(operation, "request_failed", err).WithEntities(entity)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound:
		return faults.NotFound(operation, "missing_upstream", nil).WithEntities(entity)
	default:
		return faults.Transport(operation, "unexpected_status",
			fmt.Errorf("content api returned status %d", response.StatusCode)).
			WithEntities(entity)
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		c.logger.Error("content api payload undecodable",
			zap.String("operation", operation), zap.String("entity", entity), zap.Error(err))
		return faults.Validation(operation, "malformed_payload", err).WithEntities(entity)
	}
	return nil
}

// parseItemStatus maps the external status string onto the local enum.
func parseItemStatus(value string) (ItemStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ItemStatusDraft):
		return ItemStatusDraft, nil
	case string(ItemStatusPending):
		return ItemStatusPending, nil
	case string(ItemStatusApproved):
		return ItemStatusApproved, nil
	case string(ItemStatusQualified):
		return ItemStatusQualified, nil
	case string(ItemStatusPublished):
		return ItemStatusPublished, nil
	default:
		return "", fmt.Errorf("unknown item status %q", value)
	}
}
