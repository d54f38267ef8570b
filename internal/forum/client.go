package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	"go.uber.org/zap"
)

const (
	opCreateTopic = "forum.create_topic"
	opReply       = "forum.reply"
	opUpdatePost  = "forum.update_post"
	opGetTopic    = "forum.get_topic"
)

var errMissingForumBaseURL = errors.New("forum api base url is required")

// PollSpec describes the embedded poll attached to a new topic.
type PollSpec struct {
	Title      string   `json:"title"`
	Options    []string `json:"options"`
	LengthDays int      `json:"length_days"`
	MaxVotes   int      `json:"max_votes"`
}

// CreateTopicRequest is the payload for POST topic.
type CreateTopicRequest struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Poll  *PollSpec `json:"poll,omitempty"`
}

// Topic identifies a created topic and its first post.
type Topic struct {
	TopicID     int64 `json:"topic_id"`
	FirstPostID int64 `json:"first_post_id"`
}

// Post identifies a created or edited post.
type Post struct {
	PostID int64 `json:"post_id"`
}

// PollOption is one answer row with its final tally.
type PollOption struct {
	Text      string `json:"text"`
	VoteCount int64  `json:"vote_count"`
}

// PollResult carries a topic poll's deadline and tallies.
type PollResult struct {
	EndedAt time.Time    `json:"ended_at"`
	Options []PollOption `json:"options"`
}

// TopicDetail is the response of GET topic/{id}.
type TopicDetail struct {
	TopicID int64       `json:"topic_id"`
	Poll    *PollResult `json:"poll"`
}

// Tally extracts the vote count for an option by its text.
func (r PollResult) Tally(optionText string) (int64, bool) {
	for _, option := range r.Options {
		if strings.EqualFold(option.Text, optionText) {
			return option.VoteCount, true
		}
	}
	return 0, false
}

// ClientConfig bundles configuration for the discussion/polling API client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the external discussion/polling platform. Every call takes
// the acting actor's bearer token explicitly because the posting actor changes
// per nomination. Fault mapping mirrors the content API client: 404 is a
// not_found outcome, other non-2xx a retryable transport fault, and an
// undecodable body a fatal validation fault.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a forum client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingForumBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// CreateTopic posts a new topic, optionally with an embedded poll.
func (c *Client) CreateTopic(ctx context.Context, token string, request CreateTopicRequest) (Topic, error) {
	var topic Topic
	if err := c.do(ctx, opCreateTopic, http.MethodPost, "/topic", token, request, &topic); err != nil {
		return Topic{}, err
	}
	if topic.TopicID == 0 || topic.FirstPostID == 0 {
		return Topic{}, faults.Validation(opCreateTopic, "malformed_payload",
			errors.New("topic response missing identifiers"))
	}
	return topic, nil
}

// Reply posts a reply to an existing topic.
func (c *Client) Reply(ctx context.Context, token string, topicID int64, body string) (Post, error) {
	var post Post
	path := "/topic/" + strconv.FormatInt(topicID, 10) + "/reply"
	payload := map[string]string{"body": body}
	if err := c.do(ctx, opReply, http.MethodPost, path, token, payload, &post); err != nil {
		return Post{}, err
	}
	if post.PostID == 0 {
		return Post{}, faults.Validation(opReply, "malformed_payload",
			errors.New("reply response missing post id")).
			WithEntities(topicEntity(topicID))
	}
	return post, nil
}

// UpdatePost replaces the body of an existing post. Editing is idempotent on
// the external side, which is what makes the link patch pass safe to re-run.
func (c *Client) UpdatePost(ctx context.Context, token string, postID int64, body string) error {
	path := "/post/" + strconv.FormatInt(postID, 10)
	payload := map[string]string{"body": body}
	return c.do(ctx, opUpdatePost, http.MethodPut, path, token, payload, nil)
}

// Topic fetches a topic, including poll tallies once the poll closed.
func (c *Client) Topic(ctx context.Context, token string, topicID int64) (TopicDetail, error) {
	var detail TopicDetail
	path := "/topic/" + strconv.FormatInt(topicID, 10)
	if err := c.do(ctx, opGetTopic, http.MethodGet, path, token, nil, &detail); err != nil {
		return TopicDetail{}, err
	}
	return detail, nil
}

func (c *Client) do(ctx context.Context, operation, method, path, token string, in, out interface{}) error {
	var bodyReader *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return faults.Internal(operation, "request_encode_failed", err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return faults.Internal(operation, "request_build_failed", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Transport(operation, "request_failed", err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
	case response.StatusCode == http.StatusNotFound:
		return faults.NotFound(operation, "missing_upstream", nil)
	default:
		return faults.Transport(operation, "unexpected_status",
			fmt.Errorf("forum api returned status %d", response.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		c.logger.Error("forum api payload undecodable",
			zap.String("operation", operation), zap.String("path", path), zap.Error(err))
		return faults.Validation(operation, "malformed_payload", err)
	}
	return nil
}

func topicEntity(id int64) string {
	return "topic:" + strconv.FormatInt(id, 10)
}
