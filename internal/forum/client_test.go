package forum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/curatehq/roundkeeper/internal/faults"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestCreateTopicSendsPollSpec(t *testing.T) {
	var gotAuth string
	var gotRequest CreateTopicRequest
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"topic_id":9001,"first_post_id":8001}`))
	}))
	defer endpoint.Close()

	client := newTestClient(t, endpoint.URL)
	topic, err := client.CreateTopic(context.Background(), "token-77", CreateTopicRequest{
		Title: "[STANDARD] Cove - Tidal",
		Body:  "vote here",
		Poll: &PollSpec{
			Title:      "Should Cove - Tidal be published?",
			Options:    []string{"Yes", "No"},
			LengthDays: 10,
			MaxVotes:   1,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if topic.TopicID != 9001 || topic.FirstPostID != 8001 {
		t.Fatalf("unexpected topic: %+v", topic)
	}
	if gotAuth != "Bearer token-77" {
		t.Fatalf("unexpected authorization header: %s", gotAuth)
	}
	if gotRequest.Poll == nil || len(gotRequest.Poll.Options) != 2 || gotRequest.Poll.MaxVotes != 1 {
		t.Fatalf("unexpected poll spec: %+v", gotRequest.Poll)
	}
}

func TestCreateTopicRejectsIncompleteResponse(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"topic_id":9001}`))
	}))
	defer endpoint.Close()

	client := newTestClient(t, endpoint.URL)
	_, err := client.CreateTopic(context.Background(), "token", CreateTopicRequest{Title: "t", Body: "b"})
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("expected validation fault for missing identifiers, got %v", err)
	}
}

func TestReplyAndUpdatePostUsePerPostPaths(t *testing.T) {
	var paths []string
	var methods []string
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		methods = append(methods, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"post_id":8002}`))
	}))
	defer endpoint.Close()

	client := newTestClient(t, endpoint.URL)
	post, err := client.Reply(context.Background(), "token", 9001, "closing reply")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if post.PostID != 8002 {
		t.Fatalf("unexpected post: %+v", post)
	}
	if err := client.UpdatePost(context.Background(), "token", 8001, "edited body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(paths) != 2 || paths[0] != "/topic/9001/reply" || paths[1] != "/post/8001" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	if methods[0] != http.MethodPost || methods[1] != http.MethodPut {
		t.Fatalf("unexpected methods: %v", methods)
	}
}

func TestTopicFaultMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   faults.Kind
	}{
		{name: "missing", status: http.StatusNotFound, kind: faults.KindNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, kind: faults.KindTransport},
		{name: "upstream failure", status: http.StatusInternalServerError, kind: faults.KindTransport},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
			}))
			defer endpoint.Close()

			client := newTestClient(t, endpoint.URL)
			_, err := client.Topic(context.Background(), "token", 9001)
			if faults.KindOf(err) != testCase.kind {
				t.Fatalf("expected %s fault, got %v", testCase.kind, err)
			}
		})
	}
}

func TestTallyMatchesOptionTextCaseInsensitively(t *testing.T) {
	result := PollResult{Options: []PollOption{
		{Text: "Yes", VoteCount: 12},
		{Text: "No", VoteCount: 3},
	}}

	count, ok := result.Tally("yes")
	if !ok || count != 12 {
		t.Fatalf("expected case-insensitive tally, got %d %v", count, ok)
	}
	if _, ok := result.Tally("Maybe"); ok {
		t.Fatalf("unexpected tally for unknown option")
	}
}
