package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"github.com/curatehq/roundkeeper/internal/credentials"
	"github.com/curatehq/roundkeeper/internal/faults"
	"github.com/curatehq/roundkeeper/internal/forum"
	"github.com/curatehq/roundkeeper/internal/rounds"
	"go.uber.org/zap"
)

const (
	opOpenRound  = "orchestrator.open_round"
	opCloseRound = "orchestrator.close_round"

	pollOptionYes = "Yes"
	pollOptionNo  = "No"

	defaultPollLengthDays = 10
)

var (
	errMissingRounds      = errors.New("rounds service is required")
	errMissingCatalog     = errors.New("catalog cache is required")
	errMissingForum       = errors.New("forum client is required")
	errMissingCredentials = errors.New("credential store is required")
	errMissingLocks       = errors.New("actor lock is required")
	errMissingNewsActor   = errors.New("news actor id is required")
)

// ForumAPI is the slice of the discussion/polling platform the workflows use.
type ForumAPI interface {
	CreateTopic(ctx context.Context, token string, request forum.CreateTopicRequest) (forum.Topic, error)
	Reply(ctx context.Context, token string, topicID int64, body string) (forum.Post, error)
	UpdatePost(ctx context.Context, token string, postID int64, body string) error
	Topic(ctx context.Context, token string, topicID int64) (forum.TopicDetail, error)
}

// CredentialSource supplies stored credentials and valid access tokens.
type CredentialSource interface {
	Credential(ctx context.Context, actorID int64) (credentials.ActorCredential, error)
	Token(ctx context.Context, actorID int64) (string, error)
}

// ItemSource reads cached content items.
type ItemSource interface {
	ContentItem(ctx context.Context, id int64, opts catalog.FetchOptions) (catalog.ContentItem, error)
}

// Notifier receives round lifecycle events after a workflow finishes.
type Notifier interface {
	RoundOpened(ctx context.Context, roundID int64)
	RoundClosed(ctx context.Context, roundID int64)
}

// Config bundles the dependencies for the posting orchestrator.
type Config struct {
	Rounds         *rounds.Service
	Catalog        ItemSource
	Forum          ForumAPI
	Credentials    CredentialSource
	Locks          *credentials.ActorLock
	Notifier       Notifier
	NewsActorID    int64
	PollLengthDays int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Orchestrator drives the two irreversible external workflows: opening a
// round's polls and closing them. It owns no rows; it reads the state machine
// and issues commands, with an idempotency check before every externally
// visible action so either workflow is safe to re-invoke after a partial
// failure.
type Orchestrator struct {
	rounds         *rounds.Service
	catalog        ItemSource
	forum          ForumAPI
	credentials    CredentialSource
	locks          *credentials.ActorLock
	notifier       Notifier
	newsActorID    int64
	pollLengthDays int
	clock          func() time.Time
	logger         *zap.Logger
}

// New constructs an orchestrator with validated configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Rounds == nil {
		return nil, errMissingRounds
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Forum == nil {
		return nil, errMissingForum
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.NewsActorID <= 0 {
		return nil, errMissingNewsActor
	}
	pollLengthDays := cfg.PollLengthDays
	if pollLengthDays <= 0 {
		pollLengthDays = defaultPollLengthDays
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		rounds:         cfg.Rounds,
		catalog:        cfg.Catalog,
		forum:          cfg.Forum,
		credentials:    cfg.Credentials,
		locks:          cfg.Locks,
		notifier:       cfg.Notifier,
		newsActorID:    cfg.NewsActorID,
		pollLengthDays: pollLengthDays,
		clock:          clock,
		logger:         logger,
	}, nil
}

// resolvePostingActor picks the actor to post as for a nomination: the
// description author when they hold a credential with forum write scope,
// otherwise the fallback news actor.
func (o *Orchestrator) resolvePostingActor(ctx context.Context, nomination rounds.Nomination) int64 {
	if nomination.DescriptionAuthorID == nil {
		return o.newsActorID
	}
	credential, err := o.credentials.Credential(ctx, *nomination.DescriptionAuthorID)
	if err != nil || !credential.HasScope(credentials.ScopeForumWrite) {
		return o.newsActorID
	}
	return *nomination.DescriptionAuthorID
}

// postAs runs fn with a valid token for the actor inside the actor's
// serialization section, so a concurrent workflow cannot race the same
// actor's refresh cycle.
func (o *Orchestrator) postAs(ctx context.Context, actorID int64, fn func(token string) error) error {
	return o.locks.With(ctx, actorID, func() error {
		token, err := o.credentials.Token(ctx, actorID)
		if err != nil {
			return err
		}
		return fn(token)
	})
}

// abortOnCredentialFailure re-labels a credential fault with the workflow
// operation so the caller sees which invocation was aborted and for whom.
func abortOnCredentialFailure(operation string, actorID int64, err error) error {
	if faults.KindOf(err) != faults.KindCredentialExpired {
		return err
	}
	return faults.CredentialExpired(operation, "credential_refresh_failed", err).
		WithEntities("actor:" + strconv.FormatInt(actorID, 10))
}
