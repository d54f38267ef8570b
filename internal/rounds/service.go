package rounds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetRound       = "rounds.get_round"
	opListNoms       = "rounds.list_nominations"
	opAddNomination  = "rounds.add_nomination"
	opGetPoll        = "rounds.get_poll"
	opCreatePoll     = "rounds.create_poll"
	opRecordResults  = "rounds.record_results"
	opSetMainTopic   = "rounds.set_main_topic"
	opSetResultsPost = "rounds.set_results_post"
	opRecompute      = "rounds.recompute_completion"
)

var errMissingRoundsDatabase = errors.New("database handle is required")

// ServiceConfig bundles the dependencies for the round state machine.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns rounds, nominations and polls. Poll lifecycle moves strictly
// Unopened -> Open -> Closed; no transition is reversible.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the round service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingRoundsDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Round loads one round by id.
func (s *Service) Round(ctx context.Context, roundID int64) (Round, error) {
	var round Round
	err := s.db.WithContext(ctx).Where("id = ?", roundID).Take(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Round{}, faults.NotFound(opGetRound, "round_missing", err).WithEntities(roundEntity(roundID))
	}
	if err != nil {
		return Round{}, faults.Internal(opGetRound, "round_select_failed", err).WithEntities(roundEntity(roundID))
	}
	return round, nil
}

// CategoryConfigs loads the per-category voting configuration for a round.
func (s *Service) CategoryConfigs(ctx context.Context, roundID int64) ([]CategoryConfig, error) {
	var configs []CategoryConfig
	if err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("category ASC").
		Find(&configs).Error; err != nil {
		return nil, faults.Internal(opGetRound, "config_select_failed", err).WithEntities(roundEntity(roundID))
	}
	return configs, nil
}

// Nominations returns a round's nominations in submission order.
func (s *Service) Nominations(ctx context.Context, roundID int64) ([]Nomination, error) {
	var nominations []Nomination
	if err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("submitted_at ASC, id ASC").
		Find(&nominations).Error; err != nil {
		return nil, faults.Internal(opListNoms, "query_failed", err).WithEntities(roundEntity(roundID))
	}
	return nominations, nil
}

// AddNomination validates and persists a nomination. A parent must live in a
// different category of the same round, which keeps cross-category links
// acyclic by construction.
func (s *Service) AddNomination(ctx context.Context, nomination Nomination) (Nomination, error) {
	if nomination.RoundID == 0 || nomination.ItemID == 0 || nomination.Category == "" {
		return Nomination{}, faults.Validation(opAddNomination, "missing_fields", nil)
	}
	if nomination.SubmittedAt.IsZero() {
		nomination.SubmittedAt = s.clock().UTC()
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var config CategoryConfig
		err := tx.Where("round_id = ? AND category = ?", nomination.RoundID, nomination.Category).
			Take(&config).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.Internal(opAddNomination, "config_select_failed", err)
		}
		if err == nil && config.Locked {
			return faults.Validation(opAddNomination, "category_locked", nil).
				WithEntities("category:" + nomination.Category)
		}
		if nomination.ParentID != nil {
			var parent Nomination
			err := tx.Where("id = ?", *nomination.ParentID).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return faults.Validation(opAddNomination, "parent_missing", err).
					WithEntities(nominationEntity(*nomination.ParentID))
			}
			if err != nil {
				return faults.Internal(opAddNomination, "parent_select_failed", err)
			}
			if parent.RoundID != nomination.RoundID {
				return faults.Validation(opAddNomination, "parent_round_mismatch", nil).
					WithEntities(nominationEntity(*nomination.ParentID))
			}
			if parent.Category == nomination.Category {
				return faults.Validation(opAddNomination, "parent_same_category", nil).
					WithEntities(nominationEntity(*nomination.ParentID))
			}
		}
		if err := tx.Create(&nomination).Error; err != nil {
			return faults.Internal(opAddNomination, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Nomination{}, txErr
	}
	return nomination, nil
}

// PollByKey loads the poll for a (round, category, item) triple.
func (s *Service) PollByKey(ctx context.Context, roundID int64, category string, itemID int64) (Poll, bool, error) {
	var poll Poll
	err := s.db.WithContext(ctx).
		Where("round_id = ? AND category = ? AND item_id = ?", roundID, category, itemID).
		Take(&poll).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Poll{}, false, nil
	}
	if err != nil {
		return Poll{}, false, faults.Internal(opGetPoll, "query_failed", err).
			WithEntities(pollKeyEntity(roundID, category, itemID))
	}
	return poll, true, nil
}

// PollsForRound returns every poll of a round, grouped by category then item.
func (s *Service) PollsForRound(ctx context.Context, roundID int64) ([]Poll, error) {
	var polls []Poll
	if err := s.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Order("category ASC, id ASC").
		Find(&polls).Error; err != nil {
		return nil, faults.Internal(opGetPoll, "query_failed", err).WithEntities(roundEntity(roundID))
	}
	return polls, nil
}

// CreatePoll records the Unopened -> Open transition after the external topic
// was created. The unique (round, category, item) key makes a second insert a
// conflict rather than a duplicate external side effect.
func (s *Service) CreatePoll(ctx context.Context, poll Poll) (Poll, error) {
	if poll.RoundID == 0 || poll.Category == "" || poll.ItemID == 0 || poll.TopicID == 0 {
		return Poll{}, faults.Validation(opCreatePoll, "missing_fields", nil)
	}
	if err := s.db.WithContext(ctx).Create(&poll).Error; err != nil {
		var existing Poll
		lookupErr := s.db.WithContext(ctx).
			Where("round_id = ? AND category = ? AND item_id = ?", poll.RoundID, poll.Category, poll.ItemID).
			Take(&existing).Error
		if lookupErr == nil {
			return Poll{}, faults.Conflict(opCreatePoll, "poll_already_exists", err).
				WithEntities(pollKeyEntity(poll.RoundID, poll.Category, poll.ItemID))
		}
		return Poll{}, faults.Internal(opCreatePoll, "insert_failed", err).
			WithEntities(pollKeyEntity(poll.RoundID, poll.Category, poll.ItemID))
	}
	s.logger.Info("poll opened",
		zap.Int64("round_id", poll.RoundID),
		zap.String("category", poll.Category),
		zap.Int64("item_id", poll.ItemID),
		zap.Int64("topic_id", poll.TopicID))
	return poll, nil
}

// RecordResults writes final tallies for a poll. Results transition only from
// null to a concrete pair; a second write is a conflict surfaced verbatim so
// a double-closing bug cannot pass silently.
func (s *Service) RecordResults(ctx context.Context, pollID, yes, no int64) (Poll, error) {
	var updated Poll
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var poll Poll
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", pollID).
			Take(&poll).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.NotFound(opRecordResults, "poll_missing", err).WithEntities(pollEntity(pollID))
		}
		if err != nil {
			return faults.Internal(opRecordResults, "poll_select_failed", err).WithEntities(pollEntity(pollID))
		}
		if poll.HasResults() {
			return faults.Conflict(opRecordResults, "results_already_recorded", nil).
				WithEntities(pollEntity(pollID))
		}

		closedAt := s.clock().UTC()
		if err := tx.Model(&Poll{}).
			Where("id = ? AND result_yes IS NULL", pollID).
			Updates(map[string]interface{}{
				"result_yes": yes,
				"result_no":  no,
				"closed_at":  closedAt,
			}).Error; err != nil {
			return faults.Internal(opRecordResults, "update_failed", err).WithEntities(pollEntity(pollID))
		}

		poll.ResultYes = &yes
		poll.ResultNo = &no
		poll.ClosedAt = &closedAt
		updated = poll
		return nil
	})
	if txErr != nil {
		return Poll{}, txErr
	}
	return updated, nil
}

// SetMainTopic records a category's aggregate topic id exactly once. The
// conditional update makes a retried call a no-op; the bool reports whether
// this call performed the write.
func (s *Service) SetMainTopic(ctx context.Context, roundID int64, category string, topicID int64) (bool, error) {
	result := s.db.WithContext(ctx).Model(&CategoryConfig{}).
		Where("round_id = ? AND category = ? AND main_topic_id IS NULL", roundID, category).
		Update("main_topic_id", topicID)
	if result.Error != nil {
		return false, faults.Internal(opSetMainTopic, "update_failed", result.Error).
			WithEntities(roundEntity(roundID))
	}
	return result.RowsAffected > 0, nil
}

// SetResultsPost records a category's summary reply id exactly once, in the
// same guarded style as SetMainTopic.
func (s *Service) SetResultsPost(ctx context.Context, roundID int64, category string, postID int64) (bool, error) {
	result := s.db.WithContext(ctx).Model(&CategoryConfig{}).
		Where("round_id = ? AND category = ? AND results_post_id IS NULL", roundID, category).
		Update("results_post_id", postID)
	if result.Error != nil {
		return false, faults.Internal(opSetResultsPost, "update_failed", result.Error).
			WithEntities(roundEntity(roundID))
	}
	return result.RowsAffected > 0, nil
}

// nominationState is the scan target for the completion query.
type nominationState struct {
	NominationID    int64
	ItemStatus      string
	ResultYes       *int64
	ResultNo        *int64
	VotingThreshold float64
}

// RecomputeCompletion re-evaluates the done flag of every incomplete round
// containing the item. It runs inside the caller's transaction so round state
// can never be observed stale next to a freshly published item. The flag is
// monotonic: rounds already done are skipped entirely.
func (s *Service) RecomputeCompletion(tx *gorm.DB, itemID int64) error {
	var roundIDs []int64
	if err := tx.Model(&Nomination{}).
		Distinct("nominations.round_id").
		Joins("JOIN rounds ON rounds.id = nominations.round_id").
		Where("nominations.item_id = ? AND rounds.done = ?", itemID, false).
		Pluck("nominations.round_id", &roundIDs).Error; err != nil {
		return faults.Internal(opRecompute, "round_scan_failed", err).WithEntities(itemEntity(itemID))
	}

	for _, roundID := range roundIDs {
		done, err := s.roundResolved(tx, roundID)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		if err := tx.Model(&Round{}).
			Where("id = ? AND done = ?", roundID, false).
			Update("done", true).Error; err != nil {
			return faults.Internal(opRecompute, "round_update_failed", err).WithEntities(roundEntity(roundID))
		}
		s.logger.Info("round completed", zap.Int64("round_id", roundID))
	}
	return nil
}

// roundResolved reports whether every nomination of the round is settled:
// its item is published, or its poll closed below the category threshold.
func (s *Service) roundResolved(tx *gorm.DB, roundID int64) (bool, error) {
	var states []nominationState
	if err := tx.Raw(`
		SELECT n.id AS nomination_id,
		       COALESCE(ci.status, '') AS item_status,
		       p.result_yes,
		       p.result_no,
		       COALESCE(c.voting_threshold, 1.0) AS voting_threshold
		FROM nominations n
		LEFT JOIN content_items ci ON ci.id = n.item_id
		LEFT JOIN polls p ON p.round_id = n.round_id AND p.category = n.category AND p.item_id = n.item_id
		LEFT JOIN round_category_configs c ON c.round_id = n.round_id AND c.category = n.category
		WHERE n.round_id = ?`, roundID).
		Scan(&states).Error; err != nil {
		return false, faults.Internal(opRecompute, "state_scan_failed", err).WithEntities(roundEntity(roundID))
	}

	if len(states) == 0 {
		return false, nil
	}
	for _, state := range states {
		if state.ItemStatus == "published" {
			continue
		}
		if state.ResultYes != nil && state.ResultNo != nil {
			poll := Poll{ResultYes: state.ResultYes, ResultNo: state.ResultNo}
			if !poll.Passed(state.VotingThreshold) {
				continue
			}
		}
		return false, nil
	}
	return true, nil
}

func roundEntity(id int64) string {
	return "round:" + strconv.FormatInt(id, 10)
}

func nominationEntity(id int64) string {
	return "nomination:" + strconv.FormatInt(id, 10)
}

func pollEntity(id int64) string {
	return "poll:" + strconv.FormatInt(id, 10)
}

func pollKeyEntity(roundID int64, category string, itemID int64) string {
	return fmt.Sprintf("poll:%d/%s/%d", roundID, category, itemID)
}

func itemEntity(id int64) string {
	return "item:" + strconv.FormatInt(id, 10)
}
