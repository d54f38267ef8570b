package orchestrator

import (
	"context"
	"strconv"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"github.com/curatehq/roundkeeper/internal/faults"
	"github.com/curatehq/roundkeeper/internal/rounds"
	"go.uber.org/zap"
)

// CloseReport summarizes one close-round invocation.
type CloseReport struct {
	RoundID      int64
	PassedItems  []int64
	FailedItems  []int64
	SummaryPosts map[string]int64
}

type itemResult struct {
	ItemID int64
	Title  string
	Yes    int64
	No     int64
	Ratio  float64
	Passed bool
}

// CloseRound fetches final tallies for every open poll of the round whose
// external deadline has passed, records results, posts one closing reply per
// item and one aggregate summary reply per category. Re-invoking after a
// partial failure resumes with the remaining open polls; re-invoking after a
// complete close is a conflict and performs no external calls.
func (o *Orchestrator) CloseRound(ctx context.Context, roundID int64) (CloseReport, error) {
	report := CloseReport{RoundID: roundID, SummaryPosts: map[string]int64{}}

	if _, err := o.rounds.Round(ctx, roundID); err != nil {
		return report, err
	}
	configs, err := o.categoryConfigsByName(ctx, roundID)
	if err != nil {
		return report, err
	}
	nominations, err := o.rounds.Nominations(ctx, roundID)
	if err != nil {
		return report, err
	}
	nominationByKey := map[string]rounds.Nomination{}
	for _, nomination := range nominations {
		nominationByKey[pollKey(nomination.Category, nomination.ItemID)] = nomination
	}

	polls, err := o.rounds.PollsForRound(ctx, roundID)
	if err != nil {
		return report, err
	}
	if len(polls) == 0 {
		return report, faults.Validation(opCloseRound, "round_not_opened", nil).
			WithEntities("round:" + strconv.FormatInt(roundID, 10))
	}

	var open []rounds.Poll
	var notDue []string
	now := o.clock().UTC()
	for _, poll := range polls {
		if poll.HasResults() {
			continue
		}
		if now.Before(poll.EndedAt) {
			notDue = append(notDue, "poll:"+strconv.FormatInt(poll.ID, 10))
		}
		open = append(open, poll)
	}
	// The batch closes as a unit: a single still-running poll blocks the
	// whole invocation rather than producing a half-closed category.
	if len(notDue) > 0 {
		return report, faults.Validation(opCloseRound, "poll_still_running", nil).
			WithEntities(notDue...)
	}
	if len(open) == 0 {
		return report, faults.Conflict(opCloseRound, "results_already_recorded", nil).
			WithEntities("round:" + strconv.FormatInt(roundID, 10))
	}

	for _, poll := range open {
		if err := o.closePoll(ctx, poll, configs[poll.Category], nominationByKey, &report); err != nil {
			return report, err
		}
	}

	if err := o.postSummaries(ctx, roundID, configs, &report); err != nil {
		return report, err
	}

	o.logger.Info("round closed",
		zap.Int64("round_id", roundID),
		zap.Int("passed", len(report.PassedItems)),
		zap.Int("failed", len(report.FailedItems)))
	if o.notifier != nil {
		o.notifier.RoundClosed(ctx, roundID)
	}
	return report, nil
}

func (o *Orchestrator) closePoll(
	ctx context.Context,
	poll rounds.Poll,
	config rounds.CategoryConfig,
	nominationByKey map[string]rounds.Nomination,
	report *CloseReport,
) error {
	var yes, no int64
	fetchErr := o.postAs(ctx, o.newsActorID, func(token string) error {
		detail, err := o.forum.Topic(ctx, token, poll.TopicID)
		if err != nil {
			return err
		}
		if detail.Poll == nil {
			return faults.Validation(opCloseRound, "poll_missing_upstream", nil).
				WithEntities("topic:" + strconv.FormatInt(poll.TopicID, 10))
		}
		yes, _ = detail.Poll.Tally(pollOptionYes)
		no, _ = detail.Poll.Tally(pollOptionNo)
		return nil
	})
	if fetchErr != nil {
		return abortOnCredentialFailure(opCloseRound, o.newsActorID, fetchErr)
	}

	updated, err := o.rounds.RecordResults(ctx, poll.ID, yes, no)
	if err != nil {
		return err
	}
	passed := updated.Passed(config.VotingThreshold)
	if passed {
		report.PassedItems = append(report.PassedItems, poll.ItemID)
	} else {
		report.FailedItems = append(report.FailedItems, poll.ItemID)
	}

	item, err := o.catalog.ContentItem(ctx, poll.ItemID, catalog.FetchOptions{})
	if err != nil {
		return err
	}

	replyActor := o.newsActorID
	if nomination, ok := nominationByKey[pollKey(poll.Category, poll.ItemID)]; ok {
		replyActor = o.resolvePostingActor(ctx, nomination)
	}
	replyErr := o.postAs(ctx, replyActor, func(token string) error {
		_, err := o.forum.Reply(ctx, token, poll.TopicID, closingReplyBody(item, updated, config.VotingThreshold))
		return err
	})
	if replyErr != nil {
		return abortOnCredentialFailure(opCloseRound, replyActor, replyErr)
	}
	return nil
}

// postSummaries composes one aggregate reply per category from the now fully
// closed poll rows, so a resumed invocation still reports every item. The
// guarded results_post_id write keeps the summary reply single-shot.
func (o *Orchestrator) postSummaries(
	ctx context.Context,
	roundID int64,
	configs map[string]rounds.CategoryConfig,
	report *CloseReport,
) error {
	polls, err := o.rounds.PollsForRound(ctx, roundID)
	if err != nil {
		return err
	}

	resultsByCategory := map[string][]itemResult{}
	for _, poll := range polls {
		if !poll.HasResults() {
			continue
		}
		config := configs[poll.Category]
		item, err := o.catalog.ContentItem(ctx, poll.ItemID, catalog.FetchOptions{})
		if err != nil {
			return err
		}
		resultsByCategory[poll.Category] = append(resultsByCategory[poll.Category], itemResult{
			ItemID: poll.ItemID,
			Title:  itemDisplayTitle(item),
			Yes:    *poll.ResultYes,
			No:     *poll.ResultNo,
			Ratio:  poll.YesRatio(),
			Passed: poll.Passed(config.VotingThreshold),
		})
	}

	for category, results := range resultsByCategory {
		config := configs[category]
		if config.ResultsPostID != nil {
			report.SummaryPosts[category] = *config.ResultsPostID
			continue
		}
		if config.MainTopicID == nil {
			return faults.Validation(opCloseRound, "missing_main_topic", nil).
				WithEntities("category:" + category)
		}

		var postID int64
		postErr := o.postAs(ctx, o.newsActorID, func(token string) error {
			post, err := o.forum.Reply(ctx, token, *config.MainTopicID, summaryBody(results))
			if err != nil {
				return err
			}
			postID = post.PostID
			return nil
		})
		if postErr != nil {
			return abortOnCredentialFailure(opCloseRound, o.newsActorID, postErr)
		}

		wrote, err := o.rounds.SetResultsPost(ctx, roundID, category, postID)
		if err != nil {
			return err
		}
		if !wrote {
			o.logger.Warn("results post already recorded by a concurrent invocation",
				zap.Int64("round_id", roundID),
				zap.String("category", category),
				zap.Int64("orphan_post_id", postID))
			continue
		}
		report.SummaryPosts[category] = postID
	}
	return nil
}

func pollKey(category string, itemID int64) string {
	return category + "/" + strconv.FormatInt(itemID, 10)
}
