package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"github.com/curatehq/roundkeeper/internal/faults"
	"github.com/curatehq/roundkeeper/internal/forum"
	"github.com/curatehq/roundkeeper/internal/rounds"
	"go.uber.org/zap"
)

// OpenReport summarizes one open-round invocation so an operator can
// reconcile a partially completed run.
type OpenReport struct {
	RoundID      int64
	CreatedItems []int64
	SkippedItems []int64
	MainTopics   map[string]int64
}

// OpenRound creates the external topic and poll for every nomination of the
// round that does not have one yet, then the per-category main topics, then
// patches each item topic's first post with a link to its main topic.
//
// postingOrder names the categories in forward priority order. Topics are
// created in reverse, so the external platform's reverse-chronological
// listing shows them to viewers in forward order. Work inside an invocation
// is strictly sequential for the same reason.
func (o *Orchestrator) OpenRound(ctx context.Context, roundID int64, postingOrder []string) (OpenReport, error) {
	report := OpenReport{RoundID: roundID, MainTopics: map[string]int64{}}

	round, err := o.rounds.Round(ctx, roundID)
	if err != nil {
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

	if len(postingOrder) == 0 {
		return report, faults.Validation(opOpenRound, "missing_posting_order", nil)
	}
	ordered := map[string]struct{}{}
	for _, category := range postingOrder {
		if _, ok := configs[category]; !ok {
			return report, faults.Validation(opOpenRound, "unknown_category", nil).
				WithEntities("category:" + category)
		}
		ordered[category] = struct{}{}
	}

	byCategory := map[string][]rounds.Nomination{}
	var unresolved []string
	for _, nomination := range nominations {
		if _, ok := ordered[nomination.Category]; !ok {
			return report, faults.Validation(opOpenRound, "category_not_in_posting_order", nil).
				WithEntities("nomination:" + strconv.FormatInt(nomination.ID, 10))
		}
		if nomination.DescriptionAuthorID == nil {
			unresolved = append(unresolved, "nomination:"+strconv.FormatInt(nomination.ID, 10))
		}
		byCategory[nomination.Category] = append(byCategory[nomination.Category], nomination)
	}
	// Every nomination needs a resolved description author before the first
	// external call; authorship is supplied by a collaborator and only
	// checked here.
	if len(unresolved) > 0 {
		return report, faults.Validation(opOpenRound, "missing_description_author", nil).
			WithEntities(unresolved...)
	}

	now := o.clock().UTC()

	for i := len(postingOrder) - 1; i >= 0; i-- {
		category := postingOrder[i]
		categoryNominations := byCategory[category]
		for j := len(categoryNominations) - 1; j >= 0; j-- {
			nomination := categoryNominations[j]

			_, exists, err := o.rounds.PollByKey(ctx, roundID, category, nomination.ItemID)
			if err != nil {
				return report, err
			}
			if exists {
				report.SkippedItems = append(report.SkippedItems, nomination.ItemID)
				continue
			}

			item, err := o.catalog.ContentItem(ctx, nomination.ItemID, catalog.FetchOptions{})
			if err != nil {
				return report, err
			}

			actorID := o.resolvePostingActor(ctx, nomination)
			var topic forum.Topic
			postErr := o.postAs(ctx, actorID, func(token string) error {
				created, err := o.forum.CreateTopic(ctx, token, forum.CreateTopicRequest{
					Title: itemTopicTitle(category, item),
					Body:  itemTopicBody(item, 0),
					Poll: &forum.PollSpec{
						Title:      pollQuestion(item),
						Options:    []string{pollOptionYes, pollOptionNo},
						LengthDays: o.pollLengthDays,
						MaxVotes:   1,
					},
				})
				if err != nil {
					return err
				}
				topic = created
				return nil
			})
			if postErr != nil {
				return report, abortOnCredentialFailure(opOpenRound, actorID, postErr)
			}

			if _, err := o.rounds.CreatePoll(ctx, rounds.Poll{
				RoundID:     roundID,
				Category:    category,
				ItemID:      nomination.ItemID,
				TopicID:     topic.TopicID,
				FirstPostID: topic.FirstPostID,
				OpenedAt:    now,
				EndedAt:     now.AddDate(0, 0, o.pollLengthDays),
			}); err != nil {
				return report, err
			}
			report.CreatedItems = append(report.CreatedItems, nomination.ItemID)
		}
	}

	if err := o.createMainTopics(ctx, round, postingOrder, configs, byCategory, &report); err != nil {
		return report, err
	}
	if err := o.patchItemTopics(ctx, roundID, configs); err != nil {
		return report, err
	}

	o.logger.Info("round opened",
		zap.Int64("round_id", roundID),
		zap.Int("created", len(report.CreatedItems)),
		zap.Int("skipped", len(report.SkippedItems)))
	if o.notifier != nil {
		o.notifier.RoundOpened(ctx, roundID)
	}
	return report, nil
}

// createMainTopics creates one aggregate topic per category, again in reverse
// posting order. The stored main_topic_id is the idempotency guard: a crashed
// invocation resumes here without duplicating a category's main topic.
func (o *Orchestrator) createMainTopics(
	ctx context.Context,
	round rounds.Round,
	postingOrder []string,
	configs map[string]rounds.CategoryConfig,
	byCategory map[string][]rounds.Nomination,
	report *OpenReport,
) error {
	polls, err := o.rounds.PollsForRound(ctx, round.ID)
	if err != nil {
		return err
	}
	pollsByCategory := map[string][]rounds.Poll{}
	for _, poll := range polls {
		pollsByCategory[poll.Category] = append(pollsByCategory[poll.Category], poll)
	}

	for i := len(postingOrder) - 1; i >= 0; i-- {
		category := postingOrder[i]
		config := configs[category]
		if config.MainTopicID != nil {
			report.MainTopics[category] = *config.MainTopicID
			continue
		}
		if len(byCategory[category]) == 0 {
			continue
		}

		entries, err := o.mainTopicEntries(ctx, pollsByCategory[category])
		if err != nil {
			return err
		}

		var topic forum.Topic
		postErr := o.postAs(ctx, o.newsActorID, func(token string) error {
			created, err := o.forum.CreateTopic(ctx, token, forum.CreateTopicRequest{
				Title: mainTopicTitle(round.Name, category),
				Body:  mainTopicBody(round.Name, category, entries),
			})
			if err != nil {
				return err
			}
			topic = created
			return nil
		})
		if postErr != nil {
			return abortOnCredentialFailure(opOpenRound, o.newsActorID, postErr)
		}

		wrote, err := o.rounds.SetMainTopic(ctx, round.ID, category, topic.TopicID)
		if err != nil {
			return err
		}
		if !wrote {
			// Lost a race with a concurrent invocation; its topic wins and
			// ours stays as an orphan for the operator to clean up.
			o.logger.Warn("main topic already recorded by a concurrent invocation",
				zap.Int64("round_id", round.ID),
				zap.String("category", category),
				zap.Int64("orphan_topic_id", topic.TopicID))
			refreshed, err := o.categoryConfigsByName(ctx, round.ID)
			if err != nil {
				return err
			}
			config = refreshed[category]
			if config.MainTopicID != nil {
				report.MainTopics[category] = *config.MainTopicID
			}
			configs[category] = config
			continue
		}
		mainTopicID := topic.TopicID
		config.MainTopicID = &mainTopicID
		configs[category] = config
		report.MainTopics[category] = mainTopicID
	}
	return nil
}

// patchItemTopics forward-links every item topic's first post to its
// category's main topic. The main topic id does not exist until after all
// item topics are created, hence the second pass; post edits are idempotent
// so the pass is safe to re-run after a crash.
func (o *Orchestrator) patchItemTopics(
	ctx context.Context,
	roundID int64,
	configs map[string]rounds.CategoryConfig,
) error {
	polls, err := o.rounds.PollsForRound(ctx, roundID)
	if err != nil {
		return err
	}

	for _, poll := range polls {
		config := configs[poll.Category]
		if config.MainTopicID == nil {
			continue
		}
		item, err := o.catalog.ContentItem(ctx, poll.ItemID, catalog.FetchOptions{})
		if err != nil {
			return err
		}
		body := itemTopicBody(item, *config.MainTopicID)
		postErr := o.postAs(ctx, o.newsActorID, func(token string) error {
			return o.forum.UpdatePost(ctx, token, poll.FirstPostID, body)
		})
		if postErr != nil {
			return abortOnCredentialFailure(opOpenRound, o.newsActorID, postErr)
		}
	}
	return nil
}

type mainTopicEntry struct {
	Title   string
	TopicID int64
}

func (o *Orchestrator) mainTopicEntries(ctx context.Context, polls []rounds.Poll) ([]mainTopicEntry, error) {
	entries := make([]mainTopicEntry, 0, len(polls))
	for _, poll := range polls {
		item, err := o.catalog.ContentItem(ctx, poll.ItemID, catalog.FetchOptions{})
		if err != nil {
			return nil, err
		}
		entries = append(entries, mainTopicEntry{Title: itemDisplayTitle(item), TopicID: poll.TopicID})
	}
	return entries, nil
}

func (o *Orchestrator) categoryConfigsByName(ctx context.Context, roundID int64) (map[string]rounds.CategoryConfig, error) {
	configs, err := o.rounds.CategoryConfigs(ctx, roundID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]rounds.CategoryConfig, len(configs))
	for _, config := range configs {
		byName[config.Category] = config
	}
	return byName, nil
}

func itemDisplayTitle(item catalog.ContentItem) string {
	if item.Artist == "" {
		return item.Title
	}
	return fmt.Sprintf("%s - %s", item.Artist, item.Title)
}
