package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"github.com/curatehq/roundkeeper/internal/rounds"
)

// Posting templates are fixed so retried edits produce byte-identical bodies,
// which is what makes the link patch pass and closing replies idempotent.

func itemTopicTitle(category string, item catalog.ContentItem) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(category), itemDisplayTitle(item))
}

func pollQuestion(item catalog.ContentItem) string {
	return fmt.Sprintf("Should %s be published?", itemDisplayTitle(item))
}

func itemTopicBody(item catalog.ContentItem, mainTopicID int64) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Community vote for [b]%s[/b].\n\n", itemDisplayTitle(item))
	builder.WriteString("Vote [b]Yes[/b] if this entry should be published, or [b]No[/b] otherwise.\n")
	if mainTopicID != 0 {
		fmt.Fprintf(&builder, "\nAll entries in this category: [topic]%d[/topic]\n", mainTopicID)
	}
	return builder.String()
}

func mainTopicTitle(roundName, category string) string {
	return fmt.Sprintf("[%s] %s voting", strings.ToUpper(category), roundName)
}

func mainTopicBody(roundName, category string, entries []mainTopicEntry) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Voting for %s (%s) is open. The entries:\n\n", roundName, category)
	for _, entry := range entries {
		fmt.Fprintf(&builder, "[b]%s[/b]: [topic]%d[/topic]\n", entry.Title, entry.TopicID)
	}
	return builder.String()
}

func closingReplyBody(item catalog.ContentItem, poll rounds.Poll, threshold float64) string {
	percentage := poll.YesRatio() * 100
	if poll.Passed(threshold) {
		return fmt.Sprintf(
			"The vote for [b]%s[/b] has concluded with [b][color=#22863a]%.2f%%[/color][/b] in favour (%d yes / %d no). It will be published!",
			itemDisplayTitle(item), percentage, *poll.ResultYes, *poll.ResultNo)
	}
	return fmt.Sprintf(
		"The vote for [b]%s[/b] has concluded with [b][color=#cb2431]%.2f%%[/color][/b] in favour (%d yes / %d no). It will not be published this time.",
		itemDisplayTitle(item), percentage, *poll.ResultYes, *poll.ResultNo)
}

func summaryBody(results []itemResult) string {
	ordered := append([]itemResult(nil), results...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ItemID < ordered[j].ItemID })

	var passed, failed []itemResult
	for _, result := range ordered {
		if result.Passed {
			passed = append(passed, result)
		} else {
			failed = append(failed, result)
		}
	}

	var builder strings.Builder
	builder.WriteString("Voting has concluded. Results:\n")
	if len(passed) > 0 {
		builder.WriteString("\nPassed:\n")
		for _, result := range passed {
			fmt.Fprintf(&builder, "[b][color=#22863a]%s[/color][/b] - %.2f%% (%d yes / %d no)\n",
				result.Title, result.Ratio*100, result.Yes, result.No)
		}
	}
	if len(failed) > 0 {
		builder.WriteString("\nFailed:\n")
		for _, result := range failed {
			fmt.Fprintf(&builder, "[b][color=#cb2431]%s[/color][/b] - %.2f%% (%d yes / %d no)\n",
				result.Title, result.Ratio*100, result.Yes, result.No)
		}
	}
	return builder.String()
}
