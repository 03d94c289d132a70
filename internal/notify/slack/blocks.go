package slack

import (
	"fmt"
	"strings"
	"time"

	slacklib "github.com/slack-go/slack"

	"github.com/civicgov/civicguard/internal/domain"
)

// maxIndicatorLines caps how many indicators are listed in one alert.
const maxIndicatorLines = 5

// Summary is the plain-text fallback for a threat alert.
func Summary(t *domain.Threat) string {
	return fmt.Sprintf("[%s] %s from %s", strings.ToUpper(string(t.Level)), t.Type, t.Source)
}

// BuildThreatBlocks builds Slack Block Kit blocks for a threat alert.
func BuildThreatBlocks(t *domain.Threat) []slacklib.Block {
	header := fmt.Sprintf("*%s* `%s`\n*Source:* %s", t.Type, t.Level, t.Source)
	if t.Target != "" {
		header += fmt.Sprintf("\n*Target:* %s", t.Target)
	}
	header += fmt.Sprintf("\n*Status:* %s", t.Status)

	blocks := []slacklib.Block{
		slacklib.NewSectionBlock(
			slacklib.NewTextBlockObject(slacklib.MarkdownType, header, false, false),
			nil,
			nil,
		),
	}

	if len(t.Indicators) > 0 {
		var b strings.Builder
		for i, ind := range t.Indicators {
			if i == maxIndicatorLines {
				fmt.Fprintf(&b, "… and %d more", len(t.Indicators)-maxIndicatorLines)
				break
			}
			fmt.Fprintf(&b, "• %s (%.2f)\n", ind.Description, ind.Confidence)
		}
		blocks = append(blocks, slacklib.NewSectionBlock(
			slacklib.NewTextBlockObject(slacklib.MarkdownType, b.String(), false, false),
			nil,
			nil,
		))
	}

	blocks = append(blocks, slacklib.NewContextBlock("threat_context",
		slacklib.NewTextBlockObject(slacklib.PlainTextType,
			fmt.Sprintf("%s · detected %s", t.ID, t.DetectedAt.UTC().Format(time.RFC3339)), false, false),
	))
	return blocks
}
