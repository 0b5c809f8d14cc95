package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/airylvat/mathletics-bot/engine"
	"github.com/airylvat/mathletics-bot/leaderboard"

	"github.com/bwmarrin/discordgo"
)

const (
	colorInfo      = 0xb8eefa
	colorCorrect   = 0x00ff00
	colorIncorrect = 0xff0000
	colorForfeit   = 0xff6600
	colorEnded     = 0xffff00
	colorHelp      = 0x3498db
)

func field(name, value string, inline bool) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{Name: name, Value: value, Inline: inline}
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

// parseChannelMention accepts <#id> or a bare numeric id.
func parseChannelMention(arg string) (string, bool) {
	id := strings.TrimSuffix(strings.TrimPrefix(arg, "<#"), ">")
	if id == "" {
		return "", false
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", false
	}
	return id, true
}

func questionOverviewEmbed(questionID, baseScore int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Question Overview",
		Description: fmt.Sprintf("Question: %d", questionID),
		Color:       colorInfo,
		Fields: []*discordgo.MessageEmbedField{
			field("Maximum Achievable Score", strconv.Itoa(baseScore), true),
		},
	}
}

// attemptEmbed reports one graded answer. An empty team renders the
// competitor's view; otherwise the moderation view.
func attemptEmbed(team string, questionID int, res engine.AnswerResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Submission Results",
		Description: fmt.Sprintf("Question: %d", questionID),
		Color:       colorIncorrect,
	}
	if team != "" {
		embed.Title = team
		embed.Description = fmt.Sprintf("Question %d Submission Results", questionID)
	}
	result := "Incorrect"
	if res.Correct {
		result = "Correct"
		embed.Color = colorCorrect
	}
	embed.Fields = []*discordgo.MessageEmbedField{
		field("Result", result, true),
		field("Attempts", strconv.Itoa(res.Attempts), true),
		field("Elapsed Time", fmt.Sprintf("%d seconds", res.ElapsedSeconds), true),
	}
	return embed
}

func summaryEmbed(team string, questionID int, res engine.AnswerResult) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Result",
		Description: fmt.Sprintf("Question %d Summary", questionID),
		Color:       colorInfo,
		Fields: []*discordgo.MessageEmbedField{
			field("Result", "Correct", false),
			field("Question", strconv.Itoa(questionID), true),
			field("Attempts", strconv.Itoa(res.Attempts), true),
			field("Score", strconv.Itoa(res.PointsAwarded), true),
			field("Total Score", strconv.Itoa(res.NewTotal), true),
		},
	}
	if team != "" {
		embed.Title = team
	}
	if b := res.Breakdown; b.DecayMultiplier < 1 {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Solved after the %d second threshold; time decay x%.2f applied.", b.Threshold, b.DecayMultiplier),
		}
	}
	return embed
}

func forfeitEmbed(questionID int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Question Forfeited",
		Description: fmt.Sprintf("Question: %d", questionID),
		Color:       colorForfeit,
		Fields:      []*discordgo.MessageEmbedField{field("Score", "0", true)},
	}
}

func endedEmbed(resChannelID string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Question Overview",
		Description: fmt.Sprintf("**The competition has ended. Congratulations on your results. You can view the leaderboard in %s.**",
			channelMention(resChannelID)),
		Color: colorEnded,
	}
}

func statusEmbed(c *Competition) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Status",
		Description: "Competition: " + c.Name,
		Color:       colorInfo,
		Fields: []*discordgo.MessageEmbedField{
			field("moderation channel", channelMention(c.ModChannel()), true),
			field("results channel", channelMention(c.ResChannel()), true),
			field("active", strconv.FormatBool(c.Active()), true),
		},
	}
	for _, b := range c.Bindings() {
		embed.Fields = append(embed.Fields, field("competitors", fmt.Sprintf("%s: team %d", channelMention(b.ChannelID), b.TeamID), true))
	}
	return embed
}

func leaderboardEmbed(snap leaderboard.Snapshot) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Title: "Live Leaderboard", Color: colorInfo}
	if len(snap.Entries) == 0 {
		embed.Description = "No teams registered yet."
		return embed
	}
	var sb strings.Builder
	for _, e := range snap.Entries {
		fmt.Fprintf(&sb, "**%d.** %s: %d\n", e.Position, e.TeamName, e.TotalScore)
	}
	embed.Description = sb.String()
	return embed
}

func helpEmbed(prefix string) *discordgo.MessageEmbed {
	cmd := func(name, args string) string {
		if args == "" {
			return "`" + prefix + name + "`"
		}
		return "`" + prefix + name + " " + args + "`"
	}
	return &discordgo.MessageEmbed{
		Title:       "Help",
		Description: "List of available commands:",
		Color:       colorHelp,
		Fields: []*discordgo.MessageEmbedField{
			field("Competitors", strings.Join([]string{
				cmd("submit", "<question number>"),
				cmd("leaderboard", ""),
				cmd("hello", ""),
			}, "\n"), false),
			field("Invigilators", strings.Join([]string{
				cmd("set_comp", "<name> <#moderation-channel> <#results-channel>"),
				cmd("set_questions", "(attach .csv)"),
				cmd("set_teams", "(attach .csv)"),
				cmd("competitor", "<team id>"),
				cmd("remove_competitor", ""),
				cmd("start_comp", ""),
				cmd("stop_comp", ""),
				cmd("end_comp", ""),
				cmd("status", ""),
				cmd("update_mod_channel", "<#channel>"),
				cmd("update_res_channel", "<#channel>"),
			}, "\n"), false),
		},
	}
}

// userMessage renders an engine error for a competitor.
func userMessage(err error) string {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		if errors.Is(err, engine.ErrStorage) {
			return "Something went wrong while saving. Please contact an invigilator."
		}
		msg := "**" + capitalize(engErr.Reason) + ".**"
		if engErr.Hint != "" {
			msg += " Please " + engErr.Hint + "."
		}
		return msg
	}
	return "Something went wrong. Please contact an invigilator."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
