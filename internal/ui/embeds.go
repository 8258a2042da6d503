// Package ui renders the Discord embeds the bot replies with.
package ui

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"musicstart/internal/lang"
	"musicstart/internal/queue"
	"musicstart/internal/track"
)

const (
	colorPlaying = 0x006400
	colorError   = 0x8B0000
	colorNeutral = 0x2B2D31
)

func EscapeMd(s string) string {
	repl := []string{"*", "\\*", "_", "\\_", "`", "\\`", "~", "\\~"}
	r := strings.NewReplacer(repl...)
	return r.Replace(s)
}

func trackLink(t *track.Track) string {
	return fmt.Sprintf("[%s](%s)", EscapeMd(t.Title), t.URL)
}

// countStr renders a like/view count, with "?" for unknown.
func countStr(n int) string {
	if n == track.CountUnknown {
		return "?"
	}
	return humanize.Comma(int64(n))
}

// TrackEmbed shows one track with its counters. title is the already
// localized embed headline.
func TrackEmbed(t *track.Track, title, locale string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: trackLink(t),
		Color:       colorPlaying,
		Fields: []*discordgo.MessageEmbedField{
			{Name: lang.T(locale, "embed.views"), Value: countStr(t.ViewCount), Inline: true},
			{Name: lang.T(locale, "embed.likes"), Value: countStr(t.Likes), Inline: true},
			{Name: lang.T(locale, "embed.plays"), Value: humanize.Comma(int64(t.PlayCount())), Inline: true},
		},
	}
}

// QueueEmbed renders one queue page. The current track's row is bolded
// and marked.
func QueueEmbed(title string, entries []queue.Entry, total int, locale string) *discordgo.MessageEmbed {
	var b strings.Builder
	for _, e := range entries {
		if e.Current {
			fmt.Fprintf(&b, "▶ **`%d.` %s**\n", e.Index, EscapeMd(e.Title))
			continue
		}
		fmt.Fprintf(&b, "`%d.` %s\n", e.Index, EscapeMd(e.Title))
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: b.String(),
		Color:       colorNeutral,
		Footer: &discordgo.MessageEmbedFooter{
			Text: lang.T(locale, "embed.total", total),
		},
	}
}

func ErrorEmbed(msg string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: msg,
		Color:       colorError,
	}
}
