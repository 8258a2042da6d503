package bot

import (
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"musicstart/internal/lang"
	"musicstart/internal/playback"
	"musicstart/internal/track"
	"musicstart/internal/ui"
)

// channelNotifier delivers playback notifications to the text channel the
// guild last interacted from. With no channel on record it stays silent.
type channelNotifier struct {
	dg      *discordgo.Session
	guildID string

	mu        sync.Mutex
	channelID string
	session   *playback.Session
}

func (n *channelNotifier) bind(s *playback.Session) {
	n.mu.Lock()
	n.session = s
	n.mu.Unlock()
}

func (n *channelNotifier) SetChannel(channelID string) {
	n.mu.Lock()
	n.channelID = channelID
	n.mu.Unlock()
}

func (n *channelNotifier) target() (channelID, locale string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	locale = lang.Default
	if n.session != nil {
		locale = n.session.Language()
	}
	return n.channelID, locale
}

func (n *channelNotifier) send(embed *discordgo.MessageEmbed) {
	chID, _ := n.target()
	if chID == "" {
		return
	}
	if _, err := n.dg.ChannelMessageSendEmbed(chID, embed); err != nil {
		slog.Warn("notification send failed", "guildID", n.guildID, "channelID", chID, "err", err)
	}
}

func (n *channelNotifier) NowPlaying(t *track.Track) {
	_, locale := n.target()
	n.send(ui.TrackEmbed(t, lang.T(locale, "embed.now_playing"), locale))
}

func (n *channelNotifier) PlaybackError(err error) {
	_, locale := n.target()
	n.send(ui.ErrorEmbed(lang.T(locale, "notify.error", err)))
}

func (n *channelNotifier) AutoPaused() {
	_, locale := n.target()
	n.send(ui.ErrorEmbed(lang.T(locale, "notify.auto_paused")))
}

// notifierRegistry hands out one notifier per guild.
type notifierRegistry struct {
	dg *discordgo.Session
	mu sync.Mutex
	m  map[string]*channelNotifier
}

func newNotifierRegistry(dg *discordgo.Session) *notifierRegistry {
	return &notifierRegistry{dg: dg, m: make(map[string]*channelNotifier)}
}

func (r *notifierRegistry) get(guildID string) *channelNotifier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.m[guildID]; ok {
		return n
	}
	n := &channelNotifier{dg: r.dg, guildID: guildID}
	r.m[guildID] = n
	return n
}
