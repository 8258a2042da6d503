package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"musicstart/internal/config"
	"musicstart/internal/lang"
	"musicstart/internal/playback"
	"musicstart/internal/queue"
	"musicstart/internal/storage"
	"musicstart/internal/track"
	"musicstart/internal/ui"
)

const queuePageSize = 10

type CommandHandler struct {
	cfg       *config.Config
	store     *storage.Store
	sessions  *playback.SessionStore
	resolver  playback.Resolver
	notifiers *notifierRegistry
}

func NewCommandHandler(
	cfg *config.Config,
	store *storage.Store,
	sessions *playback.SessionStore,
	res playback.Resolver,
	notifiers *notifierRegistry,
) *CommandHandler {
	return &CommandHandler{cfg: cfg, store: store, sessions: sessions, resolver: res, notifiers: notifiers}
}

func (h *CommandHandler) RegisterCommands(s *discordgo.Session, appID string, guildID string) error {
	start := time.Now()
	slog.Info("registering application commands", "appID", appID, "guildID", guildID)

	cmds := []*discordgo.ApplicationCommand{
		{Name: "attach", Description: "Join your voice channel"},
		{Name: "bye", Description: "Leave the voice channel (the queue is kept)"},
		{
			Name:        "play",
			Description: "Queue a song (YouTube/Spotify link or search) and start playing if idle",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "query", Description: "link or search terms", Type: discordgo.ApplicationCommandOptionString, Required: true},
			},
		},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{
			Name:        "list",
			Description: "Show the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "page", Description: "page to show [default: 1]", Type: discordgo.ApplicationCommandOptionInteger},
			},
		},
		{Name: "distinct", Description: "Drop duplicate entries, keeping the first of each"},
		{
			Name:        "jump",
			Description: "Jump to a queue entry and play it",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "index", Description: "entry number (negative counts from the end)", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
			},
		},
		{
			Name:        "swap",
			Description: "Swap two queue entries",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "first", Description: "entry number", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
				{Name: "second", Description: "entry number", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
			},
		},
		{
			Name:        "remove",
			Description: "Remove a queue entry",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "index", Description: "entry number", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
			},
		},
		{Name: "clear", Description: "Stop playback and empty the queue"},
		{Name: "sort", Description: "Sort the queue by title"},
		{Name: "shuffle", Description: "Shuffle the queue"},
		{
			Name:        "search",
			Description: "Find queue entries by title",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "pattern", Description: "regex or substring (reuses the last one when omitted)", Type: discordgo.ApplicationCommandOptionString},
			},
		},
		{Name: "next", Description: "Skip to the next track"},
		{Name: "pre", Description: "Go back to the previous track"},
		{
			Name:        "vol",
			Description: "Show or set the volume",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "volume", Description: "0 to 1", Type: discordgo.ApplicationCommandOptionNumber},
			},
		},
		{Name: "repeat", Description: "Toggle repeating the current track"},
		{
			Name:        "verbose",
			Description: "Toggle announcements when the queue auto-advances",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "truth", Description: "true to announce", Type: discordgo.ApplicationCommandOptionBoolean, Required: true},
			},
		},
		{
			Name:        "json",
			Description: "Export the queue as JSON, or import a document",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "document", Description: "a previously exported queue document", Type: discordgo.ApplicationCommandOptionString},
			},
		},
		{
			Name:        "lang",
			Description: "Set the reply language",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Name: "language", Description: "language tag", Type: discordgo.ApplicationCommandOptionString, Required: true,
					Choices: langChoices(),
				},
			},
		},
	}

	for _, c := range cmds {
		if _, err := s.ApplicationCommandCreate(appID, guildID, c); err != nil {
			slog.Error("failed to create application command", "guildID", guildID, "command", c.Name, "err", err)
			return err
		}
	}

	slog.Info("finished registering commands", "guildID", guildID, "count", len(cmds), "took", time.Since(start))
	return nil
}

func langChoices() []*discordgo.ApplicationCommandOptionChoice {
	tags := lang.Supported()
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(tags))
	for _, tag := range tags {
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: tag, Value: tag})
	}
	return out
}

func (h *CommandHandler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	slog.Debug("interaction: application command", "guildID", i.GuildID, "userID", userIDOf(i), "command", data.Name)

	switch data.Name {
	case "attach":
		h.cmdAttach(s, i)
	case "bye":
		h.cmdBye(s, i)
	case "play":
		h.cmdPlay(s, i)
	case "pause":
		h.cmdPause(s, i)
	case "resume":
		h.cmdResume(s, i)
	case "list":
		h.cmdList(s, i)
	case "distinct":
		h.cmdDistinct(s, i)
	case "jump":
		h.cmdJump(s, i)
	case "swap":
		h.cmdSwap(s, i)
	case "remove":
		h.cmdRemove(s, i)
	case "clear":
		h.cmdClear(s, i)
	case "sort":
		h.cmdSort(s, i)
	case "shuffle":
		h.cmdShuffle(s, i)
	case "search":
		h.cmdSearch(s, i)
	case "next":
		h.cmdNext(s, i)
	case "pre":
		h.cmdPre(s, i)
	case "vol":
		h.cmdVol(s, i)
	case "repeat":
		h.cmdRepeat(s, i)
	case "verbose":
		h.cmdVerbose(s, i)
	case "json":
		h.cmdJSON(s, i)
	case "lang":
		h.cmdLang(s, i)
	default:
		slog.Debug("unknown command", "name", data.Name, "guildID", i.GuildID)
	}
}

// sessionFor returns the guild's session and points its notifier at the
// channel the interaction came from.
func (h *CommandHandler) sessionFor(i *discordgo.InteractionCreate) *playback.Session {
	h.notifiers.get(i.GuildID).SetChannel(i.ChannelID)
	return h.sessions.GetOrCreate(i.GuildID)
}

func (h *CommandHandler) persist(sess *playback.Session) {
	sess.Persist(context.Background())
}

func (h *CommandHandler) reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: flags},
	}); err != nil {
		slog.Warn("reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) replyEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
	}); err != nil {
		slog.Warn("reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) deferReply(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		slog.Warn("defer reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) editReply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		slog.Warn("edit reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) editReplyEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{embed},
	}); err != nil {
		slog.Warn("edit reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func userIDOf(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func userInVoice(s *discordgo.Session, guildID, userID string) (channelID string, ok bool) {
	g, _ := s.State.Guild(guildID)
	if g == nil {
		g, _ = s.Guild(guildID)
	}
	if g == nil {
		return "", false
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, true
		}
	}
	return "", false
}

// startCurrent plays the track under the cursor and edits the deferred
// reply with the outcome.
func (h *CommandHandler) startCurrent(s *discordgo.Session, i *discordgo.InteractionCreate, sess *playback.Session) {
	locale := sess.Language()
	cur := sess.Queue.Current()
	if cur == nil {
		h.editReply(s, i, lang.T(locale, "queue.empty"))
		return
	}
	if err := sess.Play(context.Background(), cur); err != nil {
		if errors.Is(err, playback.ErrSuperseded) {
			return
		}
		slog.Warn("play failed", "guildID", i.GuildID, "title", cur.Title, "err", err)
		h.editReply(s, i, h.playErrorText(locale, err))
		return
	}
	h.editReplyEmbed(s, i, ui.TrackEmbed(cur, lang.T(locale, "embed.now_playing"), locale))
}

func (h *CommandHandler) playErrorText(locale string, err error) string {
	switch {
	case errors.Is(err, playback.ErrNotConnected):
		return lang.T(locale, "error.not_connected")
	case errors.Is(err, playback.ErrSourceUnavailable):
		return lang.T(locale, "error.unavailable")
	default:
		return lang.T(locale, "error.generic", err)
	}
}

func (h *CommandHandler) cmdAttach(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	chID, ok := userInVoice(s, i.GuildID, userIDOf(i))
	if !ok {
		h.reply(s, i, lang.T(locale, "attach.no_voice"), true)
		return
	}
	if err := sess.Connect(chID); err != nil {
		slog.Warn("voice connect failed", "guildID", i.GuildID, "channelID", chID, "err", err)
		h.reply(s, i, lang.T(locale, "attach.failed", err), true)
		return
	}
	h.reply(s, i, lang.T(locale, "attach.ok"), false)
}

func (h *CommandHandler) cmdBye(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if !sess.Connected() {
		h.reply(s, i, lang.T(locale, "error.not_connected"), true)
		return
	}
	h.persist(sess)
	sess.Disconnect()
	h.reply(s, i, lang.T(locale, "bye"), false)
}

func (h *CommandHandler) cmdPlay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()

	var query string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "query" {
			query = strings.TrimSpace(o.StringValue())
		}
	}
	if query == "" {
		h.reply(s, i, lang.T(locale, "play.need_query"), true)
		return
	}
	slog.Info("cmd play", "guildID", i.GuildID, "userID", userIDOf(i), "query", query)

	if !sess.Connected() {
		chID, ok := userInVoice(s, i.GuildID, userIDOf(i))
		if !ok {
			h.reply(s, i, lang.T(locale, "attach.no_voice"), true)
			return
		}
		if err := sess.Connect(chID); err != nil {
			slog.Warn("voice connect failed", "guildID", i.GuildID, "channelID", chID, "err", err)
			h.reply(s, i, lang.T(locale, "attach.failed", err), true)
			return
		}
	}

	h.deferReply(s, i)

	res, err := h.resolver.Resolve(context.Background(), query)
	if err != nil {
		slog.Debug("resolve failed", "guildID", i.GuildID, "query", query, "err", err)
		h.editReply(s, i, lang.T(locale, "error.unavailable"))
		return
	}
	t := track.New(res.URL, res.Title, res.Likes, res.ViewCount)
	sess.Queue.Add(t)
	h.persist(sess)

	if sess.Status() != playback.StatusIdle {
		h.editReply(s, i, lang.T(locale, "play.queued", ui.EscapeMd(t.Title)))
		return
	}
	// Idle: start with the track that was just added.
	sess.Queue.Jump(sess.Queue.Len() - 1)
	h.startCurrent(s, i, sess)
}

func (h *CommandHandler) cmdPause(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.Pause() {
		h.reply(s, i, lang.T(locale, "pause.ok"), false)
		return
	}
	h.reply(s, i, lang.T(locale, "pause.noop"), true)
}

func (h *CommandHandler) cmdResume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.Unpause() {
		h.reply(s, i, lang.T(locale, "resume.ok"), false)
		return
	}
	h.reply(s, i, lang.T(locale, "resume.noop"), true)
}

func (h *CommandHandler) cmdList(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()

	page := 1
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "page" {
			page = int(o.IntValue())
		}
	}

	pageCount := sess.Queue.PageCount(queuePageSize)
	if pageCount == 0 {
		h.reply(s, i, lang.T(locale, "list.empty"), true)
		return
	}
	shown := queue.NormalizePage(page-1, pageCount)
	entries := sess.Queue.Page(shown, queuePageSize)
	title := lang.T(locale, "list.title", shown+1, pageCount)
	h.replyEmbed(s, i, ui.QueueEmbed(title, entries, sess.Queue.Len(), locale))
}

func (h *CommandHandler) cmdDistinct(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	n := sess.Queue.RemoveDuplicates()
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "distinct.ok", n), false)
}

func (h *CommandHandler) cmdJump(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.Queue.IsEmpty() {
		h.reply(s, i, lang.T(locale, "queue.empty"), true)
		return
	}
	var idx int
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "index" {
			idx = int(o.IntValue())
		}
	}
	h.deferReply(s, i)
	sess.Queue.Jump(idx)
	h.persist(sess)
	h.startCurrent(s, i, sess)
}

func (h *CommandHandler) cmdSwap(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	var first, second int
	for _, o := range i.ApplicationCommandData().Options {
		switch o.Name {
		case "first":
			first = int(o.IntValue())
		case "second":
			second = int(o.IntValue())
		}
	}
	if !sess.Queue.Swap(first, second) {
		h.reply(s, i, lang.T(locale, "swap.bad"), true)
		return
	}
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "swap.ok"), false)
}

func (h *CommandHandler) cmdRemove(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.Queue.IsEmpty() {
		h.reply(s, i, lang.T(locale, "remove.bad"), true)
		return
	}
	var idx int
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "index" {
			idx = int(o.IntValue())
		}
	}

	n := sess.Queue.Len()
	norm := ((idx % n) + n) % n
	title := sess.Queue.Tracks()[norm].Title

	if !sess.Queue.Remove(idx, sess.Playing()) {
		h.reply(s, i, lang.T(locale, "remove.refused"), true)
		return
	}
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "remove.ok", ui.EscapeMd(title)), false)
}

func (h *CommandHandler) cmdClear(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	sess.Stop()
	sess.Queue.RemoveAll()
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "clear.ok"), false)
}

func (h *CommandHandler) cmdSort(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	sess.Queue.Sort(locale)
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "sort.ok"), false)
}

func (h *CommandHandler) cmdShuffle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	sess.Queue.Shuffle()
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "shuffle.ok"), false)
}

func (h *CommandHandler) cmdSearch(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	var pattern string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "pattern" {
			pattern = o.StringValue()
		}
	}

	hits := sess.Queue.Search(pattern)
	if hits == nil {
		h.reply(s, i, lang.T(locale, "search.need_query"), true)
		return
	}
	if len(hits) == 0 {
		h.reply(s, i, lang.T(locale, "search.none"), true)
		return
	}

	tracks := sess.Queue.Tracks()
	var b strings.Builder
	for n, idx := range hits {
		if n == queuePageSize {
			fmt.Fprintf(&b, "…\n")
			break
		}
		fmt.Fprintf(&b, "`%d.` %s\n", idx, ui.EscapeMd(tracks[idx].Title))
	}
	h.reply(s, i, b.String(), false)
}

func (h *CommandHandler) cmdNext(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.skip(s, i, 1)
}

func (h *CommandHandler) cmdPre(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.skip(s, i, -1)
}

func (h *CommandHandler) skip(s *discordgo.Session, i *discordgo.InteractionCreate, delta int) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.Queue.IsEmpty() {
		h.reply(s, i, lang.T(locale, "queue.empty"), true)
		return
	}
	h.deferReply(s, i)
	sess.Queue.Advance(delta)
	h.persist(sess)
	h.startCurrent(s, i, sess)
}

func (h *CommandHandler) cmdVol(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()

	opts := i.ApplicationCommandData().Options
	if len(opts) == 0 {
		h.reply(s, i, lang.T(locale, "vol.current", sess.Volume()), false)
		return
	}
	v := opts[0].FloatValue()
	if err := sess.SetVolume(v); err != nil {
		h.reply(s, i, lang.T(locale, "vol.invalid"), true)
		return
	}
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "vol.set", v), false)
}

func (h *CommandHandler) cmdRepeat(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	if sess.ToggleRepeat() {
		h.reply(s, i, lang.T(locale, "repeat.on"), false)
		return
	}
	h.reply(s, i, lang.T(locale, "repeat.off"), false)
}

func (h *CommandHandler) cmdVerbose(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()
	var on bool
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "truth" {
			on = o.BoolValue()
		}
	}
	sess.SetVerbose(on)
	if on {
		h.reply(s, i, lang.T(locale, "verbose.on"), false)
		return
	}
	h.reply(s, i, lang.T(locale, "verbose.off"), false)
}

func (h *CommandHandler) cmdJSON(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	locale := sess.Language()

	var document string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "document" {
			document = o.StringValue()
		}
	}

	if document == "" {
		blob, err := storage.MarshalQueue(sess.Queue.Tracks())
		if err != nil {
			h.reply(s, i, lang.T(locale, "error.generic", err), true)
			return
		}
		content := "```json\n" + string(blob) + "\n```"
		if len(content) <= 1990 {
			h.reply(s, i, content, false)
			return
		}
		// Too big for a message; attach instead.
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Files: []*discordgo.File{{
					Name:        "queue.json",
					ContentType: "application/json",
					Reader:      strings.NewReader(string(blob)),
				}},
			},
		}); err != nil {
			slog.Warn("reply failed", "guildID", i.GuildID, "err", err)
		}
		return
	}

	tracks, err := storage.UnmarshalQueue([]byte(document))
	if err != nil {
		h.reply(s, i, lang.T(locale, "json.invalid"), true)
		return
	}
	sess.Stop()
	sess.Queue.RemoveAll()
	for _, t := range tracks {
		sess.Queue.Add(t)
	}
	h.persist(sess)
	h.reply(s, i, lang.T(locale, "json.imported", len(tracks)), false)
}

func (h *CommandHandler) cmdLang(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.sessionFor(i)
	var tag string
	for _, o := range i.ApplicationCommandData().Options {
		if o.Name == "language" {
			tag = o.StringValue()
		}
	}
	if !lang.IsSupported(tag) {
		h.reply(s, i, lang.T(sess.Language(), "lang.bad", strings.Join(lang.Supported(), ", ")), true)
		return
	}
	sess.SetLanguage(tag)
	h.persist(sess)
	h.reply(s, i, lang.T(tag, "lang.ok"), false)
}
