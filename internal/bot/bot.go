// Package bot wires the Discord gateway to the playback sessions: slash
// command handling, voice joining, notifications, and session restore.
package bot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"musicstart/internal/config"
	"musicstart/internal/lang"
	"musicstart/internal/playback"
	"musicstart/internal/resolver"
	"musicstart/internal/sink"
	"musicstart/internal/storage"
)

type Bot struct {
	cfg       *config.Config
	store     *storage.Store
	resolver  playback.Resolver
	sessions  *playback.SessionStore
	notifiers *notifierRegistry
	cmd       *CommandHandler
}

func NewBot(cfg *config.Config, store *storage.Store) *Bot {
	var bridge *resolver.SpotifyBridge
	if cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "" {
		bridge = resolver.NewSpotifyBridge(cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	}
	return &Bot{
		cfg:      cfg,
		store:    store,
		resolver: resolver.NewYTDLP(bridge),
	}
}

func (b *Bot) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + b.cfg.DiscordToken)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b.notifiers = newNotifierRegistry(dg)
	b.sessions = playback.NewSessionStore(b.sessionFactory(dg))
	b.cmd = NewCommandHandler(b.cfg, b.store, b.sessions, b.resolver, b.notifiers)

	b.restoreSessions(ctx)

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("connected", "user", s.State.User.Username)
		appID := s.State.User.ID

		if b.cfg.RegisterCommandsOnBot {
			if err := b.cmd.RegisterCommands(s, appID, ""); err != nil {
				slog.Error("register global commands", "err", err)
			} else {
				slog.Info("registered global application commands")
			}
		} else {
			var wg sync.WaitGroup
			for _, g := range s.State.Guilds {
				wg.Add(1)
				go func(guildID string) {
					defer wg.Done()
					if err := b.cmd.RegisterCommands(s, appID, guildID); err != nil {
						slog.Error("register guild commands", "guild", guildID, "err", err)
					}
				}(g.ID)
			}
			wg.Wait()

			if _, err := s.ApplicationCommandBulkOverwrite(appID, "", []*discordgo.ApplicationCommand{}); err != nil {
				slog.Error("clear global commands", "err", err)
			}
			slog.Info("registered commands on all guilds")
		}
	})

	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if b.cfg.RegisterCommandsOnBot {
			return
		}
		appID := s.State.User.ID
		if err := b.cmd.RegisterCommands(s, appID, g.ID); err != nil {
			slog.Error("register guild commands on join", "guild", g.ID, "err", err)
		}
	})

	dg.AddHandler(b.cmd.HandleInteraction)

	// Pause when the last listener leaves the bot's channel.
	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		sess := b.sessions.Peek(vs.GuildID)
		if sess == nil || !sess.Connected() {
			return
		}
		chID := sess.ChannelID()
		if chID == "" || listenerCount(s, vs.GuildID, chID) > 0 {
			return
		}
		if sess.Pause() {
			slog.Info("paused: channel emptied", "guildID", vs.GuildID)
			b.notifiers.get(vs.GuildID).AutoPaused()
		}
	})

	if err := dg.Open(); err != nil {
		return err
	}
	defer dg.Close()

	<-ctx.Done()

	for _, sess := range b.sessions.All() {
		sess.Persist(context.Background())
		sess.Disconnect()
	}
	return nil
}

// sessionFactory builds per-guild sessions bound to this gateway
// connection.
func (b *Bot) sessionFactory(dg *discordgo.Session) func(guildID string) *playback.Session {
	return func(guildID string) *playback.Session {
		sess := playback.NewSession(playback.Options{
			GuildID: guildID,
			Joiner: func(channelID string) (playback.Connection, error) {
				vc, err := dg.ChannelVoiceJoin(guildID, channelID, false, true)
				if err != nil {
					return nil, err
				}
				if vc.OpusSend == nil {
					vc.OpusSend = make(chan []byte, 2)
				}
				return &voiceConn{vc: vc}, nil
			},
			NewSink: func(conn playback.Connection) playback.Sink {
				return sink.New(conn.(*voiceConn).vc)
			},
			Resolver: b.resolver,
			Notifier: b.notifiers.get(guildID),
			Store:    b.store,
			Occupancy: func(channelID string) int {
				return listenerCount(dg, guildID, channelID)
			},
			Language:    b.cfg.DefaultLanguage,
			PlayTimeout: b.cfg.PlayTimeout,
			HardRecover: b.cfg.HardRecover,
		})
		b.notifiers.get(guildID).bind(sess)
		return sess
	}
}

// restoreSessions rebuilds queues and settings from the last persisted
// snapshots. The cursor always restarts at the queue head.
func (b *Bot) restoreSessions(ctx context.Context) {
	recs, err := b.store.LoadAllSessions(ctx)
	if err != nil {
		slog.Error("session restore failed", "err", err)
		return
	}
	for _, rec := range recs {
		sess := b.sessions.GetOrCreate(rec.GuildID)
		if lang.IsSupported(rec.Language) {
			sess.SetLanguage(rec.Language)
		}
		if err := sess.SetVolume(rec.Volume); err != nil {
			slog.Warn("restored volume out of range", "guildID", rec.GuildID, "volume", rec.Volume)
		}
		for _, t := range rec.Tracks {
			sess.Queue.Add(t)
		}
	}
	slog.Info("restored sessions", "count", len(recs))
}

// voiceConn adapts a discordgo voice connection to playback.Connection.
type voiceConn struct {
	vc *discordgo.VoiceConnection
}

func (c *voiceConn) ChannelID() string { return c.vc.ChannelID }
func (c *voiceConn) Release()          { _ = c.vc.Disconnect() }

// listenerCount counts non-bot members in a voice channel.
func listenerCount(s *discordgo.Session, guildID, channelID string) int {
	g, _ := s.State.Guild(guildID)
	if g == nil {
		return 0
	}
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			m, _ := s.State.Member(guildID, vs.UserID)
			if m != nil && m.User != nil && !m.User.Bot {
				n++
			}
		}
	}
	return n
}
