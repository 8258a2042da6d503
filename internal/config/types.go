package config

import "time"

type Config struct {
	DiscordToken          string        `env:"DISCORD_TOKEN,required"`
	SpotifyClientID       string        `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret   string        `env:"SPOTIFY_CLIENT_SECRET"`
	DataDir               string        `env:"DATA_DIR" envDefault:"./data"`
	DefaultLanguage       string        `env:"DEFAULT_LANGUAGE" envDefault:"en"`
	PlayTimeout           time.Duration `env:"PLAY_TIMEOUT" envDefault:"30s"`
	HardRecover           bool          `env:"HARD_RECOVER" envDefault:"false"`
	RegisterCommandsOnBot bool          `env:"REGISTER_COMMANDS_ON_BOT" envDefault:"false"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
}
