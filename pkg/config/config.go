// Package config loads service settings from flags, EHOSP_* environment variables,
// an optional YAML config file and a .env file, and sets up the global logger.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/ehosp/pkg/eventbus"
	"github.com/go-go-golems/ehosp/pkg/inference/gemini"
	"github.com/go-go-golems/ehosp/pkg/live"
	"github.com/go-go-golems/ehosp/pkg/persistence/sqldb"
)

const (
	EnvPrefix = "EHOSP"

	DriverMemory = "memory"

	defaultDBFile = "ehosp.db"
)

// Settings is the flat view of every serve option. Keys match the flag names.
type Settings struct {
	Addr       string `mapstructure:"addr"`
	StaticDir  string `mapstructure:"static-dir"`
	Catalog    string `mapstructure:"catalog"`
	AdminEmail string `mapstructure:"admin-email"`

	GeminiAPIKey       string        `mapstructure:"gemini-api-key"`
	Model              string        `mapstructure:"model"`
	ModelTimeout       time.Duration `mapstructure:"model-timeout"`
	HistoryTokenBudget int           `mapstructure:"history-token-budget"`

	DBDriver string `mapstructure:"db-driver"`
	DBDSN    string `mapstructure:"db-dsn"`

	Redis      eventbus.Settings `mapstructure:",squash"`
	RedisUsage bool              `mapstructure:"redis-usage"`

	RateCeiling int           `mapstructure:"rate-ceiling"`
	RateWindow  time.Duration `mapstructure:"rate-window"`

	LiveTextCooldown  time.Duration `mapstructure:"live-text-cooldown"`
	LiveVideoCooldown time.Duration `mapstructure:"live-video-cooldown"`
	LiveSettleDelay   time.Duration `mapstructure:"live-settle-delay"`
	LiveReadLimit     int64         `mapstructure:"live-read-limit"`
	LiveWriteTimeout  time.Duration `mapstructure:"live-write-timeout"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// AddServeFlags registers the serve options with their defaults.
func AddServeFlags(cmd *cobra.Command) {
	ls := live.DefaultSettings()
	f := cmd.Flags()
	f.String("addr", ":3000", "HTTP listen address")
	f.String("static-dir", "", "Directory served at / (disabled when empty)")
	f.String("catalog", "", "YAML specialist/plan catalog (embedded default when empty)")
	f.String("admin-email", "", "Account allowed to change plans")

	f.String("gemini-api-key", "", "Gemini API key (also read from GEMINI_API_KEY)")
	f.String("model", gemini.DefaultModel, "Model name")
	f.Duration("model-timeout", 30*time.Second, "Upper bound on one model call")
	f.Int("history-token-budget", 6000, "Token budget for conversation history sent to the model (0 disables trimming)")

	AddDBFlags(cmd)

	f.Bool("redis-enabled", false, "Publish consultation events on Redis Streams")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-group", "ehosp", "Redis Streams consumer group")
	f.String("redis-consumer", "ehosp-1", "Redis Streams consumer name")
	f.Bool("redis-usage", false, "Keep daily usage counters in Redis")

	f.Int("rate-ceiling", 15, "Model calls admitted per rate window across all accounts")
	f.Duration("rate-window", time.Minute, "Global rate window length")

	f.Duration("live-text-cooldown", ls.TextCooldown, "Minimum gap between accepted live utterances")
	f.Duration("live-video-cooldown", ls.VideoCooldown, "Minimum gap between accepted video frames")
	f.Duration("live-settle-delay", ls.SettleDelay, "Delay before the new specialist speaks after a redirect")
	f.Int64("live-read-limit", ls.ReadLimit, "Maximum websocket frame size in bytes")
	f.Duration("live-write-timeout", ls.WriteTimeout, "Websocket write deadline")
}

// AddDBFlags registers the storage options shared by serve and migrate.
func AddDBFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", sqldb.DriverSQLite, "Storage driver: sqlite3, pgx or memory")
	f.String("db-dsn", "", "Data source name (sqlite3 defaults to ./"+defaultDBFile+")")
}

// AddLoggingFlags registers the persistent logging flags on the root command.
func AddLoggingFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "auto", "Log format: auto, console or json")
	f.String("config", "", "Path to a YAML config file")
}

// NewViper builds a viper instance over cmd's flags. A .env file in the working
// directory is loaded into the process environment first.
func NewViper(appName string, cmd *cobra.Command) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("gemini-api-key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "bind gemini key")
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, errors.Wrap(err, "bind inherited flags")
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, "."+appName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// Load decodes v into Settings. Options a command did not register stay zero.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	s.DBDriver = strings.ToLower(strings.TrimSpace(s.DBDriver))
	return s, nil
}

// Validate checks the serve options.
func (s Settings) Validate() error {
	if s.RateCeiling <= 0 {
		return errors.Errorf("rate-ceiling must be positive, got %d", s.RateCeiling)
	}
	if s.RateWindow <= 0 {
		return errors.Errorf("rate-window must be positive, got %s", s.RateWindow)
	}
	if s.HistoryTokenBudget < 0 {
		return errors.Errorf("history-token-budget must not be negative, got %d", s.HistoryTokenBudget)
	}
	return nil
}

// RequireModel checks the model credentials serve cannot start without.
func (s Settings) RequireModel() error {
	if strings.TrimSpace(s.GeminiAPIKey) == "" {
		return errors.New("GEMINI_API_KEY is not set")
	}
	return nil
}

// UsesMemory reports whether accounts and usage live in process memory only.
func (s Settings) UsesMemory() bool {
	return s.DBDriver == DriverMemory
}

// Database resolves the sqldb settings, defaulting sqlite3 to a local file.
func (s Settings) Database() (sqldb.Settings, error) {
	if s.UsesMemory() {
		return sqldb.Settings{}, errors.New("memory driver has no database")
	}
	dsn := strings.TrimSpace(s.DBDSN)
	if dsn == "" {
		if _, err := sqldb.DialectFor(s.DBDriver); err != nil {
			return sqldb.Settings{}, err
		}
		if s.DBDriver != "" && s.DBDriver != sqldb.DriverSQLite && s.DBDriver != "sqlite" {
			return sqldb.Settings{}, errors.Errorf("db-dsn is required for driver %s", s.DBDriver)
		}
		var err error
		dsn, err = sqldb.SQLiteDSNForFile(defaultDBFile)
		if err != nil {
			return sqldb.Settings{}, err
		}
	}
	return sqldb.Settings{Driver: s.DBDriver, DSN: dsn}, nil
}

func (s Settings) Live() live.Settings {
	return live.Settings{
		TextCooldown:  s.LiveTextCooldown,
		VideoCooldown: s.LiveVideoCooldown,
		SettleDelay:   s.LiveSettleDelay,
		ReadLimit:     s.LiveReadLimit,
		WriteTimeout:  s.LiveWriteTimeout,
	}
}

func (s Settings) Gemini() gemini.Settings {
	return gemini.Settings{APIKey: s.GeminiAPIKey, Model: s.Model}
}
