package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Commission struct {
		// DefaultRate is the fallback when the catalog snapshot carries no
		// per-service rate. The platform-wide value is still under product
		// review, so it must stay configurable.
		DefaultRate float64 `mapstructure:"DEFAULT_RATE"`
	} `mapstructure:"COMMISSION"`
	Payments struct {
		// AllowClientConfirm lets the client drive the pending->paid
		// transition directly instead of waiting for a verifier.
		AllowClientConfirm bool `mapstructure:"ALLOW_CLIENT_CONFIRM"`
	} `mapstructure:"PAYMENTS"`
	Chat struct {
		TypingThrottle time.Duration `mapstructure:"TYPING_THROTTLE"`
		TypingTTL      time.Duration `mapstructure:"TYPING_TTL"`
		PresenceTTL    time.Duration `mapstructure:"PRESENCE_TTL"`
	} `mapstructure:"CHAT"`
	Payout struct {
		RunHour int `mapstructure:"RUN_HOUR"`
	} `mapstructure:"PAYOUT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	return &cfg
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "lumora-escrow")
	config.SetDefault("HTTP_SERVER.ADDR", ":8080")
	config.SetDefault("COMMISSION.DEFAULT_RATE", 0.20)
	config.SetDefault("PAYMENTS.ALLOW_CLIENT_CONFIRM", true)
	config.SetDefault("CHAT.TYPING_THROTTLE", 2*time.Second)
	config.SetDefault("CHAT.TYPING_TTL", 3*time.Second)
	config.SetDefault("CHAT.PRESENCE_TTL", 30*time.Second)
	config.SetDefault("PAYOUT.RUN_HOUR", 1)
}
