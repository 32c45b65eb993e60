package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port                string   `mapstructure:"port"`
	Mode                string   `mapstructure:"mode"`
	ReadTimeoutSeconds  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds"`
	RequestTimeoutMs    int      `mapstructure:"request_timeout_ms"`
	AllowOrigins        []string `mapstructure:"allow_origins"`
	RateLimitPerMinute  int      `mapstructure:"rate_limit_per_minute"`
}

type MongoConfig struct {
	URI          string `mapstructure:"uri"`
	Database     string `mapstructure:"database"`
	Transactions bool   `mapstructure:"transactions"`
}

type StoreConfig struct {
	// Driver is "mongo" or "memory".
	Driver string `mapstructure:"driver"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
}

type RealtimeConfig struct {
	AllowAnonymousJoin bool `mapstructure:"allow_anonymous_join"`
	InboundPerSecond   int  `mapstructure:"inbound_per_second"`
}

type UsersConfig struct {
	VerifyPeers bool `mapstructure:"verify_peers"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Mongo    MongoConfig    `mapstructure:"mongodb"`
	Store    StoreConfig    `mapstructure:"store"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Push     PushConfig     `mapstructure:"push"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Users    UsersConfig    `mapstructure:"users"`
	Log      LogConfig      `mapstructure:"log"`

	// Derived
	ReadTimeout    time.Duration `mapstructure:"-"`
	WriteTimeout   time.Duration `mapstructure:"-"`
	RequestTimeout time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_ms", 10000)
	v.SetDefault("server.allow_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.rate_limit_per_minute", 120)
	v.SetDefault("mongodb.uri", "")
	v.SetDefault("mongodb.database", "social")
	v.SetDefault("mongodb.transactions", true)
	v.SetDefault("store.driver", "mongo")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "chat:deliver")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "chat.events")
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "mailto:admin@example.com")
	v.SetDefault("realtime.allow_anonymous_join", false)
	v.SetDefault("realtime.inbound_per_second", 10)
	v.SetDefault("users.verify_peers", true)
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from an optional YAML file at path, a .env file in
// the working directory and the environment, in increasing precedence.
// Environment keys are the upper-cased dotted keys with dots replaced by
// underscores, e.g. MONGODB_URI or REDIS_ADDR.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// AutomaticEnv does not split list values.
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if origins := os.Getenv("SERVER_ALLOW_ORIGINS"); origins != "" {
		cfg.Server.AllowOrigins = strings.Split(origins, ",")
	}

	cfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	cfg.RequestTimeout = time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	switch c.Store.Driver {
	case "mongo":
		if c.Mongo.URI == "" {
			return errors.New("MONGODB_URI must be set when store.driver is mongo")
		}
	case "memory":
	default:
		return errors.New("store.driver must be mongo or memory")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("server.request_timeout_ms must be positive")
	}
	return nil
}
