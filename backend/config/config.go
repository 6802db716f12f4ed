package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Sync struct {
		// 实验性同步能力的初始开关
		Experimental bool   `mapstructure:"experimental"`
		SessionID    string `mapstructure:"sessionid"`
	} `mapstructure:"sync"`
	Mirror struct {
		// memory | redis | mysql
		Backend string `mapstructure:"backend"`
	} `mapstructure:"mirror"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Enabled     bool          `mapstructure:"enabled"`
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queuesize"`
		MaxRetry    int           `mapstructure:"maxretry"`
		BaseBackoff time.Duration `mapstructure:"basebackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxbackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 为空时不挂鉴权中间件
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("sync.experimental", false)
	v.SetDefault("sync.sessionid", "default")
	v.SetDefault("mirror.backend", "memory")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	// 没有默认值的 key 不会被 AutomaticEnv 覆盖，这里显式登记
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("auth.secret", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "mixer-sync")
	//  Go 允许在数字里用下划线做分隔符，方便阅读
	v.SetDefault("kafka.queuesize", 10_000)
	v.SetDefault("kafka.maxretry", 3)
	v.SetDefault("kafka.basebackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxbackoff", time.Second)
	v.SetDefault("cors.enabled", false)
}

// Load 读取 syncConfig.yaml；找不到文件时只用默认值和环境变量（MIXER_ 前缀）
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("MIXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

