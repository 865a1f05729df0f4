package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения, MEDIANEG_PORTS_MIN и т.д.
const EnvPrefix = "MEDIANEG"

// PortsConfig диапазон медиа портов
type PortsConfig struct {
	Min      int    `mapstructure:"min"`
	Max      int    `mapstructure:"max"`
	Strategy string `mapstructure:"strategy"`
}

// CodecsConfig набор включенных кодеков, пустой - каталог как есть
type CodecsConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// TURNServer TURN сервер с учетными данными
type TURNServer struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ICEConfig параметры ICE
type ICEConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	STUNServers   []string      `mapstructure:"stun_servers"`
	TURNServers   []TURNServer  `mapstructure:"turn_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

// MetricsConfig параметры метрик
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config конфигурация менеджера сессий
type Config struct {
	Identifier string        `mapstructure:"identifier"`
	Ports      PortsConfig   `mapstructure:"ports"`
	Codecs     CodecsConfig  `mapstructure:"codecs"`
	ICE        ICEConfig     `mapstructure:"ice"`
	Metrics    MetricsConfig `mapstructure:"metrics"`
	Log        LogConfig     `mapstructure:"log"`

	Logger zerolog.Logger `mapstructure:"-"`
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Identifier: "media_negotiation",
		Ports: PortsConfig{
			Min:      media.DefaultMinPort,
			Max:      media.DefaultMaxPort,
			Strategy: media.PortAllocationSequential.String(),
		},
		ICE: ICEConfig{
			Enabled:       true,
			STUNServers:   []string{"stun:stun4.l.google.com:19302"},
			GatherTimeout: 3 * time.Second,
			CheckTimeout:  30 * time.Second,
		},
		Metrics: MetricsConfig{Namespace: "media_negotiation"},
		Log:     LogConfig{Level: "info"},
		Logger:  defaultLogger(),
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	var errs []error

	if c.Ports.Min <= 0 || c.Ports.Max > 65535 || c.Ports.Min+1 >= c.Ports.Max {
		errs = append(errs, fmt.Errorf("некорректный диапазон портов [%d, %d)", c.Ports.Min, c.Ports.Max))
	}
	if _, err := media.ParsePortAllocationStrategy(c.Ports.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.ICE.GatherTimeout < 0 || c.ICE.CheckTimeout < 0 {
		errs = append(errs, errors.New("таймауты ICE не могут быть отрицательными"))
	}
	for _, turn := range c.ICE.TURNServers {
		if turn.URI == "" {
			errs = append(errs, errors.New("TURN сервер без uri"))
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("некорректный уровень логирования %q: %w", c.Log.Level, err))
	}

	return errors.Join(errs...)
}

// iceConfig переводит конфигурацию в конфигурацию координатора
func (c Config) iceConfig() ice.Config {
	config := ice.DefaultConfig()
	config.STUNServers = c.ICE.STUNServers
	config.TURNServers = nil
	for _, turn := range c.ICE.TURNServers {
		config.TURNServers = append(config.TURNServers, ice.Harvester{
			Kind:     ice.HarvesterTURN,
			URI:      turn.URI,
			Username: turn.Username,
			Password: turn.Password,
		})
	}
	config.MinPort, config.MaxPort = c.Ports.Min, c.Ports.Max
	config.Logger = c.Logger.With().Str("component", "ice_coordinator").Logger()
	return config
}

// PionEngineConfig конфигурация pion ICE движка по этой конфигурации
func (c Config) PionEngineConfig() ice.PionEngineConfig {
	config := ice.DefaultPionEngineConfig()
	if c.ICE.GatherTimeout > 0 {
		config.GatherTimeout = c.ICE.GatherTimeout
	}
	if c.ICE.CheckTimeout > 0 {
		config.CheckTimeout = c.ICE.CheckTimeout
	}
	config.Logger = c.Logger.With().Str("component", "pion_ice").Logger()
	return config
}

// LoadConfig читает конфигурацию из YAML файла (необязательного)
// и переменных окружения с префиксом MEDIANEG_.
func LoadConfig(path string) (Config, error) {
	defaults := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("identifier", defaults.Identifier)
	v.SetDefault("ports.min", defaults.Ports.Min)
	v.SetDefault("ports.max", defaults.Ports.Max)
	v.SetDefault("ports.strategy", defaults.Ports.Strategy)
	v.SetDefault("codecs.enabled", []string{})
	v.SetDefault("ice.enabled", defaults.ICE.Enabled)
	v.SetDefault("ice.stun_servers", defaults.ICE.STUNServers)
	v.SetDefault("ice.turn_servers", []map[string]string{})
	v.SetDefault("ice.gather_timeout", defaults.ICE.GatherTimeout)
	v.SetDefault("ice.check_timeout", defaults.ICE.CheckTimeout)
	v.SetDefault("metrics.namespace", defaults.Metrics.Namespace)
	v.SetDefault("log.level", defaults.Log.Level)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
	}

	config := defaults
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}
