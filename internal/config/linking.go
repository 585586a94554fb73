package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LinkingConfig tunes the deferred-linker matching window. The window is
// domain-tuned (booking lead time for walk-in style services), not a
// structural invariant, so it lives in reloadable config rather than code.
type LinkingConfig struct {
	WindowBeforeDays   int  `mapstructure:"windowBeforeDays"`
	WindowAfterDays    int  `mapstructure:"windowAfterDays"`
	StaffNameHeuristic bool `mapstructure:"staffNameHeuristic"`
}

func DefaultLinkingConfig() LinkingConfig {
	return LinkingConfig{
		WindowBeforeDays:   7,
		WindowAfterDays:    1,
		StaffNameHeuristic: false,
	}
}

func (c LinkingConfig) WindowBefore() time.Duration {
	return time.Duration(c.WindowBeforeDays) * 24 * time.Hour
}

func (c LinkingConfig) WindowAfter() time.Duration {
	return time.Duration(c.WindowAfterDays) * 24 * time.Hour
}

type LinkingConfigHolder struct {
	current atomic.Value // holds LinkingConfig
}

func NewLinkingConfigHolder() (*LinkingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("linking")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/squaresync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SQUARESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLinkingConfig()
	v.SetDefault("linking.windowBeforeDays", defaults.WindowBeforeDays)
	v.SetDefault("linking.windowAfterDays", defaults.WindowAfterDays)
	v.SetDefault("linking.staffNameHeuristic", defaults.StaffNameHeuristic)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg LinkingConfig
	if err := v.UnmarshalKey("linking", &cfg); err != nil {
		return nil, err
	}
	if err := validateLinkingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &LinkingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LinkingConfig
		if err := v.UnmarshalKey("linking", &updated); err != nil {
			log.Printf("[linking-config] reload failed: %v", err)
			return
		}
		if err := validateLinkingConfig(updated); err != nil {
			log.Printf("[linking-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[linking-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LinkingConfigHolder) Get() LinkingConfig {
	if v, ok := h.current.Load().(LinkingConfig); ok {
		return v
	}
	return DefaultLinkingConfig()
}

// NewStaticLinkingConfigHolder returns a holder pinned to cfg, for tests.
func NewStaticLinkingConfigHolder(cfg LinkingConfig) *LinkingConfigHolder {
	holder := &LinkingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateLinkingConfig(cfg LinkingConfig) error {
	if cfg.WindowBeforeDays < 0 || cfg.WindowAfterDays < 0 {
		return errors.New("linking window days cannot be negative")
	}
	if cfg.WindowBeforeDays == 0 && cfg.WindowAfterDays == 0 {
		return errors.New("linking window cannot be empty")
	}
	return nil
}
