package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
)

const envPrefix = "STMTFLOW"

// loadConfig layers defaults, the optional file and STMTFLOW_* variables, in
// that order of precedence from lowest to highest. Lists in the environment
// are comma separated and durations use Go syntax ("30s").
func loadConfig(path string) (configpkg.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, configpkg.Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return configpkg.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c configpkg.Config
	if err := v.Unmarshal(&c); err != nil {
		return configpkg.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c.WithDefaults(), nil
}

// setDefaults registers every key so AutomaticEnv also applies to keys the
// file does not mention.
func setDefaults(v *viper.Viper, defaults configpkg.Config) {
	rv := reflect.ValueOf(defaults)
	rt := rv.Type()
	for i := range rt.NumField() {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		v.SetDefault(key, rv.Field(i).Interface())
	}
}
