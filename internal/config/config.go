// Package config loads kernel options from a TOML file, the environment and
// the command line. Precedence is CLI flags > env vars > config file >
// defaults.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kproc/internal/logging"
	"kproc/pkg/process"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "KPROC_"

// Options is the flat option set of the kernel binaries. Each field maps to
// a dotted TOML path, an env var, and a flag named after the field
// ("PIDMax" -> "pid-max").
type Options struct {
	Config string

	// Process table
	PIDMin  int `toml:"process.pid_min" env:"PID_MIN"`
	PIDMax  int `toml:"process.pid_max" env:"PID_MAX"`
	OpenMax int `toml:"process.open_max" env:"OPEN_MAX"`

	// Logging
	LogLevel  string `toml:"logging.level" env:"LOG_LEVEL"`
	LogFormat string `toml:"logging.format" env:"LOG_FORMAT"`

	// Metrics
	MetricsListen string `toml:"metrics.listen" env:"METRICS_LISTEN"`
}

// Default returns the stock options.
func Default() Options {
	pc := process.DefaultConfig()
	return Options{
		PIDMin:        pc.PIDMin,
		PIDMax:        pc.PIDMax,
		OpenMax:       pc.OpenMax,
		LogLevel:      "info",
		LogFormat:     "text",
		MetricsListen: ":9090",
	}
}

// Process returns the process table limits.
func (o Options) Process() process.Config {
	return process.Config{
		PIDMin:  o.PIDMin,
		PIDMax:  o.PIDMax,
		OpenMax: o.OpenMax,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	return o.Process().Validate()
}

// Load fills opts from the file named by opts.Config, then the environment.
// Fields whose flag was set on cmd are left alone. A missing config file is
// not an error.
func Load(opts *Options, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	var file map[string]any
	if opts.Config != "" {
		data, err := os.ReadFile(opts.Config)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse %s: %w", opts.Config, err)
			}
		case !os.IsNotExist(err):
			return fmt.Errorf("read %s: %w", opts.Config, err)
		}
	}

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		ft := t.Field(i)
		if changed[FlagName(ft.Name)] {
			continue
		}

		if path := ft.Tag.Get("toml"); path != "" && file != nil {
			if value := lookup(file, path); value != nil {
				if err := setValue(field, value); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
		}
		if key := ft.Tag.Get("env"); key != "" {
			if s := os.Getenv(EnvPrefix + key); s != "" {
				if err := setString(field, s); err != nil {
					return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
				}
			}
		}
	}
	return nil
}

// Logging returns the logging config: level and format from opts, and
// per-module levels from the [logging.modules] table of the config file.
func Logging(opts Options) logging.Config {
	cfg := logging.Config{
		Level:   opts.LogLevel,
		Format:  opts.LogFormat,
		Modules: make(map[string]string),
	}
	if opts.Config == "" {
		return cfg
	}
	data, err := os.ReadFile(opts.Config)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging logging.Config `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}
	for module, level := range raw.Logging.Modules {
		cfg.Modules[module] = level
	}
	return cfg
}

// FlagName converts a field name to its flag: "OpenMax" -> "open-max",
// "PIDMin" -> "pid-min".
func FlagName(field string) string {
	runes := []rune(field)
	var out []rune
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

func lookup(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

func setValue(field reflect.Value, value any) error {
	switch field.Kind() {
	case reflect.String:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", value)
		}
		field.SetString(s)
	case reflect.Int:
		n, ok := value.(int64)
		if !ok {
			return fmt.Errorf("want integer, got %T", value)
		}
		field.SetInt(n)
	}
	return nil
}

func setString(field reflect.Value, s string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	}
	return nil
}
