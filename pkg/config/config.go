package config

import (
	"os"
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the name of the optional per-project config file.
const FileName = "starbuild.toml"

// Config describes all configuration options. Command line flags take precedence over these values.
type Config struct {
	File      string `env:"FILE" toml:"file" usage:"Task file to load instead of searching for tasks.star or tasks.hcl, relative to the config file"`
	DBFile    string `env:"DB_FILE" toml:"db_file" default:".starbuild.db" usage:"File used to store task state"`
	CacheFile string `env:"CACHE_FILE" toml:"cache_file" default:".starbuild.cache" usage:"File used to cache the parsed task list"`
	NoCache   bool   `env:"NO_CACHE" toml:"no_cache" default:"false" usage:"Always parse the task file"`
	Verbosity int    `env:"VERBOSITY" toml:"verbosity" default:"-1" usage:"Override the verbosity of every task (0, 1 or 2)"`
	Progress  bool   `env:"PROGRESS" toml:"progress" default:"false" usage:"Show a progress bar"`
	Log       struct {
		Level string `env:"LEVEL" toml:"level" default:"info"`
		JSON  bool   `env:"JSON" toml:"json" default:"false" usage:"Output JSONND instead of pretty console messages"`
	} `env:"LOG" toml:"log"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. The config file is
// only read from dir if it exists.
func Loader(dir string) (*Config, *aconfig.Loader) {
	files := []string{}
	configFile := filepath.Join(dir, FileName)
	if _, err := os.Stat(configFile); err == nil {
		files = append(files, configFile)
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "STARBUILD",
		SkipFlags:        true,
		AllowUnknownEnvs: true,
		Files:            files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration for the project in dir and validates it.
func Load(dir string) (*Config, error) {
	cfg, loader := Loader(dir)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Verbosity < -1 || cfg.Verbosity > 2 {
		return eris.Errorf(`Invalid value for verbosity: %d (must be 0, 1 or 2)`, cfg.Verbosity)
	}

	if cfg.DBFile == "" {
		return eris.New(`db_file can't be empty`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// ResolvePath makes path absolute relative to the project root unless it already is.
func ResolvePath(projectRoot, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(projectRoot, path)
}
