package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/openmined/themesync/internal/sync"
	"github.com/openmined/themesync/internal/themeapi"
	"github.com/openmined/themesync/internal/utils"
)

const (
	envPrefix      = "THEMESYNC"
	configFileName = "config"
)

var errNoTheme = errors.New("theme id missing, pass --theme or set THEMESYNC_THEME")

// flag name -> config key
var flagKeys = map[string]string{
	"path":          "path",
	"store":         "store",
	"password":      "password",
	"theme":         "theme",
	"backend":       "backend",
	"only":          "only",
	"ignore":        "ignore",
	"nodelete":      "nodelete",
	"verbose":       "verbose",
	"poll-interval": "poll_interval",
	"strategy":      "strategy",
	"control-addr":  "control_addr",
	"control-token": "control_token",
	"s3-endpoint":   "s3_endpoint",
	"s3-bucket":     "s3_bucket",
	"s3-region":     "s3_region",
	"s3-access-key": "s3_access_key",
	"s3-secret-key": "s3_secret_key",
}

type cliConfig struct {
	Path         string
	ThemeID      string
	Only         []string
	Ignore       []string
	NoDelete     bool
	Verbose      bool
	PollInterval time.Duration
	Strategy     string
	ControlAddr  string
	ControlToken string
	Gateway      themeapi.Config
}

func loadConfig(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "themesync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	})

	viper.SetDefault("backend", themeapi.BackendREST)
	viper.SetDefault("poll_interval", sync.DefaultPollInterval)
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	// a .env in the theme root fills in what the shell did not set
	if root, err := utils.ResolvePath(viper.GetString("path")); err == nil {
		if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	return nil
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func newCLIConfig() (*cliConfig, error) {
	path, err := utils.ResolvePath(viper.GetString("path"))
	if err != nil {
		return nil, err
	}

	cfg := &cliConfig{
		Path:         path,
		ThemeID:      viper.GetString("theme"),
		Only:         viper.GetStringSlice("only"),
		Ignore:       viper.GetStringSlice("ignore"),
		NoDelete:     viper.GetBool("nodelete"),
		Verbose:      viper.GetBool("verbose"),
		PollInterval: viper.GetDuration("poll_interval"),
		Strategy:     viper.GetString("strategy"),
		ControlAddr:  viper.GetString("control_addr"),
		ControlToken: viper.GetString("control_token"),
		Gateway: themeapi.Config{
			Backend:    viper.GetString("backend"),
			Store:      viper.GetString("store"),
			Password:   viper.GetString("password"),
			RetryCount: themeapi.DefaultRetryCount,
			S3: themeapi.S3Config{
				Endpoint:  viper.GetString("s3_endpoint"),
				Bucket:    viper.GetString("s3_bucket"),
				Region:    viper.GetString("s3_region"),
				AccessKey: viper.GetString("s3_access_key"),
				SecretKey: viper.GetString("s3_secret_key"),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cliConfig) Validate() error {
	if c.ThemeID == "" {
		return errNoTheme
	}
	if c.Strategy != "" {
		if _, err := sync.ParseStrategy(c.Strategy); err != nil {
			return err
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s", c.PollInterval)
	}
	return c.Gateway.Validate()
}

// selector picks the initial reconciliation: a fixed strategy when one was
// given, otherwise an interactive prompt on a terminal.
func (c *cliConfig) selector() (sync.StrategySelector, error) {
	if c.Strategy != "" {
		strategy, err := sync.ParseStrategy(c.Strategy)
		if err != nil {
			return nil, err
		}
		return &sync.FixedSelector{Strategy: strategy, SkipOnlyLocal: c.NoDelete}, nil
	}
	if !isInteractive() {
		return nil, errors.New("stdin is not a terminal, pass --strategy favor-remote or favor-local")
	}
	return sync.NewInteractiveSelector(newTUIPrompter(os.Stdin, os.Stdout), c.NoDelete), nil
}

func (c *cliConfig) engineConfig(selector sync.StrategySelector, journal *sync.SyncJournal) sync.EngineConfig {
	return sync.EngineConfig{
		ThemeID:      c.ThemeID,
		Only:         c.Only,
		Ignore:       c.Ignore,
		NoDelete:     c.NoDelete,
		PollInterval: c.PollInterval,
		Selector:     selector,
		Journal:      journal,
	}
}
