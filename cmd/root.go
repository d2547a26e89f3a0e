package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/nikhilgarg28/delegate/internal/config"
	"github.com/nikhilgarg28/delegate/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:     "delegate",
	Short:   "Orchestrates a team of autonomous coding agents",
	Long:    `Delegate runs a team of autonomous coding agents that plan, write, review, and merge code against local git repositories under the supervision of a human operator.`,
	Version: version,
	RunE:    runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.delegate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&cfg.Home, "home", "",
		"directory the daemon stores its database and logs under")
	rootCmd.PersistentFlags().StringVar(&cfg.Team.Name, "team", "",
		"team name to boot into")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: DELEGATE_DEBUG=1)")

	_ = viper.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	_ = viper.BindPFlag("team.name", rootCmd.PersistentFlags().Lookup("team"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("home", defaults.Home)
	viper.SetDefault("team.name", defaults.Team.Name)
	viper.SetDefault("parallelism.cap", defaults.Parallelism.Cap)
	viper.SetDefault("timeouts.turn_grace", defaults.Timeouts.TurnGrace)
	viper.SetDefault("timeouts.shell_action", defaults.Timeouts.ShellAction)
	viper.SetDefault("timeouts.shutdown", defaults.Timeouts.Shutdown)
	viper.SetDefault("agent.adapter", defaults.Agent.Adapter)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)

	viper.SetEnvPrefix("DELEGATE")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".delegate"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			home, _ := os.UserHomeDir()
			defaultPath := filepath.Join(home, ".delegate", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
				log.Info(log.CatConfig, "config loaded", "path", defaultPath)
			}
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func initLoggingIfDebug(processName string) (func(), error) {
	debug := os.Getenv("DELEGATE_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("DELEGATE_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}

	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	log.Info(log.CatConfig, fmt.Sprintf("%s starting", processName), "version", version, "debug", true, "logPath", logPath)
	return cleanup, nil
}
