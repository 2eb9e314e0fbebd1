package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd represents the base command: the debugger itself.
var RootCmd = &cobra.Command{
	Use:   "chinche <program>",
	Short: "A source level debugger for x86-64 Linux executables",
	Long: `Chinche is an interactive ptrace based debugger for native x86-64
executables compiled with DWARF debug info.

It launches the given program stopped before its first instruction and
reads commands at a prompt: breakpoints, source-level stepping, register
and memory access, disassembly.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runDebug,
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and CHINCHE_* environment variables.
func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		// Search config in home directory with name ".chinche" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".chinche")
	}

	viper.SetEnvPrefix("chinche")
	viper.AutomaticEnv()

	viper.SetDefault("prompt", "(chinche) ")
	viper.SetDefault("source-context", 2)
	viper.SetDefault("color", true)
	viper.SetDefault("log-level", "debug")
	if home != "" {
		viper.SetDefault("history-file", filepath.Join(home, ".chinche_history"))
		viper.SetDefault("log-file", filepath.Join(home, ".chinche.log"))
	}

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !viper.GetBool("color") {
		color.NoColor = true
	}

	setupLogging()
}

// setupLogging fans the session log out to the log file at the
// configured level and to stderr for warnings and up.
func setupLogging() {
	level := slog.LevelInfo
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}

	if path := viper.GetString("log-file"); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			handlers = append(handlers,
				slog.NewTextHandler(file, &slog.HandlerOptions{Level: level}))
		}
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))
}
