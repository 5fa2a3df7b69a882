package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	configPath string
	dataDir    string
	user       string
	testMode   bool
}

func main() {
	// Load env
	_ = godotenv.Load(".env")

	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:           "replan",
		Short:         "replan - personal tasks, rescheduled by an assistant",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/replan/config.toml)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVarP(&opts.user, "user", "u", defaultUser(), "user id to act as")
	pf.BoolVar(&opts.testMode, "test-mode", false, "simulate the assistant instead of calling it")

	root.AddCommand(
		serveCmd(opts),
		reconcileCmd(opts),
		askCmd(opts),
		replCmd(opts),
		tasksCmd(opts),
		usersCmd(opts),
		calendarCmd(opts),
	)
	return root
}

// defaultUser picks REPLAN_USER, then the login name.
func defaultUser() string {
	if u := os.Getenv("REPLAN_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}
