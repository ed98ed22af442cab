/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	fm "github.com/blacktop/go-fmbridge"
	"github.com/blacktop/go-fmbridge/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"

	configPath string
	cfg        config.Config
)

func init() {
	log.SetHandler(clihander.Default)

	// Add global flags that all subcommands can inherit
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Show debug logs")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("shim", "", "Path to libFMShim.dylib")

	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "found",
	Short:   "Interact with Apple's Foundation Models",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if shim, _ := cmd.Flags().GetString("shim"); shim != "" {
			cfg.Shim.Path = shim
		}
		SetupLogging(cmd, cfg.LogLevel())
		return nil
	},
}

// SetupLogging sets the apex/log level, forcing debug when --verbose is set.
func SetupLogging(cmd *cobra.Command, level log.Level) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.WithField("level", level.String()).Debug("debug logging enabled")
}

// newModule returns a Module driving the platform model.
func newModule() *fm.Module {
	return fm.New(fm.NewPlatformModel(cfg.Shim.Path), fm.WithLogger(log.Log))
}

// closeModule cancels any in-flight sessions before exit.
func closeModule(m *fm.Module) {
	if err := m.Close(context.Background()); err != nil {
		log.WithError(err).Warn("closing module")
	}
}

// requireAvailable fails when the on-device model cannot run.
func requireAvailable(ctx context.Context, m *fm.Module) error {
	avail := m.CheckAvailability(ctx)
	if avail.IsAvailable {
		return nil
	}
	if avail.Reason != nil {
		return fmt.Errorf("Foundation Models not available on this device: %s", *avail.Reason)
	}
	return fmt.Errorf("Foundation Models not available on this device")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
