// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/drivefuse/drivefuse/cfg"
	"github.com/drivefuse/drivefuse/internal/util"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// mountFn is invoked with the resolved config once the command line has been
// parsed.
type mountFn func(c *cfg.Config, mountPoint string) error

// NewRootCmd accepts the mountFn that it executes with the parsed
// configuration.
func NewRootCmd(m mountFn) (*cobra.Command, error) {
	var (
		configObj cfg.Config
		cfgFile   string
	)
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "drivefuse [flags] mount_point",
		Short: "Mount the signed-in user's drive locally",
		Long: `drivefuse is a FUSE adapter that exposes a personal cloud drive as a
local file system. Metadata and file contents are cached in memory and writes
are uploaded through resumable upload sessions. Mounts are read-only unless
--permission=rw is given.`,
		Version:      getVersion(),
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, cfgFile, &configObj); err != nil {
				return err
			}

			// Canonicalize the mount point, making it absolute. This is important
			// when daemonizing, since the daemon runs from another working
			// directory.
			mountPoint, err := util.GetResolvedPath(args[0])
			if err != nil {
				return fmt.Errorf("canonicalizing mount point: %w", err)
			}
			return m(&configObj, mountPoint)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path of a YAML config file. Flags given on the command line override its values.")
	if err := cfg.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		return nil, fmt.Errorf("error while binding flags: %w", err)
	}
	return rootCmd, nil
}

// initConfig reads the optional config file into v, decodes the merged view
// of file and flags into c, then rationalizes and validates it.
func initConfig(v *viper.Viper, cfgFile string, c *cfg.Config) error {
	if cfgFile != "" {
		path, err := util.GetResolvedPath(cfgFile)
		if err != nil {
			return fmt.Errorf("resolving config-file path: %w", err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err = v.ReadInConfig(); err != nil {
			return fmt.Errorf("error while reading the config file: %w", err)
		}
	}

	err := v.Unmarshal(c, viper.DecodeHook(cfg.DecodeHook()), func(decoderConfig *mapstructure.DecoderConfig) {
		// By default, viper supports mapstructure tags for unmarshalling. Override
		// that to support yaml tag as well.
		decoderConfig.TagName = "yaml"
		// Reject unknown keys in the config file.
		decoderConfig.ErrorUnused = true
	})
	if err != nil {
		return fmt.Errorf("error while unmarshaling the config: %w", err)
	}

	if err = cfg.Rationalize(v, c); err != nil {
		return fmt.Errorf("error while rationalizing the config: %w", err)
	}
	if err = cfg.ValidateConfig(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Execute runs the root command against os.Args.
func Execute() {
	rootCmd, err := NewRootCmd(Mount)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err = rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
