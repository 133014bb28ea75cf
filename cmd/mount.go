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

// Package cmd holds the drivefuse command line.
//
// Usage:
//
//	drivefuse [flags] mount_point
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/drivefuse/drivefuse/cfg"
	"github.com/drivefuse/drivefuse/internal/locker"
	"github.com/drivefuse/drivefuse/internal/logger"
	"github.com/drivefuse/drivefuse/internal/monitor"
	"github.com/drivefuse/drivefuse/internal/util"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/kardianos/osext"
	"golang.org/x/sys/unix"
)

const (
	SuccessfulMountMessage         = "File system has been successfully mounted."
	UnsuccessfulMountMessagePrefix = "Error while mounting drivefuse"
)

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func registerTerminatingSignalHandler(mountPoint string, c *cfg.Config) {
	// Register for SIGINT.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	if c.FileSystem.HandleSigterm {
		signal.Notify(signalChan, unix.SIGTERM)
	}

	// Start a goroutine that will unmount when the signal is received.
	go func() {
		for {
			sig := <-signalChan
			sigName := "undefined"
			switch sig {
			case unix.SIGTERM:
				sigName = "SIGTERM"
			case os.Interrupt:
				sigName = "SIGINT"
			}
			logger.Infof("Received %s, attempting to unmount...", sigName)

			err := fuse.Unmount(mountPoint)
			if err != nil {
				logger.Errorf("Failed to unmount in response to %s: %v", sigName, err)
			} else {
				logger.Infof("Successfully unmounted in response to %s.", sigName)
				return
			}
		}
	}()
}

// daemonArgs returns the arguments of the foreground child: the original
// ones with --foreground prepended and the canonical mount point last.
func daemonArgs(osArgs []string, mountPoint string) []string {
	args := append([]string{"--foreground"}, osArgs...)
	args[len(args)-1] = mountPoint
	return args
}

// daemonEnv returns the environment handed to the daemon. The daemon
// otherwise starts with an empty one.
func daemonEnv() []string {
	// Pass along PATH so that the daemon can find fusermount on Linux.
	env := []string{
		fmt.Sprintf("PATH=%s", os.Getenv("PATH")),
	}

	// Pass through the proxy settings, in case the host needs a proxy to reach
	// the drive API. https_proxy has precedence over http_proxy.
	if p, ok := os.LookupEnv("https_proxy"); ok {
		env = append(env, fmt.Sprintf("https_proxy=%s", p))
	} else if p, ok := os.LookupEnv("http_proxy"); ok {
		env = append(env, fmt.Sprintf("http_proxy=%s", p))
	}
	if p, ok := os.LookupEnv("no_proxy"); ok {
		env = append(env, fmt.Sprintf("no_proxy=%s", p))
	}

	// The daemon resolves relative paths against the parent's working
	// directory.
	if wd, err := os.Getwd(); err == nil {
		env = append(env, fmt.Sprintf("%s=%s", util.ParentProcessDirEnv, wd))
	}

	// HOME is needed to expand ~ in paths.
	if homeDir, err := os.UserHomeDir(); err == nil {
		env = append(env, fmt.Sprintf("HOME=%s", homeDir))
	}

	// Lets the daemon know it runs in the background.
	return append(env, fmt.Sprintf("%s=true", logger.InBackgroundModeEnv))
}

// daemonizeMount re-executes this binary in the foreground as a daemon and
// waits for it to report the outcome of the mount.
func daemonizeMount(c *cfg.Config, mountPoint string) error {
	path, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("osext.Executable: %w", err)
	}

	// logfile.stderr captures the standard error of the background process.
	var stderrFile *os.File
	if c.Logging.FilePath != "" {
		stderrFileName := string(c.Logging.FilePath) + ".stderr"
		if stderrFile, err = os.OpenFile(stderrFileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644); err != nil {
			return err
		}
		defer stderrFile.Close()
	}

	if err = daemonize.Run(path, daemonArgs(os.Args[1:], mountPoint), daemonEnv(), os.Stdout, stderrFile); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	logger.Infof(SuccessfulMountMessage)
	return nil
}

// setUpMetrics returns the handle every layer reports to, and the function
// that flushes the exporters at unmount.
func setUpMetrics(ctx context.Context, c *cfg.Config) (monitor.MetricHandle, monitor.ShutdownFn) {
	shutdownFn := monitor.SetupOTelMetricExporters(ctx, c.Metrics.PrometheusPort, getVersion())
	if c.Metrics.PrometheusPort <= 0 {
		return monitor.NewNoopMetrics(), shutdownFn
	}

	metricHandle, err := monitor.NewOTelMetrics()
	if err != nil {
		logger.Errorf("Creating metric instruments, continuing without metrics: %v", err)
		return monitor.NewNoopMetrics(), shutdownFn
	}
	return metricHandle, shutdownFn
}

////////////////////////////////////////////////////////////////////////
// main logic
////////////////////////////////////////////////////////////////////////

// Mount mounts the drive described by c at mountPoint and blocks until it is
// unmounted. Without --foreground it starts a daemon to do so and returns
// once the daemon has reported the outcome of the mount.
func Mount(c *cfg.Config, mountPoint string) (err error) {
	logger.SetLogFormat(c.Logging.Format)
	if c.Foreground {
		if err = logger.InitLogFile(c.Logging); err != nil {
			return fmt.Errorf("init log file: %w", err)
		}
		defer logger.Close()
	}

	logger.Infof("Start drivefuse/%s for app %q using mount point: %s\n", getVersion(), c.AppName, mountPoint)

	// Do not log the config in stdout in case of a daemonized run if it is
	// already logged into a log file by the daemon.
	if c.Foreground || c.Logging.FilePath == "" {
		logger.Info("drivefuse config", "config", c)
	}

	// If we haven't been asked to run in foreground mode, we should run a daemon
	// with the foreground flag set and wait for it to mount.
	if !c.Foreground {
		return daemonizeMount(c, mountPoint)
	}

	if c.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if c.Debug.LogMutex {
		locker.EnableDebugMessages()
	}

	ctx := context.Background()
	metricHandle, shutdownFn := setUpMetrics(ctx, c)

	// This utility absorbs the error returned by daemonize.SignalOutcome by
	// logging it.
	callDaemonizeSignalOutcome := func(err error) {
		if err2 := daemonize.SignalOutcome(err); err2 != nil {
			logger.Errorf("Failed to signal error to parent-process from daemon: %v", err2)
		}
	}

	// Mount, writing information about our progress to the writer that package
	// daemonize gives us and telling it about the outcome.
	var mfs *fuse.MountedFileSystem
	{
		logger.Info("Creating the drive client...")
		client, err := newRemoteClient(ctx, c, metricHandle)
		if err == nil {
			logger.Infof("Creating a mount at %q\n", mountPoint)
			mfs, err = mountWithClient(ctx, mountPoint, c, client, metricHandle)
		}

		if err != nil {
			logger.Errorf("%s: %v\n", UnsuccessfulMountMessagePrefix, err)
			err = fmt.Errorf("%s: %w", UnsuccessfulMountMessagePrefix, err)
			callDaemonizeSignalOutcome(err)
			return err
		}

		logger.Info(SuccessfulMountMessage)
		callDaemonizeSignalOutcome(nil)
	}

	// Let the user unmount with Ctrl-C (SIGINT).
	registerTerminatingSignalHandler(mfs.Dir(), c)

	// Wait for the file system to be unmounted.
	if err = mfs.Join(ctx); err != nil {
		err = fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	if shutdownErr := shutdownFn(ctx); shutdownErr != nil {
		logger.Errorf("Error while shutting down metric exporters: %v", shutdownErr)
	}

	return err
}
