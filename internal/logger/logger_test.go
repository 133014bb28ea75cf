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

package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path"
	"regexp"
	"testing"

	"github.com/drivefuse/drivefuse/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	textInfoString  = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=INFO message=\"TestLogs: www.infoExample.com\""
	textWarningString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=WARNING message=\"TestLogs: www.warningExample.com\""
	textErrorString = "^time=\"[a-zA-Z0-9/:. ]{26}\" severity=ERROR message=\"TestLogs: www.errorExample.com\""

	jsonTraceString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"TRACE\",\"message\":\"TestLogs: www.traceExample.com\"}"
	jsonDebugString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"DEBUG\",\"message\":\"TestLogs: www.debugExample.com\"}"
	jsonInfoString    = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"INFO\",\"message\":\"TestLogs: www.infoExample.com\"}"
	jsonWarningString = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"WARNING\",\"message\":\"TestLogs: www.warningExample.com\"}"
	jsonErrorString   = "^{\"timestamp\":{\"seconds\":\\d{10},\"nanos\":\\d{0,9}},\"severity\":\"ERROR\",\"message\":\"TestLogs: www.errorExample.com\"}"
)

type LoggerTest struct {
	suite.Suite
}

func TestLoggerSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

// //////////////////////////////////////////////////////////////////////
// Boilerplate
// //////////////////////////////////////////////////////////////////////

func redirectLogsToGivenBuffer(buf *bytes.Buffer, level cfg.LogSeverity) {
	programLevel := new(slog.LevelVar)
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(buf, programLevel, "TestLogs: "),
	)
	setLoggingLevel(level, programLevel)
}

// fetchLogOutputForSpecifiedSeverityLevel runs each function against a
// logger at the given level and returns what each one wrote.
func fetchLogOutputForSpecifiedSeverityLevel(level cfg.LogSeverity, functions []func()) []string {
	var buf bytes.Buffer
	redirectLogsToGivenBuffer(&buf, level)

	var output []string
	for _, f := range functions {
		f()
		output = append(output, buf.String())
		buf.Reset()
	}
	return output
}

func getTestLoggingFunctions() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func validateOutput(t *testing.T, expected []string, output []string) {
	require.Equal(t, len(expected), len(output))
	for i := range output {
		if expected[i] == "" {
			assert.Equal(t, expected[i], output[i])
		} else {
			assert.Regexp(t, regexp.MustCompile(expected[i]), output[i])
		}
	}
}

func validateLogOutputAtSpecifiedFormatAndSeverity(t *testing.T, format string, level cfg.LogSeverity, expectedOutput []string) {
	defaultLoggerFactory.format = format

	output := fetchLogOutputForSpecifiedSeverityLevel(level, getTestLoggingFunctions())

	validateOutput(t, expectedOutput, output)
}

// //////////////////////////////////////////////////////////////////////
// Tests
// //////////////////////////////////////////////////////////////////////

func (t *LoggerTest) TestJSONFormatLogs_LogLevelOFF() {
	expected := []string{"", "", "", "", ""}

	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", cfg.OffLogSeverity, expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelERROR() {
	expected := []string{"", "", "", "", textErrorString}

	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", cfg.ErrorLogSeverity, expected)
}

func (t *LoggerTest) TestTextFormatLogs_LogLevelINFO() {
	expected := []string{"", "", textInfoString, textWarningString, textErrorString}

	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "text", cfg.InfoLogSeverity, expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelTRACE() {
	expected := []string{jsonTraceString, jsonDebugString, jsonInfoString, jsonWarningString, jsonErrorString}

	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", cfg.TraceLogSeverity, expected)
}

func (t *LoggerTest) TestJSONFormatLogs_LogLevelWARNING() {
	expected := []string{"", "", "", jsonWarningString, jsonErrorString}

	validateLogOutputAtSpecifiedFormatAndSeverity(t.T(), "json", cfg.WarningLogSeverity, expected)
}

func (t *LoggerTest) TestInitLogFile() {
	filePath := path.Join(t.T().TempDir(), "log.txt")

	err := InitLogFile(cfg.LoggingConfig{
		FilePath:  cfg.ResolvedPath(filePath),
		Format:    "json",
		Severity:  cfg.DebugLogSeverity,
		LogRotate: cfg.LogRotateLoggingConfig{MaxFileSizeMb: 1, BackupFileCount: 1},
	})
	require.NoError(t.T(), err)
	defer Close()
	Infof("www.infoExample.com")

	content, err := os.ReadFile(filePath)
	require.NoError(t.T(), err)
	assert.Contains(t.T(), string(content), "\"severity\":\"INFO\"")
	assert.Equal(t.T(), cfg.DebugLogSeverity, defaultLoggerFactory.level)
	assert.NotNil(t.T(), defaultLoggerFactory.file)
}

func (t *LoggerTest) TestNewLegacyLogger() {
	var buf bytes.Buffer
	defaultLoggerFactory.format = "text"
	programLevel := new(slog.LevelVar)
	l := slog.NewLogLogger(defaultLoggerFactory.createJsonOrTextHandler(&buf, programLevel, "fuse: "), LevelError)

	l.Printf("op failed")

	assert.Contains(t.T(), buf.String(), "severity=ERROR message=\"fuse: op failed\"")
	assert.NotNil(t.T(), NewLegacyLogger(LevelError, "fuse: "))
}
