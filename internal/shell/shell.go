// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package shell runs external tools, capturing their output for
// diagnostics.
package shell

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/sirupsen/logrus"
)

// Execute runs the program with the given args and returns its captured
// stdout and stderr. A non-zero exit code is returned as an error; the
// caller is expected to wrap it together with the stderr contents.
func Execute(program string, args ...string) (stdout string, stderr string, err error) {
	return NewExecBuilder(program, args...).ExecuteCaptureOutput()
}

// ExecBuilder configures a single external process invocation.
type ExecBuilder struct {
	program     string
	args        []string
	stdin       string
	env         []string
	stdoutLevel logrus.Level
	stderrLevel logrus.Level
}

func NewExecBuilder(program string, args ...string) ExecBuilder {
	return ExecBuilder{
		program:     program,
		args:        args,
		stdoutLevel: logrus.DebugLevel,
		stderrLevel: logrus.DebugLevel,
	}
}

// Stdin sets a string to feed to the process's stdin.
func (b ExecBuilder) Stdin(value string) ExecBuilder {
	b.stdin = value
	return b
}

// EnvironmentVariables sets extra environment variables for the
// process, on top of the current environment.
func (b ExecBuilder) EnvironmentVariables(env map[string]string) ExecBuilder {
	for key, value := range env {
		b.env = append(b.env, key+"="+value)
	}
	return b
}

// LogLevel sets the log levels the process's stdout and stderr are
// logged at.
func (b ExecBuilder) LogLevel(stdoutLevel logrus.Level, stderrLevel logrus.Level) ExecBuilder {
	b.stdoutLevel = stdoutLevel
	b.stderrLevel = stderrLevel
	return b
}

// Execute runs the process, logging its output.
func (b ExecBuilder) Execute() error {
	_, _, err := b.ExecuteCaptureOutput()
	return err
}

// ExecuteCaptureOutput runs the process and returns its captured stdout
// and stderr.
func (b ExecBuilder) ExecuteCaptureOutput() (stdout string, stderr string, err error) {
	logger.Log.Debugf("Executing: %s %s", b.program, strings.Join(b.args, " "))

	cmd := exec.Command(b.program, b.args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if b.stdin != "" {
		cmd.Stdin = strings.NewReader(b.stdin)
	}

	if len(b.env) != 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	err = cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	logOutput(b.stdoutLevel, stdout)
	logOutput(b.stderrLevel, stderr)

	if err != nil {
		return stdout, stderr, fmt.Errorf("%s failed:\n%w", b.program, err)
	}
	return stdout, stderr, nil
}

func logOutput(level logrus.Level, output string) {
	for _, line := range strings.Split(output, "\n") {
		if line != "" {
			logger.Log.Log(level, line)
		}
	}
}
