// Copyright 2018 The gVisor Authors.
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

// Package log provides traffic-limitd's leveled logger. Output is plain
// text by default; setting SYSTEMD=1 switches to systemd's native
// priority-prefixed format (<0>..<7>, see sd-daemon(3)) so that journald
// reconstructs the right severity from stderr without a socket connection.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once   sync.Once
	logger = logrus.New()
)

// sdPrefixFormatter renders records the way systemd expects on a plain
// stderr/stdout stream: "<PRIORITY>message". journald strips the prefix and
// uses it as the syslog priority.
type sdPrefixFormatter struct{}

var sdPriority = map[logrus.Level]string{
	logrus.PanicLevel: "<0>",
	logrus.FatalLevel: "<2>",
	logrus.ErrorLevel: "<3>",
	logrus.WarnLevel:  "<4>",
	logrus.InfoLevel:  "<6>",
	logrus.DebugLevel: "<7>",
	logrus.TraceLevel: "<7>",
}

func (sdPrefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	prefix := sdPriority[e.Level]
	out := make([]byte, 0, len(prefix)+len(e.Message)+len(e.Data)*16+2)
	out = append(out, prefix...)
	out = append(out, taskTagPrefix(e)...)
	out = append(out, e.Message...)
	for k, v := range e.Data {
		out = append(out, ' ')
		out = append(out, k...)
		out = append(out, '=')
		out = append(out, stringify(v)...)
	}
	out = append(out, '\n')
	return out, nil
}

func taskTagPrefix(e *logrus.Entry) string {
	if tid, ok := e.Data["task"]; ok {
		return "[" + stringify(tid) + "] "
	}
	return ""
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Init configures the process-wide logger. systemdNative selects the
// sd-daemon priority-prefixed formatter (SYSTEMD=1); otherwise a normal
// text formatter with timestamps is used, as a foreground process would
// want. debug enables Debug/Trace level output.
func Init(systemdNative, debug bool) {
	once.Do(func() {
		logger.SetOutput(os.Stderr)
		if systemdNative {
			logger.SetFormatter(sdPrefixFormatter{})
		} else {
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		if debug {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
	})
}

// SetOutput redirects log output; used by tests.
func SetOutput(w io.Writer) { logger.SetOutput(w) }

// WithTask returns a logger tagged with the orchestrator task id, mirroring
// the "task-id tag" error handling requirement.
func WithTask(taskID uint64) *logrus.Entry {
	return logger.WithField("task", taskID)
}

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
