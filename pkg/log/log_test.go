package log

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSdPrefixFormatterIncludesPriority(t *testing.T) {
	f := sdPrefixFormatter{}
	e := &logrus.Entry{Level: logrus.ErrorLevel, Message: "boom"}
	out, err := f.Format(e)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.HasPrefix(string(out), "<3>") {
		t.Errorf("output = %q, want <3> prefix for error level", out)
	}
	if !strings.Contains(string(out), "boom") {
		t.Errorf("output = %q, missing message", out)
	}
}

func TestSdPrefixFormatterTagsTaskID(t *testing.T) {
	f := sdPrefixFormatter{}
	e := &logrus.Entry{
		Level:   logrus.InfoLevel,
		Message: "admitted",
		Data:    logrus.Fields{"task": uint64(7)},
	}
	out, err := f.Format(e)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !strings.Contains(string(out), "[7] admitted") {
		t.Errorf("output = %q, want task tag before message", out)
	}
}

func TestSdPrefixFormatterUnknownLevelHasNoPrefix(t *testing.T) {
	f := sdPrefixFormatter{}
	e := &logrus.Entry{Level: logrus.Level(99), Message: "x"}
	out, err := f.Format(e)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if strings.HasPrefix(string(out), "<") {
		t.Errorf("output = %q, expected no priority prefix for unmapped level", out)
	}
}
