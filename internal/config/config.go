// Package config resolves traffic-limitd's process configuration: the
// mandatory IFACES environment variable, the SYSTEMD log-format switch, and
// an optional TOML file for settings that don't belong in the unit file's
// environment block.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Ifaces lists the interface names to install the egress classifier on.
	Ifaces []string
	// SystemdNative switches pkg/log to sd-daemon priority-prefixed output.
	SystemdNative bool
	// ControlSocketPath is the default activation socket path, used only
	// for diagnostics; the real fd comes from socket activation.
	ControlSocketPath string
	// MaxTasks bounds the rate-limit table. It defaults to
	// ceil(1.125 * MaxNrTasks), which is 1125 with the default MaxNrTasks.
	MaxTasks uint32
	// MaxNrTasks bounds concurrently admitted connections; MaxTasks must
	// exceed it by at least 12.5%.
	MaxNrTasks uint32
}

const (
	defaultControlSocketPath = "/run/traffic-limitd.sock"
	defaultMaxNrTasks        = 1000
)

// FileConfig is the optional /etc/traffic-limitd.toml schema. Every field
// is optional; environment variables always take precedence over the file
// for the values that are environment-controlled (Ifaces, SystemdNative),
// since those are the documented external interface.
type FileConfig struct {
	MaxNrTasks *uint32 `toml:"max_nr_tasks"`
	MaxTasks   *uint32 `toml:"max_tasks"`
}

// LoadFile reads and parses the optional TOML config file. A missing file
// is not an error; it yields a zero FileConfig.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return fc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return fc, nil
}

// Load resolves the full configuration from the environment plus an
// optional file at filePath.
func Load(filePath string) (*Config, error) {
	ifacesEnv, ok := os.LookupEnv("IFACES")
	if !ok || strings.TrimSpace(ifacesEnv) == "" {
		return nil, fmt.Errorf("config: IFACES environment variable is mandatory")
	}
	var ifaces []string
	for _, part := range strings.Split(ifacesEnv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			ifaces = append(ifaces, part)
		}
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("config: IFACES contained no interface names")
	}

	fc, err := LoadFile(filePath)
	if err != nil {
		return nil, err
	}

	maxNrTasks := uint32(defaultMaxNrTasks)
	if fc.MaxNrTasks != nil {
		maxNrTasks = *fc.MaxNrTasks
	}
	maxTasks := minMaxTasksFor(maxNrTasks)
	if fc.MaxTasks != nil {
		maxTasks = *fc.MaxTasks
	}
	if err := validateCapacity(maxNrTasks, maxTasks); err != nil {
		return nil, err
	}

	return &Config{
		Ifaces:            ifaces,
		SystemdNative:     envBool("SYSTEMD"),
		ControlSocketPath: defaultControlSocketPath,
		MaxTasks:          maxTasks,
		MaxNrTasks:        maxNrTasks,
	}, nil
}

// minMaxTasksFor returns ceil(maxNrTasks * 1.125), the smallest table
// capacity allowed for a given admission cap.
func minMaxTasksFor(maxNrTasks uint32) uint32 {
	return uint32((uint64(maxNrTasks)*9 + 7) / 8)
}

func validateCapacity(maxNrTasks, maxTasks uint32) error {
	if min := minMaxTasksFor(maxNrTasks); maxTasks < min {
		return fmt.Errorf("config: max_tasks (%d) must exceed max_nr_tasks (%d) by at least 12.5%% (>= %d)", maxTasks, maxNrTasks, min)
	}
	return nil
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true // any non-empty, non-boolean value still counts as "set"
	}
	return b
}
