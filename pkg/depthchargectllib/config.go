// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"fmt"
	"path/filepath"
	"sort"

	"gopkg.in/ini.v1"
)

// Default locations for the tool configuration and board database.
const (
	DefaultConfigPath  = "/etc/depthcharge-tools/config"
	DefaultConfigDir   = "/etc/depthcharge-tools/config.d"
	DefaultBoardsPath  = "/usr/share/depthcharge-tools/boards.ini"
	DefaultImagesDir   = "/boot/depthcharge"
	defaultSection     = "depthchargectl"
)

// Config is the layered tool configuration. Values are looked up in a
// per-command section first ("depthchargectl/build"), then in the base
// "depthchargectl" section.
type Config struct {
	file *ini.File
}

// LoadConfig reads the main config file and every file in the config
// drop-in directory, later files overriding earlier ones. Missing
// files are fine; an empty config is valid.
func LoadConfig(configPath string, configDir string) (*Config, error) {
	sources := []any(nil)

	if configDir != "" {
		dropins, err := filepath.Glob(filepath.Join(configDir, "*"))
		if err == nil {
			sort.Strings(dropins)
			for _, dropin := range dropins {
				sources = append(sources, dropin)
			}
		}
	}

	file, err := ini.LooseLoad(configPath, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config:\n%w", err)
	}

	return &Config{file: file}, nil
}

// Value looks up a key for a command, falling back through the section
// hierarchy. Returns "" when the key is set nowhere.
func (c *Config) Value(command string, key string) string {
	sections := []string{defaultSection}
	if command != "" {
		sections = append([]string{defaultSection + "/" + command}, sections...)
	}

	for _, name := range sections {
		section, err := c.file.GetSection(name)
		if err != nil {
			continue
		}
		if section.HasKey(key) {
			return section.Key(key).String()
		}
	}

	return ""
}

func (c *Config) valueOr(command string, key string, fallback string) string {
	if value := c.Value(command, key); value != "" {
		return value
	}
	return fallback
}

func (c *Config) Board(command string) string {
	return c.Value(command, "board")
}

func (c *Config) ImagesDir(command string) string {
	return c.valueOr(command, "images-dir", DefaultImagesDir)
}

func (c *Config) VbootKeyblock(command string) string {
	return c.valueOr(command, "vboot-keyblock", "/usr/share/vboot/devkeys/kernel.keyblock")
}

func (c *Config) VbootPrivateKey(command string) string {
	return c.valueOr(command, "vboot-private-key", "/usr/share/vboot/devkeys/kernel_data_key.vbprivk")
}

func (c *Config) VbootPublicKey(command string) string {
	return c.Value(command, "vboot-public-key")
}

func (c *Config) KernelCmdline(command string) string {
	return c.Value(command, "kernel-cmdline")
}

func (c *Config) IgnoreInitramfs(command string) bool {
	return c.Value(command, "ignore-initramfs") == "yes" ||
		c.Value(command, "ignore-initramfs") == "true"
}
