package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MachineConfig is the on-disk machine description
type MachineConfig struct {
	// Kernel is the path to a flat kernel binary, relative to the config file
	Kernel string `yaml:"kernel"`

	// Disk is an optional path to a disk image, relative to the config file
	Disk string `yaml:"disk,omitempty"`

	// MemoryMB is the guest RAM size in megabytes
	MemoryMB uint64 `yaml:"memory_mb,omitempty"`

	// Cmdline is the kernel command line
	Cmdline string `yaml:"cmdline,omitempty"`

	// Firmware enables the built-in SBI handler
	Firmware bool `yaml:"firmware,omitempty"`

	// StopOnZero exits the emulator when the guest stores to address zero
	StopOnZero bool `yaml:"stop_on_zero,omitempty"`
}

// LoadMachineConfig reads a machine description and resolves its paths
// relative to the config file's directory
func LoadMachineConfig(path string) (MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MachineConfig{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MachineConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if cfg.Kernel != "" && !filepath.IsAbs(cfg.Kernel) {
		cfg.Kernel = filepath.Join(dir, cfg.Kernel)
	}
	if cfg.Disk != "" && !filepath.IsAbs(cfg.Disk) {
		cfg.Disk = filepath.Join(dir, cfg.Disk)
	}

	return cfg, nil
}
