// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// AppConfig represents a single downloader program definition.
//
// Cmd is a templated argument vector: Cmd[0] is the executable, the rest
// are arguments. "{url}" and "{outdir}" are substituted at run time.
// As a convenience, Command may hold a single shell-style string instead
// (e.g. "yt-dlp -o {outdir}/%(title)s.%(ext)s {url}"); it is split into Cmd
// via shlex the first time the config is loaded.
type AppConfig struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Match   string   `yaml:"match" json:"match"`     // optional regex to auto-match URLs
	Cmd     []string `yaml:"cmd" json:"cmd"`         // templated argv, e.g. ["yt-dlp", "-o", "{outdir}/%(title)s", "{url}"]
	Command string   `yaml:"command" json:"command"` // legacy single-string alternative to Cmd
}

// resolveCmd returns the app's argument vector, splitting the legacy
// Command string via shlex if Cmd was not given directly.
func (a *AppConfig) resolveCmd() error {
	if len(a.Cmd) > 0 {
		return nil
	}
	if a.Command == "" {
		return fmt.Errorf("app %q: neither cmd nor command set", a.ID)
	}
	parts, err := shlex.Split(a.Command)
	if err != nil {
		return fmt.Errorf("app %q: parsing command: %w", a.ID, err)
	}
	a.Cmd = parts
	return nil
}

// MatchAppForURL returns the first app whose Match regex matches u, or nil.
func (c *Config) MatchAppForURL(u string) *AppConfig {
	for i, a := range c.Apps {
		if a.Match == "" {
			continue
		}
		re, err := regexp.Compile(a.Match)
		if err != nil {
			continue
		}
		if re.MatchString(u) {
			return &c.Apps[i]
		}
	}
	return nil
}

// GetApp returns the app with the given id, or nil.
func (c *Config) GetApp(id string) *AppConfig {
	for i := range c.Apps {
		if c.Apps[i].ID == id {
			return &c.Apps[i]
		}
	}
	return nil
}

// Config is the top-level configuration structure.
type Config struct {
	ListenAddr    string      `yaml:"listen_addr" json:"listen_addr"`
	DBPath        string      `yaml:"db_path" json:"db_path"`
	DownloadsDir  string      `yaml:"downloads_dir" json:"downloads_dir"`
	ThumbnailsDir string      `yaml:"thumbnails_dir" json:"thumbnails_dir"`
	Apps          []AppConfig `yaml:"apps" json:"apps"`
}

// Load reads the YAML config file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "lowtide.db"
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = "downloads"
	}
	if cfg.ThumbnailsDir == "" {
		cfg.ThumbnailsDir = filepath.Join(cfg.DownloadsDir, "..", "thumbnails")
	}

	for i := range cfg.Apps {
		if err := cfg.Apps[i].resolveCmd(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// JobDir returns the absolute output directory for a job.
func (c *Config) JobDir(jobID int64) string {
	return filepath.Join(c.DownloadsDir, fmt.Sprintf("%d", jobID))
}
