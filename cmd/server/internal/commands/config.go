package commands

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/sessiond/internal/session"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration file, set values override flags.
type FileConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"corsOrigins"`
	TrustProxy  *bool    `yaml:"trustProxy"`
	Tracing     *bool    `yaml:"tracing"`

	Session struct {
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
		ExpiryPolicy  string        `yaml:"expiryPolicy"`
	} `yaml:"session"`

	Store struct {
		Type string `yaml:"type"`

		SQLite struct {
			Path         string        `yaml:"path"`
			BusyTimeout  time.Duration `yaml:"busyTimeout"`
			MaxOpenConns int           `yaml:"maxOpenConns"`
			MaxRetries   uint          `yaml:"maxRetries"`
		} `yaml:"sqlite"`

		Postgres struct {
			ConnString      string        `yaml:"connString"`
			MaxConns        int32         `yaml:"maxConns"`
			MinConns        int32         `yaml:"minConns"`
			MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
			MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
		} `yaml:"postgres"`
	} `yaml:"store"`
}

func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &config, nil
}

// apply copies every value set in the file over the flag values.
func (f *FileConfig) apply(c *ServeCmd) {
	if f.Listen != "" {
		c.Listen = f.Listen
	}
	if len(f.CORSOrigins) > 0 {
		c.CORSOrigins = f.CORSOrigins
	}
	if f.TrustProxy != nil {
		c.TrustProxy = *f.TrustProxy
	}
	if f.Tracing != nil {
		c.Tracing = *f.Tracing
	}

	if f.Session.TTL != 0 {
		c.SessionTTL = f.Session.TTL
	}
	if f.Session.SweepInterval != 0 {
		c.SweepInterval = f.Session.SweepInterval
	}
	if f.Session.ExpiryPolicy != "" {
		c.ExpiryPolicy = session.ExpiryPolicy(f.Session.ExpiryPolicy)
	}

	f.applyStore(&c.Store)
}

func (f *FileConfig) applyStore(s *StoreFlags) {
	if f.Store.Type != "" {
		s.StoreType = f.Store.Type
	}

	sqlite := f.Store.SQLite
	if sqlite.Path != "" {
		s.SQLite.Path = sqlite.Path
	}
	if sqlite.BusyTimeout != 0 {
		s.SQLite.BusyTimeout = sqlite.BusyTimeout
	}
	if sqlite.MaxOpenConns != 0 {
		s.SQLite.MaxOpenConns = sqlite.MaxOpenConns
	}
	if sqlite.MaxRetries != 0 {
		s.SQLite.MaxRetries = sqlite.MaxRetries
	}

	pg := f.Store.Postgres
	if pg.ConnString != "" {
		s.Postgres.ConnString = pg.ConnString
	}
	if pg.MaxConns != 0 {
		s.Postgres.MaxConns = pg.MaxConns
	}
	if pg.MinConns != 0 {
		s.Postgres.MinConns = pg.MinConns
	}
	if pg.MaxConnLifetime != 0 {
		s.Postgres.MaxConnLifetime = pg.MaxConnLifetime
	}
	if pg.MaxConnIdleTime != 0 {
		s.Postgres.MaxConnIdleTime = pg.MaxConnIdleTime
	}
}
