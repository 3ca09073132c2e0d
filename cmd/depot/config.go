package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/nicolagi/depot/storage"
	"github.com/rogpeppe/rjson"
)

type config struct {
	Address     string `json:"address"`
	Debug       bool   `json:"debug"`
	LogPath     string `json:"log_path"`
	DisableGops bool   `json:"disable_gops"`

	Storage struct {
		Type string `json:"type"`

		// Properties for "disk" type.
		Directory string `json:"directory"`

		// Properties for "bolt" type.
		BoltPath string `json:"bolt_path"`

		// Properties for "s3" type.
		Profile   string `json:"profile"`
		Region    string `json:"region"`
		Bucket    string `json:"bucket"`
		Endpoint  string `json:"endpoint"`
		PathStyle bool   `json:"path_style"`
	} `json:"storage"`

	RateLimit struct {
		RPS   float64 `json:"rps"`
		Burst int     `json:"burst"`
	} `json:"rate_limit"`

	Timeouts struct {
		ReadHeader string `json:"read_header"`
		Idle       string `json:"idle"`
		Shutdown   string `json:"shutdown"`
	} `json:"timeouts"`
}

func loadConfig(pathname string) (*config, error) {
	f, err := os.Open(pathname)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var c *config
	if err := rjson.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("could not decode %q: %w", pathname, err)
	}
	if c == nil {
		c = &config{}
	}
	return c, nil
}

// loadEnv adds the variables in pathname to the environment, so that the
// configuration can refer to them, e.g., "$AWS_PROFILE". A missing file is
// fine; variables already set take precedence.
func loadEnv(pathname string) error {
	err := godotenv.Load(pathname)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *config) applyDefaultsForMissingProperties() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = string(storage.KindDisk)
	}
	if c.Storage.Type == string(storage.KindDisk) && c.Storage.Directory == "" {
		c.Storage.Directory = "$HOME/lib/depot/data"
	}
	if c.Storage.Type == string(storage.KindBolt) && c.Storage.BoltPath == "" {
		c.Storage.BoltPath = "$HOME/lib/depot/depot.db"
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}
	if c.Timeouts.ReadHeader == "" {
		c.Timeouts.ReadHeader = "10s"
	}
	if c.Timeouts.Idle == "" {
		c.Timeouts.Idle = "60s"
	}
	if c.Timeouts.Shutdown == "" {
		c.Timeouts.Shutdown = "30s"
	}
}

func (c *config) storageConfig() storage.Config {
	return storage.Config{
		Kind:      storage.Kind(c.Storage.Type),
		Directory: os.ExpandEnv(c.Storage.Directory),
		BoltPath:  os.ExpandEnv(c.Storage.BoltPath),
		S3: storage.S3Options{
			Profile:   os.ExpandEnv(c.Storage.Profile),
			Region:    os.ExpandEnv(c.Storage.Region),
			Bucket:    os.ExpandEnv(c.Storage.Bucket),
			Endpoint:  os.ExpandEnv(c.Storage.Endpoint),
			PathStyle: c.Storage.PathStyle,
		},
	}
}

type timeouts struct {
	readHeader, idle, shutdown time.Duration
}

func (c *config) timeouts() (t timeouts, err error) {
	if t.readHeader, err = time.ParseDuration(c.Timeouts.ReadHeader); err != nil {
		return t, fmt.Errorf("read_header timeout: %w", err)
	}
	if t.idle, err = time.ParseDuration(c.Timeouts.Idle); err != nil {
		return t, fmt.Errorf("idle timeout: %w", err)
	}
	if t.shutdown, err = time.ParseDuration(c.Timeouts.Shutdown); err != nil {
		return t, fmt.Errorf("shutdown timeout: %w", err)
	}
	return t, nil
}
