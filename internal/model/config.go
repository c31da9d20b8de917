package model

import (
	"io"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	BackendFilesystem = "filesystem"
	BackendMinIO      = "minio"

	DefaultInlineMaxSize = 10 * 1024 * 1024
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"`
	Database  string    `json:"database" yaml:"database"`
	Traces    string    `json:"traces,omitempty" yaml:"traces,omitempty"`
	Verbose   bool      `json:"verbose" yaml:"verbose"`
	Storage   Storage   `json:"storage" yaml:"storage"`
	Scheduler Scheduler `json:"scheduler" yaml:"scheduler"`
	Suites    []Suite   `json:"suites" yaml:"suites"`
}

// Storage configures the raw artifact tiers. Payloads up to InlineMaxSize
// bytes are kept in the database, larger ones go to Backend.
type Storage struct {
	InlineMaxSize int64  `json:"inline_max_size" yaml:"inline_max_size"`
	Backend       string `json:"backend" yaml:"backend"` // "filesystem" | "minio"
	Dir           string `json:"dir,omitempty" yaml:"dir,omitempty"`
	MinIO         *MinIO `json:"minio,omitempty" yaml:"minio,omitempty"`
}

type MinIO struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// Scheduler holds the durations as written in the config file, see
// ParseDuration for the accepted format.
type Scheduler struct {
	Workers  int    `json:"workers" yaml:"workers"`
	Cooldown string `json:"cooldown" yaml:"cooldown"`
	Timeout  string `json:"timeout" yaml:"timeout"`
	Sweep    Timer  `json:"sweep" yaml:"sweep"`
	Rescan   *Timer `json:"rescan,omitempty" yaml:"rescan,omitempty"`
}

// Timer is either a cron expression or a fixed interval.
type Timer struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

// DefaultConfig returns a configuration storing everything under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Version:  0,
		Database: filepath.Join(dir, "scand.db"),
		Storage: Storage{
			InlineMaxSize: DefaultInlineMaxSize,
			Backend:       BackendFilesystem,
			Dir:           filepath.Join(dir, "raw_data"),
		},
		Scheduler: Scheduler{
			Workers:  4,
			Cooldown: "1d",
			Timeout:  "12h",
			Sweep:    Timer{Every: "5m"},
		},
		Suites: []Suite{
			{Test: "fingerprinting"},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
