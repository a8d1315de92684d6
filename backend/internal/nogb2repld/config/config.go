// Package `config` loads the `nogb2repld` configuration file.  Files ending in
// `.yml` or `.yaml` are YAML; files ending in `.hcl` are HCL.  Example YAML:
//
//	federation:
//	  protocol: local
//	  homeDirectory: /srv/b2safe/home
//	  zone: nogZone
//	  replicaDirectory: replicas
//	replication:
//	  enabled: true
//	  sweepDelay: 10s
//	mongo:
//	  url: mongodb://localhost:27017/nogb2
//	  namespace: nogb2
//
// Durations use the syntax of `time.ParseDuration()`.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/nogproject/nogb2/backend/internal/b2safe"
	"github.com/nogproject/nogb2/backend/internal/eligibility"
	"github.com/nogproject/nogb2/backend/internal/items"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/sweep"
	"github.com/nogproject/nogb2/backend/internal/nogb2repld/worker"
	yaml "gopkg.in/yaml.v2"
)

var ErrUnknownFormat = errors.New("unknown config file format")

const (
	FormatYAML = "yaml"
	FormatHCL  = "hcl"
)

const DefaultNamespace = "nogb2"

type fileConfig struct {
	Federation  federationConfig  `yaml:"federation" hcl:"federation"`
	Replication replicationConfig `yaml:"replication" hcl:"replication"`
	Mongo       mongoConfig       `yaml:"mongo" hcl:"mongo"`
}

type federationConfig struct {
	Protocol               string `yaml:"protocol" hcl:"protocol"`
	Host                   string `yaml:"host" hcl:"host"`
	Port                   int    `yaml:"port" hcl:"port"`
	Username               string `yaml:"username" hcl:"username"`
	Password               string `yaml:"password" hcl:"password"`
	HomeDirectory          string `yaml:"homeDirectory" hcl:"homeDirectory"`
	Zone                   string `yaml:"zone" hcl:"zone"`
	DefaultStorageResource string `yaml:"defaultStorageResource" hcl:"defaultStorageResource"`
	ResourceId             string `yaml:"resourceId" hcl:"resourceId"`
	MaxThreads             int    `yaml:"maxThreads" hcl:"maxThreads"`
	ReplicaDirectory       string `yaml:"replicaDirectory" hcl:"replicaDirectory"`
	MaxTransferRate        int64  `yaml:"maxTransferRate" hcl:"maxTransferRate"`
}

type replicationConfig struct {
	On                    bool   `yaml:"enabled" hcl:"enabled"`
	ReplicateAll          bool   `yaml:"replicateAll" hcl:"replicateAll"`
	RightsField           string `yaml:"rightsField" hcl:"rightsField"`
	PublicRightsMarker    string `yaml:"publicRightsMarker" hcl:"publicRightsMarker"`
	EmbargoField          string `yaml:"embargoField" hcl:"embargoField"`
	URIField              string `yaml:"uriField" hcl:"uriField"`
	AnonymousGroup        string `yaml:"anonymousGroup" hcl:"anonymousGroup"`
	Workers               int    `yaml:"workers" hcl:"workers"`
	QueueSize             int    `yaml:"queueSize" hcl:"queueSize"`
	SweepDelay            string `yaml:"sweepDelay" hcl:"sweepDelay"`
	StabilizeInitialDelay string `yaml:"stabilizeInitialDelay" hcl:"stabilizeInitialDelay"`
	StabilizeMaxDelay     string `yaml:"stabilizeMaxDelay" hcl:"stabilizeMaxDelay"`
	StabilizeTimeout      string `yaml:"stabilizeTimeout" hcl:"stabilizeTimeout"`
	TmpDir                string `yaml:"tmpDir" hcl:"tmpDir"`
}

type mongoConfig struct {
	URL       string `yaml:"url" hcl:"url"`
	CA        string `yaml:"ca" hcl:"ca"`
	Cert      string `yaml:"cert" hcl:"cert"`
	Namespace string `yaml:"namespace" hcl:"namespace"`
}

// `Config` is the validated configuration with defaults applied.
type Config struct {
	Remote b2safe.Config

	ReplicationOn      bool
	ReplicateAll       bool
	RightsField        string
	PublicRightsMarker string
	EmbargoField       string
	URIField           string
	AnonymousGroup     string
	TmpDir             string

	Workers               int
	QueueSize             int
	SweepDelay            time.Duration
	StabilizeInitialDelay time.Duration
	StabilizeMaxDelay     time.Duration
	StabilizeTimeout      time.Duration

	MongoURL       string
	MongoCA        string
	MongoCert      string
	MongoNamespace string
}

// `Load()` reads and validates a config file.
func Load(path string) (*Config, error) {
	var format string
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		format = FormatYAML
	case ".hcl":
		format = FormatHCL
	default:
		return nil, fmt.Errorf("%w: `%s`", ErrUnknownFormat, path)
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, format)
}

func Parse(data []byte, format string) (*Config, error) {
	var f fileConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	case FormatHCL:
		if err := hcl.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownFormat
	}
	return f.resolve()
}

func (f *fileConfig) resolve() (*Config, error) {
	fed := &f.Federation
	repl := &f.Replication
	if fed.Protocol == "" {
		return nil, errors.New("missing `federation.protocol`")
	}
	if fed.ReplicaDirectory == "" {
		return nil, errors.New("missing `federation.replicaDirectory`")
	}
	if fed.Port < 0 || fed.Port > 65535 {
		return nil, fmt.Errorf("invalid `federation.port` %d", fed.Port)
	}
	if fed.MaxTransferRate < 0 {
		return nil, errors.New("invalid negative `federation.maxTransferRate`")
	}
	if repl.Workers < 0 {
		return nil, errors.New("invalid negative `replication.workers`")
	}
	if repl.QueueSize < 0 {
		return nil, errors.New("invalid negative `replication.queueSize`")
	}

	cfg := &Config{
		Remote: b2safe.Config{
			Protocol:               fed.Protocol,
			Host:                   fed.Host,
			Port:                   fed.Port,
			Username:               fed.Username,
			Password:               fed.Password,
			HomeDirectory:          fed.HomeDirectory,
			Zone:                   fed.Zone,
			DefaultStorageResource: fed.DefaultStorageResource,
			ResourceId:             fed.ResourceId,
			MaxThreads:             fed.MaxThreads,
			ReplicaDirectory:       fed.ReplicaDirectory,
			MaxTransferRate:        fed.MaxTransferRate,
		},
		ReplicationOn:      repl.On,
		ReplicateAll:       repl.ReplicateAll,
		RightsField:        orDefault(repl.RightsField, items.FieldRightsLabel),
		PublicRightsMarker: orDefault(repl.PublicRightsMarker, eligibility.DefaultPublicMarker),
		EmbargoField:       orDefault(repl.EmbargoField, items.FieldEmbargoLift),
		URIField:           orDefault(repl.URIField, items.FieldIdentifierURI),
		AnonymousGroup:     orDefault(repl.AnonymousGroup, "Anonymous"),
		TmpDir:             repl.TmpDir,
		Workers:            repl.Workers,
		QueueSize:          repl.QueueSize,
		MongoURL:           f.Mongo.URL,
		MongoCA:            f.Mongo.CA,
		MongoCert:          f.Mongo.Cert,
		MongoNamespace:     orDefault(f.Mongo.Namespace, DefaultNamespace),
	}
	if cfg.Workers == 0 {
		cfg.Workers = worker.DefaultWorkers
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = worker.DefaultQueueSize
	}

	for _, d := range []struct {
		key string
		val string
		def time.Duration
		dst *time.Duration
	}{
		{"replication.sweepDelay", repl.SweepDelay, sweep.DefaultDelay, &cfg.SweepDelay},
		{"replication.stabilizeInitialDelay", repl.StabilizeInitialDelay, worker.DefaultStabilizeInitialDelay, &cfg.StabilizeInitialDelay},
		{"replication.stabilizeMaxDelay", repl.StabilizeMaxDelay, worker.DefaultStabilizeMaxDelay, &cfg.StabilizeMaxDelay},
		{"replication.stabilizeTimeout", repl.StabilizeTimeout, worker.DefaultStabilizeTimeout, &cfg.StabilizeTimeout},
	} {
		if d.val == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return nil, fmt.Errorf("invalid `%s`: %v", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("`%s` must be positive", d.key)
		}
		*d.dst = v
	}
	if cfg.StabilizeMaxDelay < cfg.StabilizeInitialDelay {
		return nil, errors.New(
			"`replication.stabilizeMaxDelay` less than `replication.stabilizeInitialDelay`",
		)
	}

	return cfg, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
