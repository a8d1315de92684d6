package config_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/config"
	"github.com/stretchr/testify/require"
)

const minimalYml = `
federation:
  protocol: local
  homeDirectory: /srv/b2safe
  replicaDirectory: replicas
`

func TestDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYml), config.FormatYAML)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Remote.Protocol)
	require.Equal(t, "replicas", cfg.Remote.ReplicaDirectory)
	require.False(t, cfg.ReplicationOn)
	require.Equal(t, "dc.rights.label", cfg.RightsField)
	require.Equal(t, "PUB", cfg.PublicRightsMarker)
	require.Equal(t, "local.embargo.lift", cfg.EmbargoField)
	require.Equal(t, "dc.identifier.uri", cfg.URIField)
	require.Equal(t, "Anonymous", cfg.AnonymousGroup)
	require.Equal(t, 1, cfg.Workers)
	require.Equal(t, 1000, cfg.QueueSize)
	require.Equal(t, 10*time.Second, cfg.SweepDelay)
	require.Equal(t, 250*time.Millisecond, cfg.StabilizeInitialDelay)
	require.Equal(t, 4*time.Second, cfg.StabilizeMaxDelay)
	require.Equal(t, 20*time.Second, cfg.StabilizeTimeout)
	require.Equal(t, "nogb2", cfg.MongoNamespace)
}

func TestYAML(t *testing.T) {
	cfg, err := config.Parse([]byte(`
federation:
  protocol: irods
  host: b2safe.example.org
  port: 1247
  username: repl
  password: secret
  homeDirectory: /nogZone/home/repl
  zone: nogZone
  defaultStorageResource: demoResc
  resourceId: "42"
  maxThreads: 4
  replicaDirectory: replicas
  maxTransferRate: 1048576
replication:
  enabled: true
  replicateAll: true
  publicRightsMarker: OPEN
  workers: 2
  queueSize: 10
  sweepDelay: 1m
  stabilizeTimeout: 30s
mongo:
  url: mongodb://localhost/nogb2
  namespace: repo
`), config.FormatYAML)
	require.NoError(t, err)
	require.Equal(t, 1247, cfg.Remote.Port)
	require.Equal(t, "demoResc", cfg.Remote.DefaultStorageResource)
	require.Equal(t, "42", cfg.Remote.ResourceId)
	require.Equal(t, 4, cfg.Remote.MaxThreads)
	require.Equal(t, int64(1048576), cfg.Remote.MaxTransferRate)
	require.True(t, cfg.ReplicationOn)
	require.True(t, cfg.ReplicateAll)
	require.Equal(t, "OPEN", cfg.PublicRightsMarker)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, 10, cfg.QueueSize)
	require.Equal(t, time.Minute, cfg.SweepDelay)
	require.Equal(t, 30*time.Second, cfg.StabilizeTimeout)
	require.Equal(t, "repo", cfg.MongoNamespace)
}

func TestHCL(t *testing.T) {
	cfg, err := config.Parse([]byte(`
federation {
  protocol = "local"
  homeDirectory = "/srv/b2safe"
  replicaDirectory = "replicas"
  port = 1247
}
replication {
  enabled = true
  sweepDelay = "5s"
}
`), config.FormatHCL)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Remote.Protocol)
	require.Equal(t, 1247, cfg.Remote.Port)
	require.True(t, cfg.ReplicationOn)
	require.Equal(t, 5*time.Second, cfg.SweepDelay)
}

func TestInvalid(t *testing.T) {
	for _, c := range []struct {
		yml string
		msg string
	}{
		{`federation: {replicaDirectory: r}`, "federation.protocol"},
		{`federation: {protocol: local}`, "federation.replicaDirectory"},
		{minimalYml + "replication: {sweepDelay: soon}", "replication.sweepDelay"},
		{minimalYml + "replication: {stabilizeTimeout: -1s}", "replication.stabilizeTimeout"},
		{minimalYml + "replication: {workers: -1}", "replication.workers"},
		{minimalYml + "replication: {stabilizeInitialDelay: 5s, stabilizeMaxDelay: 1s}", "stabilizeMaxDelay"},
	} {
		_, err := config.Parse([]byte(c.yml), config.FormatYAML)
		require.Error(t, err, c.yml)
		require.True(t, strings.Contains(err.Error(), c.msg), err.Error())
	}
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "config-test")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "nogb2repld.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(minimalYml), 0666))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Remote.Protocol)

	_, err = config.Load(filepath.Join(dir, "nogb2repld.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown config file format")
}
