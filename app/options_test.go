package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJSONConfig = `
{
  "listen": "127.0.0.1",
  "port": 8088,
  "hostname": "registry.test.local",
  "auth": {
    "enabled": true,
    "sign_secret": "super-secret-test-token"
  },
  "storage": {
    "root": "./test_blobs",
    "locations": ["local_eu", "local_us"]
  },
  "redis": {
    "address": "127.0.0.1:6379",
    "db": 3
  },
  "proxy": {
    "namespaces": ["dockerhub"]
  },
  "secscan": {
    "endpoint": "http://clair.test.local:6060"
  },
  "workers": {
    "gc_period": "30s",
    "mirror_enabled": true
  },
  "logger": {
    "stdout": true,
    "enabled": true,
    "file_name": "test_logger.log",
    "max_size": "100M",
    "max_backups": 2
  },
  "ssl": {
    "type": "none",
    "acme_fqdns": ["test.org","demo.test.org"]
  },
  "debug": true,

  "store": {
    "type": "embed",
    "embed": {
       "path": "./test.db"
    }
  }
}
`

var testYAMLConfig = `
listen: 127.0.0.1
port: 8088
auth:
  sign_secret: super-secret-test-token
storage:
  root: ./test_blobs
  locations:
    - local_eu
workers:
  cleanup_period: 2h
store:
  type: embed
  embed:
    path: ./test.db
`

func TestParseArgs(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"test",
		"--listen=127.0.0.9", "--port=9999", "--hostname=registry.local",
		"--auth.enabled", "--auth.sign-secret=test-super-secret",
		"--storage.root=/tmp/blobs", "--storage.location=local_eu", "--storage.location=local_us",
		"--redis.address=127.0.0.1:6379", "--redis.db=5",
		"--proxy.namespace=dockerhub", "--proxy.namespace=quayio",
		"--secscan.endpoint=http://clair.local:6060",
		"--workers.gc-period=30s", "--workers.mirror-enabled",
		"--uploads.max-blob-size=10G",
		"--store.type=embed", "--store.embed.path=/tmp/test.db",
		"--debug",
	}

	options, err := parseArgs()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.9", options.Listen)
	assert.Equal(t, 9999, options.Port)
	assert.Equal(t, "registry.local", options.HostName)
	assert.True(t, options.Auth.Enabled)
	assert.Equal(t, "test-super-secret", options.Auth.SignSecret)
	assert.Equal(t, "/tmp/blobs", options.Storage.Root)
	assert.Equal(t, []string{"local_eu", "local_us"}, options.Storage.Locations)
	assert.Equal(t, "127.0.0.1:6379", options.Redis.Address)
	assert.Equal(t, 5, options.Redis.DB)
	assert.Equal(t, []string{"dockerhub", "quayio"}, options.Proxy.Namespaces)
	assert.Equal(t, "http://clair.local:6060", options.Secscan.Endpoint)
	assert.Equal(t, "30s", options.Workers.GCPeriod)
	assert.True(t, options.Workers.MirrorEnabled)
	assert.Equal(t, "10G", options.Uploads.MaxBlobSize)
	assert.Equal(t, "/tmp/test.db", options.Store.Embed.Path)
	assert.True(t, options.Debug)
}

func TestParseArgs_RandomSignSecret(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"test", "--port=8080"}
	options, err := parseArgs()
	require.NoError(t, err)
	assert.NotEmpty(t, options.Auth.SignSecret, "missing secret must be filled with a random one")

	os.Args = []string{"test", "--port=8081"}
	other, err := parseArgs()
	require.NoError(t, err)
	assert.NotEqual(t, options.Auth.SignSecret, other.Auth.SignSecret)
}

func TestParseArgs_BadPort(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"test", "--port=123456"}
	_, err := parseArgs()
	assert.Error(t, err)
}

func TestJsonConfigParser_ReadConfigFromFile(t *testing.T) {
	pathToFile := filepath.Join(t.TempDir(), "test_config.json")
	require.NoError(t, os.WriteFile(pathToFile, []byte(testJSONConfig), 0o644))

	var (
		jcp         jsonConfigParser
		testOptions Options
	)

	err := jcp.ReadConfigFromFile(pathToFile, &testOptions)
	assert.NoError(t, err)
	assert.Equal(t, "super-secret-test-token", testOptions.Auth.SignSecret)
	assert.True(t, testOptions.Auth.Enabled)
	assert.Equal(t, "./test_blobs", testOptions.Storage.Root)
	assert.Equal(t, []string{"local_eu", "local_us"}, testOptions.Storage.Locations)
	assert.Equal(t, "127.0.0.1:6379", testOptions.Redis.Address)
	assert.Equal(t, []string{"dockerhub"}, testOptions.Proxy.Namespaces)
	assert.Equal(t, "http://clair.test.local:6060", testOptions.Secscan.Endpoint)
	assert.Equal(t, "30s", testOptions.Workers.GCPeriod)
	assert.True(t, testOptions.Workers.MirrorEnabled)
	assert.Equal(t, "./test.db", testOptions.Store.Embed.Path)

	// test with fake file
	err = jcp.ReadConfigFromFile("unknown.file", &testOptions)
	assert.Error(t, err)
}

func TestYamlConfigParser_ReadConfigFromFile(t *testing.T) {
	pathToFile := filepath.Join(t.TempDir(), "test_config.yml")
	require.NoError(t, os.WriteFile(pathToFile, []byte(testYAMLConfig), 0o644))

	var (
		ycp         yamlConfigParser
		testOptions Options
	)

	err := ycp.ReadConfigFromFile(pathToFile, &testOptions)
	assert.NoError(t, err)
	assert.Equal(t, "super-secret-test-token", testOptions.Auth.SignSecret)
	assert.Equal(t, "./test_blobs", testOptions.Storage.Root)
	assert.Equal(t, []string{"local_eu"}, testOptions.Storage.Locations)
	assert.Equal(t, "2h", testOptions.Workers.CleanupPeriod)
	assert.Equal(t, "./test.db", testOptions.Store.Embed.Path)

	err = ycp.ReadConfigFromFile("unknown.file", &testOptions)
	assert.Error(t, err)
}

func Test_duration(t *testing.T) {
	assert.Equal(t, int64(30000000000), int64(duration("30s", 0)))
	assert.Equal(t, int64(60000000000), int64(duration("", 60000000000)))
	assert.Equal(t, int64(60000000000), int64(duration("garbage", 60000000000)))
}

func Test_generateRandomSecureToken(t *testing.T) {
	token := generateRandomSecureToken(32)
	assert.Len(t, token, 64, "hex doubles the byte length")
	assert.NotEqual(t, token, generateRandomSecureToken(32))
}
