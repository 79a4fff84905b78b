// Option is a main set of service option
// Some ideas and piece of code borrow from projects of Umputun (https://github.com/umputun)

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	log "github.com/go-pkgz/lgr"
)

// configReader implement different file read implementation (json, yml, toml etc.)
type configReader interface {
	ReadConfigFromFile(pathToFile string, opts *Options) error
}

// Options the main parameters for the service
type Options struct {
	Listen     string `long:"listen" env:"SD_LISTEN" default:"*" description:"listen on host:port (127.0.0.1:80/443 without)" json:"listen"`
	HostName   string `long:"hostname" env:"SD_HOST_NAME" default:"localhost" description:"main hostname of the registry, mirrors push through it" json:"hostname"`
	Port       int    `long:"port" env:"SD_PORT" description:"main web-service port. Default:80" default:"80" json:"port"`
	ConfigPath string `long:"config-file" env:"SD_CONFIG_FILE" description:"path to config file"`

	Store   StoreGroup   `group:"store" namespace:"store" env-namespace:"SD_STORE" json:"store" yaml:"store"`
	Storage StorageGroup `group:"storage" namespace:"storage" env-namespace:"SD_STORAGE" json:"storage" yaml:"storage"`
	Redis   RedisGroup   `group:"redis" namespace:"redis" env-namespace:"SD_REDIS" json:"redis" yaml:"redis"`
	Proxy   ProxyGroup   `group:"proxy" namespace:"proxy" env-namespace:"SD_PROXY" json:"proxy" yaml:"proxy"`
	Secscan SecscanGroup `group:"secscan" namespace:"secscan" env-namespace:"SD_SECSCAN" json:"secscan" yaml:"secscan"`
	Workers WorkersGroup `group:"workers" namespace:"workers" env-namespace:"SD_WORKERS" json:"workers" yaml:"workers"`

	Auth struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"require app tokens on every request" json:"enabled" yaml:"enabled"`
		SignSecret string `long:"sign-secret" env:"SIGN_SECRET" description:"secret for upload state signing and credential field encryption" json:"sign_secret" yaml:"sign_secret"`
	} `group:"auth" namespace:"auth" env-namespace:"SD_AUTH" json:"auth"`

	Uploads struct {
		MaxBlobSize string `long:"max-blob-size" env:"MAX_BLOB_SIZE" description:"reject blobs above this size (10G, 500M), empty disables the cap" json:"max_blob_size" yaml:"max_blob_size"`
		TempLinkTTL string `long:"temp-link-ttl" env:"TEMP_LINK_TTL" default:"1h" description:"lifetime of the post-commit repository link" json:"temp_link_ttl" yaml:"temp_link_ttl"`
	} `group:"uploads" namespace:"uploads" env-namespace:"SD_UPLOADS" json:"uploads"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging" json:"stdout" yaml:"stdout"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access and error rotated logs" json:"enabled"`
		FileName   string `long:"file" env:"FILE"  default:"access.log" description:"location of access log" json:"filename" yaml:"filename"`
		MaxSize    string `long:"max-size" env:"SIZE" default:"10M" description:"maximum size before it gets rotated" json:"max_size"  yaml:"max_size"`
		MaxBackups int    `long:"max-backups" env:"BACKUPS" default:"10" description:"maximum number of old log files to retain" json:"max_backups" yaml:"max_backups"`
	} `group:"logger" namespace:"logger" env-namespace:"SD_LOGGER"`

	SSL struct {
		Type          string   `long:"type" env:"TYPE" description:"ssl (auto) support. Default is 'none'" choice:"none" choice:"static" choice:"auto" default:"none" json:"type"` // nolint
		Cert          string   `long:"cert" env:"CERT" description:"path to cert.pem file" json:"cert"`
		Key           string   `long:"key" env:"KEY" description:"path to key.pem file" json:"key"`
		ACMELocation  string   `long:"acme-location" env:"ACME_LOCATION" description:"dir where certificates will be stored by autocert manager" default:"./acme" json:"acme_location" yaml:"acme_location"`
		ACMEEmail     string   `long:"acme-email" env:"ACME_EMAIL" description:"admin email for certificate notifications" json:"acme_email" yaml:"acme_email"`
		Port          int      `long:"port" env:"PORT" description:"main web-service secure SSL port. Default:443" default:"443" json:"port"`
		RedirHTTPPort int      `long:"http-port" env:"ACME_HTTP_PORT" description:"http port for redirect to https and acme challenge test (default: 80)" json:"redir_http_port" yaml:"redir_http_port"`
		FQDNs         []string `long:"fqdn" env:"ACME_FQDN" env-delim:"," description:"FQDN(s) for ACME certificates" json:"acme_fqdns" yaml:"acme_fqdns"`
	} `group:"ssl" namespace:"ssl" env-namespace:"SD_SSL" json:"ssl"`

	Debug bool `long:"debug" env:"SD_DEBUG" description:"enable the debug mode" json:"debug"`

	// implement interface for parse different types of config files
	configReader
}

// StoreGroup options which defined main storage instance
// Type implement as options for add support for different storage
type StoreGroup struct {
	Type  string `long:"type" env:"DB_TYPE" description:"type of storage" choice:"embed" default:"embed" json:"type"` // nolint
	Embed struct {
		Path string `long:"path" env:"DB_PATH" default:"./data.db" description:"path to embedded database file" json:"path" yaml:"path"`
	} `group:"embed" namespace:"embed" env-namespace:"EMBED" json:"embed" yaml:"embed"`
}

// StorageGroup defines the blob storage driver layout.
type StorageGroup struct {
	Root      string   `long:"root" env:"ROOT" default:"./blobs" description:"root directory for blob storage locations" json:"root" yaml:"root"`
	Locations []string `long:"location" env:"LOCATIONS" env-delim:"," default:"local_us" description:"storage location names, the first is preferred for new uploads" json:"locations" yaml:"locations"`
}

// RedisGroup connects the optional redis backing for pull counters, GC locks
// and distributed caches. An empty address runs everything in-process.
type RedisGroup struct {
	Address  string `long:"address" env:"ADDRESS" description:"redis host:port, empty disables redis-backed features" json:"address" yaml:"address"`
	Password string `long:"password" env:"PASSWORD" description:"redis password" json:"password" yaml:"password"`
	DB       int    `long:"db" env:"DB" description:"redis database number" json:"db" yaml:"db"`
}

// ProxyGroup names the namespaces acting as proxy caches. Each one must carry
// a proxy cache config row in the store.
type ProxyGroup struct {
	Namespaces []string `long:"namespace" env:"NAMESPACES" env-delim:"," description:"namespaces serving as pull-through proxy caches" json:"namespaces" yaml:"namespaces"`
}

// SecscanGroup points at the security scanner API.
type SecscanGroup struct {
	Endpoint string `long:"endpoint" env:"ENDPOINT" description:"security scanner API endpoint, empty disables vulnerability notifications" json:"endpoint" yaml:"endpoint"`
}

// WorkersGroup tunes the background worker fleet.
type WorkersGroup struct {
	GCPeriod          string `long:"gc-period" env:"GC_PERIOD" default:"1m" description:"garbage collector pass period" json:"gc_period" yaml:"gc_period"`
	CleanupPeriod     string `long:"cleanup-period" env:"CLEANUP_PERIOD" default:"1h" description:"janitor pass period" json:"cleanup_period" yaml:"cleanup_period"`
	PullMetricsPeriod string `long:"pullmetrics-period" env:"PULLMETRICS_PERIOD" default:"1m" description:"pull counter flush period" json:"pullmetrics_period" yaml:"pullmetrics_period"`
	MirrorPeriod      string `long:"mirror-period" env:"MIRROR_PERIOD" default:"1m" description:"repository mirror claim period" json:"mirror_period" yaml:"mirror_period"`
	MirrorEnabled     bool   `long:"mirror-enabled" env:"MIRROR_ENABLED" description:"enable the skopeo-based repository mirror worker" json:"mirror_enabled" yaml:"mirror_enabled"`
}

func parseArgs() (*Options, error) {
	var options Options
	_, errParse := flags.ParseArgs(&options, os.Args)

	// if config file undefined throw error when flag parse
	if options.ConfigPath == "" && errParse != nil {
		return nil, errors.Wrap(errParse, "failed to parse options failed")
	}

	if options.Port > 65535 || options.Port < 1 {
		return nil, errors.New("wrong port value")
	}

	// try read config from config file
	if options.ConfigPath != "" {
		ext := filepath.Ext(options.ConfigPath)
		switch ext {
		case ".json":
			options.configReader = new(jsonConfigParser)
			if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
				return nil, errParse
			}
		case ".yml", ".yaml":
			options.configReader = new(yamlConfigParser)
			if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
				return nil, errParse
			}
		default:
			return nil, errors.Errorf("config parser for %q not implemented", ext)
		}
	}

	if options.Auth.SignSecret == "" {
		options.Auth.SignSecret = generateRandomSecureToken(64)
		log.Print("No sign secret provided - generated random secret. Uploads in flight will not survive a restart. " +
			"To provide a secret, fill in 'sign_secret' at 'auth' section in the configuration file, set the " +
			"'SD_AUTH_SIGN_SECRET' environment variable or use '--auth.sign-secret' CLI flag.")
	}

	return &options, nil
}

// duration parses a go duration option with a fallback default.
func duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[WARN] can't parse duration %q, using %s", value, fallback)
		return fallback
	}
	return d
}

// jsonConfigParser implementation of json file config parser
type jsonConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for json config file
func (j *jsonConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read json config file")
	}

	errParse = json.Unmarshal(data, options)
	if errParse != nil {
		return errors.Wrap(errParse, "failed to unmarshal json config data")
	}
	return nil
}

// yamlConfigParser implementation of yaml file config parser
type yamlConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for yaml config file
func (j *yamlConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read yaml config file")
	}
	errParse = yaml.Unmarshal(data, &options)
	if errParse != nil {
		return fmt.Errorf("failed to unmarshal yaml config data: %v", errParse)
	}
	return nil
}

// generateRandomSecureToken generates a random secret for upload state signing
// when none is configured.
func generateRandomSecureToken(length int) string {
	b := make([]byte, length)
	if _, errRead := rand.Read(b); errRead != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
