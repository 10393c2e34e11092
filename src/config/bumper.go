package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ecovacs-bumper/bumper/src/common/secrets"
)

// BumperConfig is bumper's runtime configuration: one field per spec.md §6
// environment variable, plus the MQTT/XMPP listener ports the core
// components bind. Defaults match the vendor deployment bumper impersonates.
type BumperConfig struct {
	// Listen is the bind address new listeners attach to (BUMPER_LISTEN);
	// MQTTPort/XMPPPort are appended to it to form each listener's address.
	Listen string `koanf:"listen" validate:"required"`
	// AnnounceIP is the address devices are told to reconnect to, relevant
	// when bumper runs behind NAT (BUMPER_ANNOUNCE_IP).
	AnnounceIP string `koanf:"announce_ip"`

	MQTTPort int `koanf:"mqtt_port" validate:"required"`
	XMPPPort int `koanf:"xmpp_port" validate:"required"`

	// DataDir is where the identity store's SQLite file lives (BUMPER_DATA).
	DataDir string `koanf:"data" validate:"required"`

	// CertsDir, CAFile, CertFile, KeyFile locate the single server
	// certificate shared by every TLS listener (BUMPER_CERTS/CA/CERT/KEY).
	CertsDir string `koanf:"certs"`
	CAFile   string `koanf:"ca"`
	CertFile string `koanf:"cert" validate:"required"`
	KeyFile  string `koanf:"key" validate:"required"`

	Debug bool `koanf:"debug"`

	// ProxyMQTT enables upstream mirroring mode (BUMPER_PROXY_MQTT); ProxyWeb
	// is carried for parity with the vendor deployment but only consumed by
	// the out-of-scope HTTPS gateway (BUMPER_PROXY_WEB).
	ProxyMQTT bool `koanf:"proxy_mqtt"`
	ProxyWeb  bool `koanf:"proxy_web"`

	// UseAuth toggles the authcode check for app clients (spec §4.1); it has
	// no dedicated env var in spec.md §6, so it defaults true and is only
	// overridden through a config file.
	UseAuth bool `koanf:"use_auth"`
	// Anonymous accepts any connection the other auth tiers didn't recognize.
	Anonymous bool `koanf:"anonymous"`
	// PasswordFile is the optional bcrypt "user:hash" fallback file path.
	PasswordFile string `koanf:"password_file"`

	// WebHTTPSPort is carried for parity with the out-of-scope HTTPS gateway
	// (WEB_SERVER_HTTPS_PORT); this module never binds it.
	WebHTTPSPort int `koanf:"web_https_port"`

	// HelperBotTimeoutSeconds is loaded and defaults to 60, but no component
	// reads it: SendCommand waits for the timeout its caller passes, or
	// helperbot.DefaultTimeout (60s) when that timeout is zero.
	HelperBotTimeoutSeconds int `koanf:"helperbot_timeout_seconds"`
}

// defaultBumperConfig matches the vendor deployment's defaults from spec.md §6.
func defaultBumperConfig() BumperConfig {
	return BumperConfig{
		Listen:                  "0.0.0.0",
		MQTTPort:                8883,
		XMPPPort:                5223,
		DataDir:                 "./data",
		CertsDir:                "./certs",
		CertFile:                "./certs/cert.pem",
		KeyFile:                 "./certs/key.pem",
		UseAuth:                 true,
		WebHTTPSPort:            443,
		HelperBotTimeoutSeconds: 60,
	}
}

// envKeyMap maps spec.md §6's literal environment variable names onto this
// struct's koanf tags, since BUMPER_PROXY_MQTT etc. don't lowercase-and-strip
// into the same dotted keys koanf's env provider would produce by default.
var envKeyMap = map[string]string{
	"BUMPER_LISTEN":      "listen",
	"BUMPER_ANNOUNCE_IP": "announce_ip",
	"BUMPER_DATA":        "data",
	"BUMPER_CERTS":       "certs",
	"BUMPER_CA":          "ca",
	"BUMPER_CERT":        "cert",
	"BUMPER_KEY":         "key",
	"BUMPER_DEBUG":       "debug",
	"BUMPER_PROXY_MQTT":     "proxy_mqtt",
	"BUMPER_PROXY_WEB":      "proxy_web",
	"WEB_SERVER_HTTPS_PORT": "web_https_port",
}

// LoadBumperConfig layers bumper's configuration the way the teacher's
// config package never got around to (koanf is present in the teacher's
// go.mod but unused there, see DESIGN.md): an optional YAML file supplies
// defaults, then spec.md §6's BUMPER_* environment variables override it.
// filePath may be empty, in which case only defaults and env vars apply.
func LoadBumperConfig(filePath string) (*BumperConfig, error) {
	k := koanf.New(".")

	defaults := defaultBumperConfig()
	if err := k.Load(structProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(rawKey, value string) (string, any) {
		key, ok := envKeyMap[rawKey]
		if !ok {
			return "", nil
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := new(BumperConfig)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := resolveSecretPaths(cfg); err != nil {
		return nil, fmt.Errorf("config: resolve secret paths: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// resolveSecretPaths lets any of the certificate/key/password-file location
// fields be set to "env:NAME" or "file:/path" instead of a literal path, so
// a deployment can keep the real location out of its YAML config and out of
// the BUMPER_* variable itself. A plain path passes through Resolve unchanged.
func resolveSecretPaths(cfg *BumperConfig) error {
	for _, field := range []*string{&cfg.CertFile, &cfg.KeyFile, &cfg.CAFile, &cfg.PasswordFile} {
		resolved, err := secrets.Resolve(*field)
		if err != nil {
			return err
		}
		*field = resolved
	}
	return nil
}

// structProvider adapts a plain struct's koanf-tagged fields into a
// koanf.Provider so defaults can be loaded the same way file/env layers are,
// without hand-writing a map.
type structProviderImpl struct{ v any }

func structProvider(v any) *structProviderImpl { return &structProviderImpl{v: v} }

func (p *structProviderImpl) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("config: ReadBytes unsupported for struct provider")
}

func (p *structProviderImpl) Read() (map[string]any, error) {
	return structToMap(p.v), nil
}

// structToMap flattens BumperConfig's koanf-tagged fields into the map shape
// koanf.Provider.Read expects. BumperConfig's fields are all scalar, so no
// nested-key handling is needed.
func structToMap(v any) map[string]any {
	cfg, ok := v.(BumperConfig)
	if !ok {
		return nil
	}
	return map[string]any{
		"listen":                    cfg.Listen,
		"announce_ip":               cfg.AnnounceIP,
		"mqtt_port":                 cfg.MQTTPort,
		"xmpp_port":                 cfg.XMPPPort,
		"data":                      cfg.DataDir,
		"certs":                     cfg.CertsDir,
		"ca":                        cfg.CAFile,
		"cert":                      cfg.CertFile,
		"key":                       cfg.KeyFile,
		"debug":                     cfg.Debug,
		"proxy_mqtt":                cfg.ProxyMQTT,
		"proxy_web":                 cfg.ProxyWeb,
		"use_auth":                  cfg.UseAuth,
		"anonymous":                 cfg.Anonymous,
		"password_file":             cfg.PasswordFile,
		"web_https_port":            cfg.WebHTTPSPort,
		"helperbot_timeout_seconds": cfg.HelperBotTimeoutSeconds,
	}
}

// MQTTListenAddr is the address the MQTT broker binds, e.g. "0.0.0.0:8883".
func (c *BumperConfig) MQTTListenAddr() string {
	return c.Listen + ":" + strconv.Itoa(c.MQTTPort)
}

// XMPPListenAddr is the address the XMPP server binds, e.g. "0.0.0.0:5223".
func (c *BumperConfig) XMPPListenAddr() string {
	return c.Listen + ":" + strconv.Itoa(c.XMPPPort)
}

// DBPath is the SQLite file path inside DataDir.
func (c *BumperConfig) DBPath() string {
	return strings.TrimRight(c.DataDir, "/") + "/bumper.db"
}
