package main

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"aircontrolbase2mqtt/acb"
	"aircontrolbase2mqtt/coordinator"

	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "aircontrolbase2mqtt.toml"

type AccountConfig struct {
	Email          string `toml:"email"`
	Password       string `toml:"password"`
	AvoidRefreshMs int    `toml:"avoid_refresh_status_on_update_in_ms"`
	BaseURL        string `toml:"base_url"`
}

type MQTTConfig struct {
	Server     string `toml:"server"`
	ClientID   string `toml:"client_id"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Prefix     string `toml:"prefix"`
	HassPrefix string `toml:"hass_prefix"`
	NodeName   string `toml:"node_name"`
}

type PollConfig struct {
	IntervalSeconds     int `toml:"interval_seconds"`
	RefreshDelaySeconds int `toml:"refresh_delay_seconds"`
	TempSamples         int `toml:"temp_samples"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Config is the whole daemon configuration, as stored in the TOML file
type Config struct {
	Account AccountConfig `toml:"account"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Poll    PollConfig    `toml:"poll"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

var errMissingCredentials = errors.New("email and password are required, run setup first")

func generateNodeName() string {
	reg := regexp.MustCompile("[^a-zA-Z0-9]+")
	hostname, _ := os.Hostname()
	return strings.ToLower(reg.ReplaceAllString(fmt.Sprintf("aircontrolbase_%s", hostname), "_"))
}

// DefaultConfig returns the configuration used for anything the file and flags leave unset
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Account: AccountConfig{
			AvoidRefreshMs: int(acb.DefaultAvoidRefreshWindow / time.Millisecond),
			BaseURL:        acb.DefaultBaseURL,
		},
		MQTT: MQTTConfig{
			Server:     "tcp://127.0.0.1:1883",
			ClientID:   hostname + strconv.Itoa(time.Now().Second()),
			Prefix:     "aircontrolbase2mqtt",
			HassPrefix: "homeassistant",
			NodeName:   generateNodeName(),
		},
		Poll: PollConfig{
			IntervalSeconds:     int(coordinator.DefaultInterval / time.Second),
			RefreshDelaySeconds: int(coordinator.DefaultRefreshDelay / time.Second),
			TempSamples:         1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the TOML file over the defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	file, err := toml.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("No config file at %s, using defaults", path)
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load config %s: %w", path, err)
	}

	data, err := toml.Marshal(*config)
	if err != nil {
		return nil, err
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, err
	}
	mergeTree(tree, file)

	config = &Config{}
	if err := tree.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	return config, nil
}

// mergeTree copies every value of src into dst, descending into tables
func mergeTree(dst, src *toml.Tree) {
	for _, k := range src.Keys() {
		v := src.GetPath([]string{k})
		if sub, ok := v.(*toml.Tree); ok {
			if d, ok := dst.GetPath([]string{k}).(*toml.Tree); ok {
				mergeTree(d, sub)
				continue
			}
		}
		dst.SetPath([]string{k}, v)
	}
}

// Save writes the configuration. The file holds credentials so only the owner can read it.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(*c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0600)
}

func (c *Config) Validate() error {
	if c.Account.Email == "" || c.Account.Password == "" {
		return errMissingCredentials
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.Poll.IntervalSeconds)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) ClientConfig() *acb.Config {
	return &acb.Config{
		Email:              c.Account.Email,
		Password:           c.Account.Password,
		BaseURL:            c.Account.BaseURL,
		AvoidRefreshWindow: time.Duration(c.Account.AvoidRefreshMs) * time.Millisecond,
		Retries:            acb.DefaultRetries,
	}
}

// flags holds the command line values. Only flags set explicitly override the file.
type flags struct {
	configFile     string
	server         string
	clientID       string
	username       string
	password       string
	prefix         string
	hassPrefix     string
	nodeName       string
	email          string
	acbPassword    string
	avoidRefreshMs int
	interval       int
	refreshDelay   int
	tempSamples    int
	logLevel       string
	metrics        string
}

func (f *flags) register(cmd *cobra.Command) {
	defaults := DefaultConfig()
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configFile, "config", defaultConfigFile, "Configuration file")
	pf.StringVar(&f.server, "server", defaults.MQTT.Server, "The full url of the MQTT server to connect to ex: tcp://127.0.0.1:1883")
	pf.StringVar(&f.clientID, "clientid", defaults.MQTT.ClientID, "A clientid for the connection")
	pf.StringVar(&f.username, "username", "", "A username to authenticate to the MQTT server")
	pf.StringVar(&f.password, "password", "", "Password to match username")
	pf.StringVar(&f.prefix, "prefix", defaults.MQTT.Prefix, "MQTT topic root where to publish/read topics")
	pf.StringVar(&f.hassPrefix, "hassPrefix", defaults.MQTT.HassPrefix, "Home assistant discovery prefix")
	pf.StringVar(&f.nodeName, "node", defaults.MQTT.NodeName, "Node name used in topics and discovery")
	pf.StringVar(&f.email, "email", "", "AirControlBase account email")
	pf.StringVar(&f.acbPassword, "acbPassword", "", "AirControlBase account password")
	pf.IntVar(&f.avoidRefreshMs, "avoidRefreshMs", defaults.Account.AvoidRefreshMs, "Milliseconds after a control during which status refreshes are skipped, negative disables")
	pf.IntVar(&f.interval, "interval", defaults.Poll.IntervalSeconds, "Seconds between device refreshes")
	pf.IntVar(&f.refreshDelay, "refreshDelay", defaults.Poll.RefreshDelaySeconds, "Seconds to wait before refreshing after a control")
	pf.IntVar(&f.tempSamples, "tempSamples", defaults.Poll.TempSamples, "Number of readings the current temperature is averaged over")
	pf.StringVar(&f.logLevel, "logLevel", defaults.Log.Level, "Log level (debug, info, warn, error)")
	pf.StringVar(&f.metrics, "metrics", "", "Address to serve Prometheus metrics on, ex: :9090. Disabled if empty")
}

// apply overrides config with the flags set on the command line
func (f *flags) apply(cmd *cobra.Command, config *Config) {
	changed := cmd.Flags().Changed
	if changed("server") {
		config.MQTT.Server = f.server
	}
	if changed("clientid") {
		config.MQTT.ClientID = f.clientID
	}
	if changed("username") {
		config.MQTT.Username = f.username
	}
	if changed("password") {
		config.MQTT.Password = f.password
	}
	if changed("prefix") {
		config.MQTT.Prefix = f.prefix
	}
	if changed("hassPrefix") {
		config.MQTT.HassPrefix = f.hassPrefix
	}
	if changed("node") {
		config.MQTT.NodeName = f.nodeName
	}
	if changed("email") {
		config.Account.Email = f.email
	}
	if changed("acbPassword") {
		config.Account.Password = f.acbPassword
	}
	if changed("avoidRefreshMs") {
		config.Account.AvoidRefreshMs = f.avoidRefreshMs
	}
	if changed("interval") {
		config.Poll.IntervalSeconds = f.interval
	}
	if changed("refreshDelay") {
		config.Poll.RefreshDelaySeconds = f.refreshDelay
	}
	if changed("tempSamples") {
		config.Poll.TempSamples = f.tempSamples
	}
	if changed("logLevel") {
		config.Log.Level = f.logLevel
	}
	if changed("metrics") {
		config.Metrics.Listen = f.metrics
	}
}

// load returns defaults, overridden by the config file, overridden by flags
func (f *flags) load(cmd *cobra.Command) (*Config, error) {
	config, err := LoadConfig(f.configFile)
	if err != nil {
		return nil, err
	}
	f.apply(cmd, config)
	if level, err := log.ParseLevel(config.Log.Level); err == nil {
		log.SetLevel(level)
	}
	return config, nil
}
