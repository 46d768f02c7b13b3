// Package config handles configuration persistence for rcmon.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"rcmon/codec"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Start modes for a controller monitor.
const (
	StartActive = "active"
	StartIdle   = "idle"
)

// Controller defaults.
const (
	DefaultPort     = 5000
	DefaultInterval = time.Second
)

// Config holds the complete application configuration.
type Config struct {
	Namespace   string             `yaml:"namespace"` // instance namespace for topic/key isolation
	Controllers []ControllerConfig `yaml:"controllers"`
	Web         WebConfig          `yaml:"web"`
	Stream      StreamConfig       `yaml:"stream,omitempty"`
	MQTT        []MQTTConfig       `yaml:"mqtt"`
	Valkey      []ValkeyConfig     `yaml:"valkey,omitempty"`
	Kafka       []KafkaConfig      `yaml:"kafka,omitempty"`
	Push        []PushConfig       `yaml:"push,omitempty"`
	Triggers    []TriggerConfig    `yaml:"triggers,omitempty"`
	UI          UIConfig           `yaml:"ui,omitempty"`

	// dataMu guards every field above. Callers that modify config should
	// Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// ControllerConfig describes one robot controller to monitor.
type ControllerConfig struct {
	Name       string        `yaml:"name"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Password   string        `yaml:"password,omitempty"`
	Terminator string        `yaml:"terminator"` // CR, LF or CRLF
	Locale     string        `yaml:"locale"`     // en, ja, de, fr, zh-CN, zh-TW
	Interval   time.Duration `yaml:"interval"`   // periodic poll cadence
	Start      string        `yaml:"start"`      // active or idle
}

// ReservedControllerNames collide with fixed REST API routes.
var ReservedControllerNames = map[string]bool{
	"events":   true,
	"webhooks": true,
	"triggers": true,
	"login":    true,
	"logout":   true,
}

// Defaults fills unset fields with the controller defaults.
func (c *ControllerConfig) Defaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Terminator == "" {
		c.Terminator = string(codec.TerminatorCRLF)
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Start == "" {
		c.Start = StartActive
	}
}

// Address returns host:port.
func (c *ControllerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks one controller entry.
func (c *ControllerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("controller name is required")
	}
	if ReservedControllerNames[c.Name] {
		return fmt.Errorf("controller name %q is reserved", c.Name)
	}
	if c.Host == "" {
		return fmt.Errorf("controller %s: host is required", c.Name)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("controller %s: port %d out of range", c.Name, c.Port)
	}
	if _, err := codec.ParseTerminator(c.Terminator); err != nil {
		return fmt.Errorf("controller %s: %w", c.Name, err)
	}
	if _, err := codec.LookupLocale(c.Locale); err != nil {
		return fmt.Errorf("controller %s: %w", c.Name, err)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("controller %s: interval must be positive", c.Name)
	}
	if c.Start != StartActive && c.Start != StartIdle {
		return fmt.Errorf("controller %s: start must be %q or %q", c.Name, StartActive, StartIdle)
	}
	return nil
}

// UIConfig stores terminal UI preferences.
type UIConfig struct {
	Theme string `yaml:"theme,omitempty"` // default, mono, amber
}

// WebConfig holds REST server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// With no users the API is open. Otherwise every request needs a
	// session cookie from /api/login or HTTP Basic credentials.
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// API user roles. Viewers may only read.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// WebUser is a REST API account.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`
}

// StreamConfig configures the TCP event stream.
type StreamConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	BufferSize int    `yaml:"buffer_size,omitempty"` // replay buffer, in messages
}

// DefaultStreamPort is the event stream port when none is configured.
const DefaultStreamPort = 9750

// Address returns the stream listen address with defaults applied.
func (s StreamConfig) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultStreamPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // also PUBLISH each snapshot
	EnableControl  bool          `yaml:"enable_control,omitempty"`  // consume activate/idle requests
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// AutoCreateTopics is a pointer so that "not set" defaults to true.
type KafkaConfig struct {
	Name             string        `yaml:"name"`
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	UseTLS           bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username         string        `yaml:"username,omitempty"`
	Password         string        `yaml:"password,omitempty"`
	RequiredAcks     int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryBackoff     time.Duration `yaml:"retry_backoff,omitempty"`
	Selector         string        `yaml:"selector,omitempty"`
	AutoCreateTopics *bool         `yaml:"auto_create_topics,omitempty"`
	EnableControl    bool          `yaml:"enable_control,omitempty"`
	ConsumerGroup    string        `yaml:"consumer_group,omitempty"`
}

// Webhook authentication types.
const (
	PushAuthNone         = ""
	PushAuthBearer       = "bearer"
	PushAuthBasic        = "basic"
	PushAuthJWT          = "jwt"
	PushAuthCustomHeader = "custom_header"
)

// PushAuthConfig holds webhook authentication settings.
type PushAuthConfig struct {
	Type        string `yaml:"type,omitempty"`
	Token       string `yaml:"token,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	HeaderName  string `yaml:"header_name,omitempty"`
	HeaderValue string `yaml:"header_value,omitempty"`
}

// PushCondition compares one field of a controller's live state, addressed
// by its JSON path (controller.status.signal.emergencyStop, robots.0.status.powerHigh).
type PushCondition struct {
	Controller string      `yaml:"controller"`
	Field      string      `yaml:"field"`
	Operator   string      `yaml:"operator"` // ==, !=, >, <, >=, <=
	Value      interface{} `yaml:"value"`
}

// PushConfig describes an HTTP webhook fired when any of its conditions
// becomes true.
type PushConfig struct {
	Name            string            `yaml:"name"`
	Enabled         bool              `yaml:"enabled"`
	Conditions      []PushCondition   `yaml:"conditions"`
	Method          string            `yaml:"method,omitempty"` // default POST
	URL             string            `yaml:"url"`
	ContentType     string            `yaml:"content_type,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	Body            string            `yaml:"body,omitempty"` // #{controller:field} references are substituted
	Auth            PushAuthConfig    `yaml:"auth,omitempty"`
	CooldownMin     time.Duration     `yaml:"cooldown_min,omitempty"`
	CooldownPerCond bool              `yaml:"cooldown_per_condition,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
}

// TriggerCondition is the edge condition watched by a trigger.
type TriggerCondition struct {
	Field    string      `yaml:"field"`
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value"`
}

// TriggerConfig captures selected fields of one controller's state to a
// Kafka topic each time its condition goes from false to true.
type TriggerConfig struct {
	Name         string            `yaml:"name"`
	Enabled      bool              `yaml:"enabled"`
	Controller   string            `yaml:"controller"`
	Condition    TriggerCondition  `yaml:"condition"`
	Fields       []string          `yaml:"fields,omitempty"` // empty captures the whole state
	KafkaCluster string            `yaml:"kafka_cluster"`
	Topic        string            `yaml:"topic"`
	Metadata     map[string]string `yaml:"metadata,omitempty"`
	DebounceMS   int               `yaml:"debounce_ms,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace:   "rcmon",
		Controllers: []ControllerConfig{},
		Web: WebConfig{
			Enabled: false,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:     []MQTTConfig{},
		Valkey:   []ValkeyConfig{},
		Kafka:    []KafkaConfig{},
		Push:     []PushConfig{},
		Triggers: []TriggerConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.rcmon/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".rcmon", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are saved best-effort.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path)
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range cfg.Controllers {
		cfg.Controllers[i].Defaults()
	}

	// Sessions must survive restarts once API users exist.
	if len(cfg.Web.Users) > 0 && cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		cfg.Save(path)
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback run after every successful save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}
	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	c.notifyChangeListeners()
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores and dots")
	}
	seen := make(map[string]bool, len(c.Controllers))
	for i := range c.Controllers {
		ctrl := &c.Controllers[i]
		if err := ctrl.Validate(); err != nil {
			return err
		}
		if !IsValidNamespace(ctrl.Name) {
			return fmt.Errorf("controller name %q: must contain only alphanumeric characters, hyphens, underscores and dots", ctrl.Name)
		}
		if seen[ctrl.Name] {
			return fmt.Errorf("duplicate controller name %q", ctrl.Name)
		}
		seen[ctrl.Name] = true
	}
	pushes := make(map[string]bool, len(c.Push))
	for _, p := range c.Push {
		if p.Name == "" {
			return fmt.Errorf("push name is required")
		}
		if pushes[p.Name] {
			return fmt.Errorf("duplicate push name %q", p.Name)
		}
		pushes[p.Name] = true
		if p.URL == "" {
			return fmt.Errorf("push %s: url is required", p.Name)
		}
		for i, cond := range p.Conditions {
			if cond.Controller == "" || cond.Field == "" {
				return fmt.Errorf("push %s: condition %d needs controller and field", p.Name, i)
			}
		}
	}
	users := make(map[string]bool, len(c.Web.Users))
	for _, u := range c.Web.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("web user needs username and password_hash")
		}
		if users[u.Username] {
			return fmt.Errorf("duplicate web user %q", u.Username)
		}
		users[u.Username] = true
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			return fmt.Errorf("web user %s: role must be %s or %s", u.Username, RoleAdmin, RoleViewer)
		}
	}
	triggers := make(map[string]bool, len(c.Triggers))
	for _, t := range c.Triggers {
		if t.Name == "" {
			return fmt.Errorf("trigger name is required")
		}
		if triggers[t.Name] {
			return fmt.Errorf("duplicate trigger name %q", t.Name)
		}
		triggers[t.Name] = true
		if t.Controller == "" || t.Condition.Field == "" {
			return fmt.Errorf("trigger %s: controller and condition field are required", t.Name)
		}
		if (t.KafkaCluster == "") != (t.Topic == "") {
			return fmt.Errorf("trigger %s: kafka_cluster and topic must be set together", t.Name)
		}
	}
	return nil
}

// IsValidNamespace reports whether ns is non-empty and contains only
// alphanumerics, hyphens, underscores and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindController returns the controller config with the given name, or nil.
func (c *Config) FindController(name string) *ControllerConfig {
	for i := range c.Controllers {
		if c.Controllers[i].Name == name {
			return &c.Controllers[i]
		}
	}
	return nil
}

// AddController appends a controller, filling defaults.
func (c *Config) AddController(ctrl ControllerConfig) {
	ctrl.Defaults()
	c.Controllers = append(c.Controllers, ctrl)
}

// RemoveController removes a controller by name.
func (c *Config) RemoveController(name string) bool {
	for i, ctrl := range c.Controllers {
		if ctrl.Name == name {
			c.Controllers = append(c.Controllers[:i], c.Controllers[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateController replaces an existing controller.
func (c *Config) UpdateController(name string, updated ControllerConfig) bool {
	for i, ctrl := range c.Controllers {
		if ctrl.Name == name {
			updated.Defaults()
			c.Controllers[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateMQTT updates an existing MQTT configuration.
func (c *Config) UpdateMQTT(name string, updated MQTTConfig) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT[i] = updated
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindPush returns the push config with the given name, or nil if not found.
func (c *Config) FindPush(name string) *PushConfig {
	for i := range c.Push {
		if c.Push[i].Name == name {
			return &c.Push[i]
		}
	}
	return nil
}

// AddPush adds a new push configuration.
func (c *Config) AddPush(push PushConfig) {
	c.Push = append(c.Push, push)
}

// RemovePush removes a push config by name.
func (c *Config) RemovePush(name string) bool {
	for i, p := range c.Push {
		if p.Name == name {
			c.Push = append(c.Push[:i], c.Push[i+1:]...)
			return true
		}
	}
	return false
}

// FindTrigger returns the trigger config with the given name, or nil if not found.
func (c *Config) FindTrigger(name string) *TriggerConfig {
	for i := range c.Triggers {
		if c.Triggers[i].Name == name {
			return &c.Triggers[i]
		}
	}
	return nil
}

// RemoveTrigger removes a trigger config by name.
func (c *Config) RemoveTrigger(name string) bool {
	for i, t := range c.Triggers {
		if t.Name == name {
			c.Triggers = append(c.Triggers[:i], c.Triggers[i+1:]...)
			return true
		}
	}
	return false
}
