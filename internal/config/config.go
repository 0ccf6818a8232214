package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/labcapture/internal/sensor"
	"github.com/audiolibrelab/labcapture/internal/trigger"
)

// DefaultStopDelayMs is used when no profile sets recorder.stop_delay_ms.
const DefaultStopDelayMs = 5000

type DefinitionsConfig struct {
	Sensors []SensorDefinition `mapstructure:"sensors" yaml:"sensors"`
}

type SensorDefinition struct {
	ID        string              `mapstructure:"id" yaml:"id"`
	Name      string              `mapstructure:"name" yaml:"name"`
	Kind      string              `mapstructure:"kind" yaml:"kind"` // "sine" (default), "ramp", "constant"
	Units     string              `mapstructure:"units" yaml:"units,omitempty"`
	RateHz    float64             `mapstructure:"rate_hz" yaml:"rate_hz,omitempty"`
	Amplitude float64             `mapstructure:"amplitude" yaml:"amplitude,omitempty"`
	Offset    float64             `mapstructure:"offset" yaml:"offset,omitempty"`
	PeriodMs  float64             `mapstructure:"period_ms" yaml:"period_ms,omitempty"`
	Triggers  []TriggerDefinition `mapstructure:"triggers" yaml:"triggers,omitempty"`
}

type TriggerDefinition struct {
	ID                string   `mapstructure:"id" yaml:"id,omitempty"`
	Action            string   `mapstructure:"action" yaml:"action"`
	When              string   `mapstructure:"when" yaml:"when"`
	Threshold         float64  `mapstructure:"threshold" yaml:"threshold"`
	OnlyWhenRecording bool     `mapstructure:"only_when_recording" yaml:"only_when_recording,omitempty"`
	AlertTypes        []string `mapstructure:"alert_types" yaml:"alert_types,omitempty"`
	NoteText          string   `mapstructure:"note_text" yaml:"note_text,omitempty"`
}

type SensorReference struct {
	Ref       string   `mapstructure:"ref" yaml:"ref"`
	RateHz    *float64 `mapstructure:"rate_hz,omitempty" yaml:"rate_hz,omitempty"`
	Amplitude *float64 `mapstructure:"amplitude,omitempty" yaml:"amplitude,omitempty"`
	Offset    *float64 `mapstructure:"offset,omitempty" yaml:"offset,omitempty"`
}

type GlobalsConfig struct {
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Recorder RecorderConfig `mapstructure:"recorder" yaml:"recorder"`
	Sensors  []Sensor       `mapstructure:"sensors" yaml:"sensors"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`

	// Where each resolved value came from, for `config show`
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Recorder RecorderConfig    `mapstructure:"recorder" yaml:"recorder"`
	Sensors  []SensorReference `mapstructure:"sensors" yaml:"sensors"`
	Storage  StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Server   ServerConfig      `mapstructure:"server" yaml:"server"`
}

type InheritanceInfo struct {
	Recorder struct {
		StopDelay    string // "inherited" or "profile-specific"
		ResumeIntent string
	}
	Storage struct {
		Database string
		History  string
	}
	Server struct {
		Host string
		Port string
	}
	Sensors map[string]map[string]string // sensor id -> option -> origin
}

type RecorderConfig struct {
	StopDelayMs  *int   `mapstructure:"stop_delay_ms" yaml:"stop_delay_ms,omitempty"`
	ResumeIntent string `mapstructure:"resume_intent" yaml:"resume_intent,omitempty"`
}

type StorageConfig struct {
	Database string `mapstructure:"database" yaml:"database,omitempty"`
	History  string `mapstructure:"history" yaml:"history,omitempty"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
}

// Sensor is a resolved sensor: its definition with profile overrides applied.
type Sensor struct {
	ID        string              `mapstructure:"id" yaml:"id"`
	Name      string              `mapstructure:"name" yaml:"name"`
	Kind      string              `mapstructure:"kind" yaml:"kind"`
	Units     string              `mapstructure:"units" yaml:"units,omitempty"`
	RateHz    float64             `mapstructure:"rate_hz" yaml:"rate_hz,omitempty"`
	Amplitude float64             `mapstructure:"amplitude" yaml:"amplitude,omitempty"`
	Offset    float64             `mapstructure:"offset" yaml:"offset,omitempty"`
	PeriodMs  float64             `mapstructure:"period_ms" yaml:"period_ms,omitempty"`
	Triggers  []TriggerDefinition `mapstructure:"triggers" yaml:"triggers,omitempty"`

	overrides map[string]bool
}

func defaultStorage() StorageConfig {
	base := filepath.Join(os.Getenv("HOME"), ".local", "share", "labcapture")
	return StorageConfig{
		Database: filepath.Join(base, "labcapture.db"),
		History:  filepath.Join(base, "history.yaml"),
	}
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(defaultConfig, selectedConfig)
		}
	}

	// Global storage paths take priority over profile-specific ones
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Storage.Database != "" {
			selectedConfig.Storage.Database = rootConfig.Globals.Storage.Database
		}
		if rootConfig.Globals.Storage.History != "" {
			selectedConfig.Storage.History = rootConfig.Globals.Storage.History
		}
	}

	defaults := defaultStorage()
	if selectedConfig.Storage.Database == "" {
		selectedConfig.Storage.Database = defaults.Database
	}
	if selectedConfig.Storage.History == "" {
		selectedConfig.Storage.History = defaults.History
	}
	selectedConfig.Storage.Database = expandPath(selectedConfig.Storage.Database)
	selectedConfig.Storage.History = expandPath(selectedConfig.Storage.History)

	if selectedConfig.Server.Host == "" {
		selectedConfig.Server.Host = "localhost"
	}
	if selectedConfig.Server.Port == 0 {
		selectedConfig.Server.Port = 8080
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// Watch reloads the profile whenever the config file changes and hands
// the result to onChange. A reload that fails validation is passed as an
// error and the previous config stays in effect for the caller.
func Watch(configFile, profile string, onChange func(*Config, error)) error {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(LoadWithProfile(configFile, profile))
	})
	v.WatchConfig()
	return nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving sensor references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Recorder: profile.Recorder,
		Storage:  profile.Storage,
		Server:   profile.Server,
	}

	for i, ref := range profile.Sensors {
		if ref.Ref == "" {
			return nil, fmt.Errorf("sensors[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("sensors[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		s := Sensor{
			ID:        definition.ID,
			Name:      definition.Name,
			Kind:      definition.Kind,
			Units:     definition.Units,
			RateHz:    definition.RateHz,
			Amplitude: definition.Amplitude,
			Offset:    definition.Offset,
			PeriodMs:  definition.PeriodMs,
			Triggers:  definition.Triggers,
			overrides: make(map[string]bool),
		}

		// Apply overrides
		if ref.RateHz != nil {
			s.RateHz = *ref.RateHz
			s.overrides[sensor.OptionRateHz] = true
		}
		if ref.Amplitude != nil {
			s.Amplitude = *ref.Amplitude
			s.overrides[sensor.OptionAmplitude] = true
		}
		if ref.Offset != nil {
			s.Offset = *ref.Offset
			s.overrides[sensor.OptionOffset] = true
		}

		config.Sensors = append(config.Sensors, s)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *SensorDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Sensors {
		if definitions.Sensors[i].ID == id {
			return &definitions.Sensors[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Sensors: only the sensors listed in the profile are observed
// - A listed sensor inherits the default profile's overrides it does not set itself
// - Recorder, storage and server settings use the profile value or fall back to default
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{}
	result.Inheritance = &InheritanceInfo{
		Sensors: make(map[string]map[string]string),
	}

	if base != nil {
		result.Recorder = base.Recorder
		result.Storage = base.Storage
		result.Server = base.Server

		result.Inheritance.Recorder.StopDelay = "inherited"
		result.Inheritance.Recorder.ResumeIntent = "inherited"
		result.Inheritance.Storage.Database = "inherited"
		result.Inheritance.Storage.History = "inherited"
		result.Inheritance.Server.Host = "inherited"
		result.Inheritance.Server.Port = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Recorder.StopDelayMs != nil {
		result.Recorder.StopDelayMs = profile.Recorder.StopDelayMs
		result.Inheritance.Recorder.StopDelay = "profile-specific"
	}
	if profile.Recorder.ResumeIntent != "" {
		result.Recorder.ResumeIntent = profile.Recorder.ResumeIntent
		result.Inheritance.Recorder.ResumeIntent = "profile-specific"
	}
	if profile.Storage.Database != "" {
		result.Storage.Database = profile.Storage.Database
		result.Inheritance.Storage.Database = "profile-specific"
	}
	if profile.Storage.History != "" {
		result.Storage.History = profile.Storage.History
		result.Inheritance.Storage.History = "profile-specific"
	}
	if profile.Server.Host != "" {
		result.Server.Host = profile.Server.Host
		result.Inheritance.Server.Host = "profile-specific"
	}
	if profile.Server.Port != 0 {
		result.Server.Port = profile.Server.Port
		result.Inheritance.Server.Port = "profile-specific"
	}

	result.Sensors = make([]Sensor, 0, len(profile.Sensors))
	for _, profileSensor := range profile.Sensors {
		resolved := profileSensor
		resolved.overrides = make(map[string]bool, len(profileSensor.overrides))
		origins := map[string]string{}
		for key := range profileSensor.overrides {
			resolved.overrides[key] = true
			origins[key] = "profile-specific"
		}

		if base != nil {
			for _, baseSensor := range base.Sensors {
				if baseSensor.ID != profileSensor.ID {
					continue
				}
				for key := range baseSensor.overrides {
					if resolved.overrides[key] {
						continue
					}
					resolved.setOption(key, baseSensor.option(key))
					resolved.overrides[key] = true
					origins[key] = "inherited"
				}
				break
			}
		}

		result.Inheritance.Sensors[resolved.ID] = origins
		result.Sensors = append(result.Sensors, resolved)
	}

	return result
}

func (s *Sensor) option(key string) float64 {
	switch key {
	case sensor.OptionRateHz:
		return s.RateHz
	case sensor.OptionAmplitude:
		return s.Amplitude
	case sensor.OptionOffset:
		return s.Offset
	}
	return 0
}

func (s *Sensor) setOption(key string, v float64) {
	switch key {
	case sensor.OptionRateHz:
		s.RateHz = v
	case sensor.OptionAmplitude:
		s.Amplitude = v
	case sensor.OptionOffset:
		s.Offset = v
	}
}

// Spec returns the descriptive metadata registered for the sensor.
func (s Sensor) Spec() sensor.Spec {
	kind := s.Kind
	if kind == "" {
		kind = string(sensor.WaveformSine)
	}
	return sensor.Spec{ID: sensor.ID(s.ID), Name: s.Name, Kind: kind, Units: s.Units}
}

// Options renders the non-zero numeric settings as source options.
func (s Sensor) Options() sensor.Options {
	opts := sensor.Options{}
	put := func(key string, v float64) {
		if v != 0 || s.overrides[key] {
			opts[key] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	put(sensor.OptionRateHz, s.RateHz)
	put(sensor.OptionAmplitude, s.Amplitude)
	put(sensor.OptionOffset, s.Offset)
	put(sensor.OptionPeriodMs, s.PeriodMs)
	return opts
}

// BuildTriggers turns the trigger definitions into validated triggers.
// Definitions without an id get one derived from the sensor id and position.
func (s Sensor) BuildTriggers() ([]*trigger.Trigger, error) {
	out := make([]*trigger.Trigger, 0, len(s.Triggers))
	for i, def := range s.Triggers {
		t, err := def.build(s.ID, i)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: triggers[%d]: %w", s.ID, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (d TriggerDefinition) build(sensorID string, index int) (*trigger.Trigger, error) {
	id := d.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", sensorID, index)
	}
	t := &trigger.Trigger{
		ID:                id,
		SensorID:          sensorID,
		Action:            trigger.Action(strings.ToUpper(d.Action)),
		When:              trigger.When(strings.ToUpper(d.When)),
		Threshold:         d.Threshold,
		OnlyWhenRecording: d.OnlyWhenRecording,
		NoteText:          d.NoteText,
	}
	for _, a := range d.AlertTypes {
		t.AlertTypes = append(t.AlertTypes, trigger.AlertType(strings.ToUpper(a)))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// StopDelay is how long a sensor source keeps running after observation
// stops before it is told to stop.
func (c *Config) StopDelay() time.Duration {
	if c.Recorder.StopDelayMs == nil {
		return DefaultStopDelayMs * time.Millisecond
	}
	return time.Duration(*c.Recorder.StopDelayMs) * time.Millisecond
}

// Sensor returns the resolved sensor with the given id.
func (c *Config) Sensor(id string) (Sensor, bool) {
	for _, s := range c.Sensors {
		if s.ID == id {
			return s, true
		}
	}
	return Sensor{}, false
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("LABCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			continue
		}
		if err := validateSensorReferences(configProfile.Sensors, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
		if d := configProfile.Recorder.StopDelayMs; d != nil && *d < 0 {
			return nil, fmt.Errorf("invalid config '%s': recorder.stop_delay_ms must be >= 0, got %d", configName, *d)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Sensors) == 0 {
		return fmt.Errorf("definitions.sensors cannot be empty")
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Sensors {
		if def.ID == "" {
			return fmt.Errorf("definitions.sensors[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.sensors[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateSensorDefinition(def, fmt.Sprintf("definitions.sensors[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateSensorDefinition validates a single sensor definition
func validateSensorDefinition(def SensorDefinition, prefix string) error {
	if def.Name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}

	if _, err := sensor.NewSource(def.Kind, nil); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	if def.RateHz < 0 {
		return fmt.Errorf("%s: 'rate_hz' must be >= 0, got: %.2f", prefix, def.RateHz)
	}
	if def.PeriodMs < 0 {
		return fmt.Errorf("%s: 'period_ms' must be >= 0, got: %.0f", prefix, def.PeriodMs)
	}

	seenTriggers := make(map[string]bool)
	for j, td := range def.Triggers {
		t, err := td.build(def.ID, j)
		if err != nil {
			return fmt.Errorf("%s: triggers[%d]: %w", prefix, j, err)
		}
		if seenTriggers[t.ID] {
			return fmt.Errorf("%s: triggers[%d]: duplicate ID '%s'", prefix, j, t.ID)
		}
		seenTriggers[t.ID] = true
	}

	return nil
}

// validateSensorReferences validates sensor references in a config profile
func validateSensorReferences(refs []SensorReference, definitions *DefinitionsConfig) error {
	seen := make(map[string]bool)
	for i, ref := range refs {
		prefix := fmt.Sprintf("sensors[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}
		if findDefinition(definitions, ref.Ref) == nil {
			return fmt.Errorf("%s: references undefined sensor definition '%s'", prefix, ref.Ref)
		}
		if seen[ref.Ref] {
			return fmt.Errorf("%s: sensor '%s' listed twice", prefix, ref.Ref)
		}
		seen[ref.Ref] = true

		if ref.RateHz != nil && *ref.RateHz <= 0 {
			return fmt.Errorf("%s: rate_hz override must be > 0, got %.2f", prefix, *ref.RateHz)
		}
	}

	return nil
}
