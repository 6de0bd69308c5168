package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ServiceBus ServiceBusConfig
	Elastic    ElasticConfig
	MQTT       MQTTConfig
	Bridge     BridgeConfig
	Jobs       JobsConfig
	NewRelic   NewRelicConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port           int
	Mode           string // debug, release, test
	RequestTimeout time.Duration
}

// Storage drivers
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// StorageConfig selects where devices and telemetry records are persisted.
// The file driver keeps two JSON documents and rewrites them in full on
// every mutation.
type StorageConfig struct {
	Driver            string
	DataFile          string
	DevicesFile       string
	SeedDefaultDevice bool
	DefaultDevice     DefaultDeviceConfig
}

// DefaultDeviceConfig is the device written into a freshly created registry
type DefaultDeviceConfig struct {
	ID       string
	Name     string
	Location string
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// ElasticConfig holds the Elasticsearch projection configuration
type ElasticConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

// MQTTConfig holds the MQTT ingestion and bridge configuration
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topic    string
	QOS      int
}

// BridgeConfig holds the serial-to-MQTT bridge configuration
type BridgeConfig struct {
	SerialPort string
	BaudRate   int
	DeviceID   string
	BatchSize  int
	MaxBuffer  int
}

// JobsConfig holds the background job configuration
type JobsConfig struct {
	StatsInterval time.Duration
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// envKeyReplacer maps server.port to FLOWIN_SERVER_PORT
var envKeyReplacer = strings.NewReplacer(".", "_")

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/flowin")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("FLOWIN")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 5000)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.request_timeout", 10*time.Second)

	// Storage defaults
	viper.SetDefault("storage.driver", DriverFile)
	viper.SetDefault("storage.data_file", "water_flow_data.json")
	viper.SetDefault("storage.devices_file", "registered_devices.json")
	viper.SetDefault("storage.seed_default_device", true)
	viper.SetDefault("storage.default_device.id", "ESP32_WATER_001")
	viper.SetDefault("storage.default_device.name", "Water Meter 001")
	viper.SetDefault("storage.default_device.location", "Main Building")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "flowin")
	viper.SetDefault("database.password", "flowin")
	viper.SetDefault("database.dbname", "flowin_db")
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", 24*time.Hour)

	// Service Bus defaults - no default connection string for security
	viper.SetDefault("servicebus.queuename", "flowin-telemetry")

	// Elasticsearch defaults
	viper.SetDefault("elastic.enabled", false)
	viper.SetDefault("elastic.url", "http://localhost:9200")
	viper.SetDefault("elastic.index", "flowin-telemetry")

	// MQTT defaults
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.client_id", "flowin-server")
	viper.SetDefault("mqtt.topic", "flowin/+/data")
	viper.SetDefault("mqtt.qos", 1)

	// Bridge defaults
	viper.SetDefault("bridge.serial_port", "/dev/ttyUSB0")
	viper.SetDefault("bridge.baud_rate", 115200)
	viper.SetDefault("bridge.device_id", "ESP32_WATER_001")
	viper.SetDefault("bridge.batch_size", 10)
	viper.SetDefault("bridge.max_buffer", 50)

	// Jobs defaults
	viper.SetDefault("jobs.stats_interval", time.Minute)

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Flowin SWM Server Local")
	viper.SetDefault("newrelic.enabled", false)
}

// Load loads the configuration
func Load() (*Config, error) {
	serverConfig := ServerConfig{
		Port:           viper.GetInt("server.port"),
		Mode:           viper.GetString("server.mode"),
		RequestTimeout: viper.GetDuration("server.request_timeout"),
	}

	storageConfig := StorageConfig{
		Driver:            strings.ToLower(viper.GetString("storage.driver")),
		DataFile:          viper.GetString("storage.data_file"),
		DevicesFile:       viper.GetString("storage.devices_file"),
		SeedDefaultDevice: viper.GetBool("storage.seed_default_device"),
		DefaultDevice: DefaultDeviceConfig{
			ID:       viper.GetString("storage.default_device.id"),
			Name:     viper.GetString("storage.default_device.name"),
			Location: viper.GetString("storage.default_device.location"),
		},
	}
	if storageConfig.Driver != DriverFile && storageConfig.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported storage driver %q", storageConfig.Driver)
	}

	dbConfig := DatabaseConfig{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	}

	redisConfig := RedisConfig{
		Enabled:  viper.GetBool("redis.enabled"),
		Host:     viper.GetString("redis.host"),
		Port:     viper.GetInt("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
		TTL:      viper.GetDuration("redis.ttl"),
	}

	serviceBusConfig := ServiceBusConfig{
		ConnectionString: viper.GetString("servicebus.connectionstring"),
		QueueName:        viper.GetString("servicebus.queuename"),
	}

	elasticConfig := ElasticConfig{
		Enabled:  viper.GetBool("elastic.enabled"),
		URL:      viper.GetString("elastic.url"),
		Username: viper.GetString("elastic.username"),
		Password: viper.GetString("elastic.password"),
		Index:    viper.GetString("elastic.index"),
	}

	mqttConfig := MQTTConfig{
		Enabled:  viper.GetBool("mqtt.enabled"),
		Broker:   viper.GetString("mqtt.broker"),
		ClientID: viper.GetString("mqtt.client_id"),
		Topic:    viper.GetString("mqtt.topic"),
		QOS:      viper.GetInt("mqtt.qos"),
	}

	bridgeConfig := BridgeConfig{
		SerialPort: viper.GetString("bridge.serial_port"),
		BaudRate:   viper.GetInt("bridge.baud_rate"),
		DeviceID:   viper.GetString("bridge.device_id"),
		BatchSize:  viper.GetInt("bridge.batch_size"),
		MaxBuffer:  viper.GetInt("bridge.max_buffer"),
	}

	jobsConfig := JobsConfig{
		StatsInterval: viper.GetDuration("jobs.stats_interval"),
	}

	newRelicConfig := NewRelicConfig{
		AppName:    viper.GetString("newrelic.appname"),
		LicenseKey: viper.GetString("newrelic.licensekey"),
		Enabled:    viper.GetBool("newrelic.enabled"),
	}

	return &Config{
		Server:     serverConfig,
		Storage:    storageConfig,
		Database:   dbConfig,
		Redis:      redisConfig,
		ServiceBus: serviceBusConfig,
		Elastic:    elasticConfig,
		MQTT:       mqttConfig,
		Bridge:     bridgeConfig,
		Jobs:       jobsConfig,
		NewRelic:   newRelicConfig,
	}, nil
}
