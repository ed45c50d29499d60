package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"market-feeder/src/helpers"
	"market-feeder/src/models"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from YAML file
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal on top of defaults
	config := Default()
	if err := yaml.Unmarshal(data, config.MConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

// Default returns a configuration that runs the simulated vendor on localhost.
func Default() *Config {
	return &Config{MConfig: &models.MConfig{
		Name:         "market-feeder",
		Host:         "127.0.0.1",
		LogLevel:     "info",
		DataFolder:   "./data",
		StreamPort:   8081,
		RegistryPort: 8080,
		AdminPort:    8090,
		GrpcPort:     50051,
		Storage:      models.MStorageConfig{DBType: "sqlite"},
		Network:      models.MNetworkConfig{RequestTimeout: 10, MaxRetries: 3, UserAgent: "market-feeder"},
		Stream: models.MStreamConfig{
			DrainTickMs:                5,
			BatchSize:                  500,
			BroadcastCapacity:          1000,
			HistoryCapacity:            100,
			RegistrationTimeoutSeconds: 10,
			IdleTimeoutSeconds:         300,
			ShutdownGraceSeconds:       30,
			GCIntervalSeconds:          30,
			MaxFrameBytes:              64 << 20,
		},
		DataSource: models.MDataSourceConfig{
			DataRetentionDays:      30,
			UpdateIntervalSeconds:  900,
			MaxConcurrentDownloads: 4,
			Vendors: []models.MVendorConfig{
				{
					Name:      string(models.VendorSimulated),
					Enabled:   true,
					Symbols:   []string{"EUR-USD", "NQ"},
					RateLimit: models.MRateLimitConfig{MaxTokens: 50, IntervalMs: 1000},
					TickMs:    100,
				},
			},
		},
	}}
}

// -----------------------------------------------------------------------------

// Validate runs struct tag validation then cross-field checks
func (c *Config) Validate() error {
	if err := validate.Struct(c.MConfig); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	ports := map[int]string{}
	for name, port := range map[string]int{
		"stream_port":   c.StreamPort,
		"registry_port": c.RegistryPort,
		"admin_port":    c.AdminPort,
		"grpc_port":     c.GrpcPort,
	} {
		if port == 0 {
			continue
		}
		if other, ok := ports[port]; ok {
			return fmt.Errorf("%s and %s both use port %d", name, other, port)
		}
		ports[port] = name
	}

	if c.Network.Proxy != "" {
		if _, err := helpers.NormalizeProxy(c.Network.Proxy); err != nil {
			return err
		}
	}

	if c.Storage.DBType == "postgres" && c.Storage.DBConnectionString == "" {
		return fmt.Errorf("database connection string cannot be empty for postgres")
	}

	enabled := 0
	seen := map[string]bool{}
	for _, v := range c.DataSource.Vendors {
		if seen[v.Name] {
			return fmt.Errorf("vendor '%s' configured twice", v.Name)
		}
		seen[v.Name] = true
		if v.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one vendor must be enabled")
	}

	for _, r := range c.Routes {
		if _, err := models.ParseConnectionType(r.Connection); err != nil {
			return fmt.Errorf("route %s: %w", r.Address, err)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Vendor returns the configuration of a named vendor
func (c *Config) Vendor(name models.Vendor) (models.MVendorConfig, bool) {
	for _, v := range c.DataSource.Vendors {
		if v.Name == string(name) {
			return v, true
		}
	}
	return models.MVendorConfig{}, false
}

// -----------------------------------------------------------------------------

// SetVendorEnabled toggles a vendor, adding a default entry when missing.
func (c *Config) SetVendorEnabled(name models.Vendor, enabled bool) {
	for i := range c.DataSource.Vendors {
		if c.DataSource.Vendors[i].Name == string(name) {
			c.DataSource.Vendors[i].Enabled = enabled
			return
		}
	}
	if !enabled {
		return
	}
	c.DataSource.Vendors = append(c.DataSource.Vendors, models.MVendorConfig{
		Name:      string(name),
		Enabled:   true,
		RateLimit: models.MRateLimitConfig{MaxTokens: 10, IntervalMs: 1000},
	})
}

// -----------------------------------------------------------------------------

// CertPaths returns the TLS certificate and key paths, or empty strings when no
// ssl folder is configured.
func (c *Config) CertPaths() (string, string) {
	if c.SSLFolder == "" {
		return "", ""
	}
	return filepath.Join(c.SSLFolder, "cert.pem"), filepath.Join(c.SSLFolder, "key.pem")
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// 2. Write to file (0644 permissions)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
