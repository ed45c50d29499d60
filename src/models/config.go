package models

// MConfig Structure
type MConfig struct {
	Name         string            `yaml:"name" validate:"required"`
	Host         string            `yaml:"host" validate:"required"`
	LogLevel     string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	DataFolder   string            `yaml:"data_folder" validate:"required"`
	SSLFolder    string            `yaml:"ssl_folder"`
	StreamPort   int               `yaml:"stream_port" validate:"min=1,max=65535"`
	RegistryPort int               `yaml:"registry_port" validate:"min=1,max=65535"`
	AdminPort    int               `yaml:"admin_port" validate:"min=0,max=65535"`
	GrpcPort     int               `yaml:"grpc_port" validate:"min=0,max=65535"`
	Storage      MStorageConfig    `yaml:"storage"`
	Network      MNetworkConfig    `yaml:"network"`
	Stream       MStreamConfig     `yaml:"stream"`
	DataSource   MDataSourceConfig `yaml:"data_source"`
	Routes       []MRouteConfig    `yaml:"routes" validate:"dive"`
}

// GetLogLevel lets the logger read the configured level.
func (c *MConfig) GetLogLevel() string {
	return c.LogLevel
}

type MStorageConfig struct {
	DBType             string `yaml:"db_type" validate:"oneof=sqlite postgres"`
	DBConnectionString string `yaml:"db_connection_string"`
}

type MNetworkConfig struct {
	RequestTimeout int    `yaml:"timeout" validate:"min=1"`
	MaxRetries     int    `yaml:"retries" validate:"min=0"`
	UserAgent      string `yaml:"user_agent"`
	Proxy          string `yaml:"proxy"` // optional outbound proxy for vendor REST calls
}

type MStreamConfig struct {
	DrainTickMs                int `yaml:"drain_tick_ms" validate:"min=1"`
	BatchSize                  int `yaml:"batch_size" validate:"min=1"`
	BroadcastCapacity          int `yaml:"broadcast_capacity" validate:"min=1"`
	HistoryCapacity            int `yaml:"history_capacity" validate:"min=1"`
	RegistrationTimeoutSeconds int `yaml:"registration_timeout_seconds" validate:"min=1"`
	IdleTimeoutSeconds         int `yaml:"idle_timeout_seconds" validate:"min=0"`
	ShutdownGraceSeconds       int `yaml:"shutdown_grace_seconds" validate:"min=1"`
	GCIntervalSeconds          int `yaml:"gc_interval_seconds" validate:"min=1"`
	MaxFrameBytes              int `yaml:"max_frame_bytes" validate:"min=1024"`
}

type MDataSourceConfig struct {
	DataRetentionDays      int             `yaml:"data_retention_days" validate:"min=1"`
	UpdateIntervalSeconds  int             `yaml:"update_interval_seconds" validate:"min=1"`
	MaxConcurrentDownloads int             `yaml:"max_concurrent_downloads" validate:"min=1"`
	Vendors                []MVendorConfig `yaml:"vendors" validate:"dive"`
}

type MVendorConfig struct {
	Name      string           `yaml:"name" validate:"required,oneof=simulated bitget"`
	Enabled   bool             `yaml:"enabled"`
	APIKey    string           `yaml:"api_key"` // Optional
	BaseURL   string           `yaml:"base_url" validate:"omitempty,url"`
	WSURL     string           `yaml:"ws_url" validate:"omitempty,url"`
	Calendar  string           `yaml:"calendar"` // MIC used for market-hours reconnects
	Symbols   []string         `yaml:"symbols"`
	RateLimit MRateLimitConfig `yaml:"rate_limit"`
	TickMs    int              `yaml:"tick_ms" validate:"min=0"`
}

type MRateLimitConfig struct {
	MaxTokens  int `yaml:"max_tokens" validate:"min=1"`
	IntervalMs int `yaml:"interval_ms" validate:"min=1"`
}

// MRouteConfig maps a connection type ("default", "vendor:<name>",
// "broker:<name>") to a registry address for clients.
type MRouteConfig struct {
	Connection string `yaml:"connection" validate:"required"`
	Address    string `yaml:"address" validate:"required,hostname_port"`
}
