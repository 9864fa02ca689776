package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the VOD proxy server.
// It covers the shared Redis store, the content catalog database, session
// lifecycle timing, relay behavior, and upstream connection settings.
type Config struct {
	BaseURL               string        `json:"baseURL"`               // Base URL for the application (used for redirects and links)
	ListenAddr            string        `json:"listenAddr"`            // Address the HTTP server binds to
	RedisAddr             string        `json:"redisAddr"`             // Redis host:port for the shared session store ("" = in-memory store)
	RedisDB               int           `json:"redisDB"`               // Redis database number
	CatalogDBPath         string        `json:"catalogDBPath"`         // SQLite database path for the content catalog
	Debug                 bool          `json:"debug"`                 // Enable debug logging
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate upstream URLs in logs
	WorkerThreads         int           `json:"workerThreads"`         // Size of the background worker pool
	ConnectionTTL         time.Duration `json:"connectionTTL"`         // TTL on persistent connection state in the shared store
	SessionTTL            time.Duration `json:"sessionTTL"`            // TTL on session records in the shared store
	SessionMaxAge         time.Duration `json:"sessionMaxAge"`         // Idle age after which the sweeper reclaims a session
	SweepInterval         time.Duration `json:"sweepInterval"`         // Interval between sweeper passes
	CleanupDelay          time.Duration `json:"cleanupDelay"`          // Delay before an idle session is torn down
	LockTTL               time.Duration `json:"lockTTL"`               // TTL on the session creation lock
	LockRetries           int           `json:"lockRetries"`           // Attempts to win or observe session creation before giving up
	LockRetryDelay        time.Duration `json:"lockRetryDelay"`        // Pause between lock attempts
	ChunkSize             int           `json:"chunkSize"`             // Relay chunk size in bytes
	ActivitySampleChunks  int           `json:"activitySampleChunks"`  // Chunks between activity updates to the shared store
	ProbeWindow           int64         `json:"probeWindow"`           // Byte window for the content length discovery probe
	ProbeCacheTTL         time.Duration `json:"probeCacheTTL"`         // TTL for cached probe results
	UpstreamTimeout       time.Duration `json:"upstreamTimeout"`       // Timeout for upstream response headers
	ProviderRequestsPerSec int          `json:"providerRequestsPerSec"` // Upstream request rate per provider host
	UserAgent             string        `json:"userAgent"`             // Default upstream User-Agent when the client sends none
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields are stored as strings (e.g. "10s", "30m").
type ConfigFile struct {
	BaseURL                string `json:"baseURL"`
	ListenAddr             string `json:"listenAddr"`
	RedisAddr              string `json:"redisAddr"`
	RedisDB                int    `json:"redisDB"`
	CatalogDBPath          string `json:"catalogDBPath"`
	Debug                  bool   `json:"debug"`
	ObfuscateUrls          bool   `json:"obfuscateUrls"`
	WorkerThreads          int    `json:"workerThreads"`
	ConnectionTTL          string `json:"connectionTTL"`
	SessionTTL             string `json:"sessionTTL"`
	SessionMaxAge          string `json:"sessionMaxAge"`
	SweepInterval          string `json:"sweepInterval"`
	CleanupDelay           string `json:"cleanupDelay"`
	LockTTL                string `json:"lockTTL"`
	LockRetries            int    `json:"lockRetries"`
	LockRetryDelay         string `json:"lockRetryDelay"`
	ChunkSize              int    `json:"chunkSize"`
	ActivitySampleChunks   int    `json:"activitySampleChunks"`
	ProbeWindow            int64  `json:"probeWindow"`
	ProbeCacheTTL          string `json:"probeCacheTTL"`
	UpstreamTimeout        string `json:"upstreamTimeout"`
	ProviderRequestsPerSec int    `json:"providerRequestsPerSec"`
	UserAgent              string `json:"userAgent"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := "/settings/config.json"
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Redis: %s (db %d)", config.RedisAddr, config.RedisDB)
		log.Printf("  Catalog DB: %s", config.CatalogDBPath)
		log.Printf("  Session max age: %s, sweep interval: %s", config.SessionMaxAge, config.SweepInterval)
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:                cf.BaseURL,
		ListenAddr:             cf.ListenAddr,
		RedisAddr:              cf.RedisAddr,
		RedisDB:                cf.RedisDB,
		CatalogDBPath:          cf.CatalogDBPath,
		Debug:                  cf.Debug,
		ObfuscateUrls:          cf.ObfuscateUrls,
		WorkerThreads:          cf.WorkerThreads,
		LockRetries:            cf.LockRetries,
		ChunkSize:              cf.ChunkSize,
		ActivitySampleChunks:   cf.ActivitySampleChunks,
		ProbeWindow:            cf.ProbeWindow,
		ProviderRequestsPerSec: cf.ProviderRequestsPerSec,
		UserAgent:              cf.UserAgent,
	}

	durations := []struct {
		dst  *time.Duration
		src  string
		name string
	}{
		{&config.ConnectionTTL, cf.ConnectionTTL, "connectionTTL"},
		{&config.SessionTTL, cf.SessionTTL, "sessionTTL"},
		{&config.SessionMaxAge, cf.SessionMaxAge, "sessionMaxAge"},
		{&config.SweepInterval, cf.SweepInterval, "sweepInterval"},
		{&config.CleanupDelay, cf.CleanupDelay, "cleanupDelay"},
		{&config.LockTTL, cf.LockTTL, "lockTTL"},
		{&config.LockRetryDelay, cf.LockRetryDelay, "lockRetryDelay"},
		{&config.ProbeCacheTTL, cf.ProbeCacheTTL, "probeCacheTTL"},
		{&config.UpstreamTimeout, cf.UpstreamTimeout, "upstreamTimeout"},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:                "http://localhost:8080",
		ListenAddr:             ":8080",
		RedisAddr:              "localhost:6379",
		CatalogDBPath:          "/settings/catalog.db",
		WorkerThreads:          8,
		ConnectionTTL:          time.Hour,
		SessionTTL:             30 * time.Minute,
		SessionMaxAge:          30 * time.Minute,
		SweepInterval:          time.Minute,
		CleanupDelay:           10 * time.Second,
		LockTTL:                10 * time.Second,
		LockRetries:            3,
		LockRetryDelay:         250 * time.Millisecond,
		ChunkSize:              8 * 1024,
		ActivitySampleChunks:   100,
		ProbeWindow:            1024,
		ProbeCacheTTL:          30 * time.Minute,
		UpstreamTimeout:        30 * time.Second,
		ProviderRequestsPerSec: 5,
		UserAgent:              "VLC/3.0.18 LibVLC/3.0.18",
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.CatalogDBPath == "" {
		config.CatalogDBPath = "/settings/catalog.db"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.ConnectionTTL <= 0 {
		config.ConnectionTTL = time.Hour
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 30 * time.Minute
	}
	if config.SessionMaxAge <= 0 {
		config.SessionMaxAge = 30 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.CleanupDelay <= 0 {
		config.CleanupDelay = 10 * time.Second
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 10 * time.Second
	}
	if config.LockRetries <= 0 {
		config.LockRetries = 3
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = 250 * time.Millisecond
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 8 * 1024
	}
	if config.ActivitySampleChunks <= 0 {
		config.ActivitySampleChunks = 100
	}
	if config.ProbeWindow <= 0 {
		config.ProbeWindow = 1024
	}
	if config.ProbeCacheTTL <= 0 {
		config.ProbeCacheTTL = 30 * time.Minute
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 30 * time.Second
	}
	if config.ProviderRequestsPerSec <= 0 {
		config.ProviderRequestsPerSec = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:                "http://localhost:8080",
		ListenAddr:             ":8080",
		RedisAddr:              "localhost:6379",
		RedisDB:                0,
		CatalogDBPath:          "/settings/catalog.db",
		Debug:                  false,
		ObfuscateUrls:          true,
		WorkerThreads:          8,
		ConnectionTTL:          "1h",
		SessionTTL:             "30m",
		SessionMaxAge:          "30m",
		SweepInterval:          "1m",
		CleanupDelay:           "10s",
		LockTTL:                "10s",
		LockRetries:            3,
		LockRetryDelay:         "250ms",
		ChunkSize:              8192,
		ActivitySampleChunks:   100,
		ProbeWindow:            1024,
		ProbeCacheTTL:          "30m",
		UpstreamTimeout:        "30s",
		ProviderRequestsPerSec: 5,
		UserAgent:              "VLC/3.0.18 LibVLC/3.0.18",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
