package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Parlor server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	JWTSecret    string // HMAC secret for API token signing
	JWTExpiresIn string // token lifetime, e.g. "7d", "12h"

	// Optional PostgreSQL connection. When DBHost is empty the server runs
	// on the embedded SQLite database under DataDir.
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	UploadsDir    string // chat attachment storage (default <data-dir>/uploads)
	RecordingsDir string // call recording artifacts (default <data-dir>/recordings)

	AnnouncedIP   string // externally reachable address advertised in ICE candidates
	RTPPortMin    int    // UDP range for WebRTC media
	RTPPortMax    int
	RecordPortMin int // UDP window for recording taps feeding the muxer
	RecordPortMax int
	FFmpegPath    string

	RecordingMaxDays int // delete recording artifacts after this many days (0 = keep forever)

	MaxUploadBytes int64
	CORSOrigins    string
	LogLevel       string
	LogFormat      string // "text" or "json"
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 3000
	defaultJWTExpiresIn  = "7d"
	defaultDBPort        = 5432
	defaultRTPPortMin    = 40000
	defaultRTPPortMax    = 49999
	defaultRecordPortMin = 20000
	defaultRecordPortMax = 29000
	defaultFFmpegPath    = "ffmpeg"
	defaultMaxUpload     = 25 << 20 // 25 MiB
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for all Parlor environment variables.
const envPrefix = "PARLOR_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("parlor", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.IntVar(&cfg.HTTPPort, "port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "secret for API token signing (required)")
	fs.StringVar(&cfg.JWTExpiresIn, "jwt-expires-in", defaultJWTExpiresIn, "token lifetime (e.g. 7d, 12h)")
	fs.StringVar(&cfg.DBHost, "db-host", "", "PostgreSQL host (empty = embedded SQLite)")
	fs.IntVar(&cfg.DBPort, "db-port", defaultDBPort, "PostgreSQL port")
	fs.StringVar(&cfg.DBName, "db-name", "", "PostgreSQL database name")
	fs.StringVar(&cfg.DBUser, "db-user", "", "PostgreSQL user")
	fs.StringVar(&cfg.DBPassword, "db-password", "", "PostgreSQL password")
	fs.StringVar(&cfg.UploadsDir, "uploads-dir", "", "directory for chat attachments (default <data-dir>/uploads)")
	fs.StringVar(&cfg.RecordingsDir, "recordings-dir", "", "directory for call recordings (default <data-dir>/recordings)")
	fs.StringVar(&cfg.AnnouncedIP, "announced-ip", "", "externally reachable IP for ICE candidates (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for WebRTC media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for WebRTC media")
	fs.IntVar(&cfg.RecordPortMin, "record-port-min", defaultRecordPortMin, "minimum UDP port for recording taps")
	fs.IntVar(&cfg.RecordPortMax, "record-port-max", defaultRecordPortMax, "maximum UDP port for recording taps")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg-path", defaultFFmpegPath, "path to the ffmpeg binary")
	fs.IntVar(&cfg.RecordingMaxDays, "recording-max-days", 0, "delete recordings older than this many days (0 = keep forever)")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", defaultMaxUpload, "maximum chat attachment size in bytes")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "*", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.UploadsDir == "" {
		cfg.UploadsDir = filepath.Join(cfg.DataDir, "uploads")
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = filepath.Join(cfg.DataDir, "recordings")
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Each flag accepts a PARLOR_-prefixed
// variable plus, for the deployment contract, the conventional unprefixed name
// (PORT, JWT_SECRET, JWT_EXPIRES_IN, DB_HOST, ...). The prefixed form wins.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Flag name -> env var names, checked in order.
	envMap := map[string][]string{
		"data-dir":        {envPrefix + "DATA_DIR"},
		"port":            {envPrefix + "PORT", "PORT"},
		"jwt-secret":      {envPrefix + "JWT_SECRET", "JWT_SECRET"},
		"jwt-expires-in":  {envPrefix + "JWT_EXPIRES_IN", "JWT_EXPIRES_IN"},
		"db-host":         {envPrefix + "DB_HOST", "DB_HOST"},
		"db-port":         {envPrefix + "DB_PORT", "DB_PORT"},
		"db-name":         {envPrefix + "DB_NAME", "DB_NAME"},
		"db-user":         {envPrefix + "DB_USER", "DB_USER"},
		"db-password":     {envPrefix + "DB_PASSWORD", "DB_PASSWORD"},
		"uploads-dir":     {envPrefix + "UPLOADS_DIR"},
		"recordings-dir":  {envPrefix + "RECORDINGS_DIR"},
		"announced-ip":    {envPrefix + "ANNOUNCED_IP"},
		"rtp-port-min":    {envPrefix + "RTP_PORT_MIN"},
		"rtp-port-max":    {envPrefix + "RTP_PORT_MAX"},
		"record-port-min": {envPrefix + "RECORD_PORT_MIN"},
		"record-port-max": {envPrefix + "RECORD_PORT_MAX"},
		"ffmpeg-path":     {envPrefix + "FFMPEG_PATH"},
		"recording-max-days": {envPrefix + "RECORDING_MAX_DAYS"},
		"cors-origins":    {envPrefix + "CORS_ORIGINS"},
		"log-level":       {envPrefix + "LOG_LEVEL"},
		"log-format":      {envPrefix + "LOG_FORMAT"},
	}

	lookup := func(names []string) (string, bool) {
		for _, name := range names {
			if val, ok := os.LookupEnv(name); ok && val != "" {
				return val, true
			}
		}
		return "", false
	}

	for flagName, envVars := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookup(envVars)
		if !ok {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "jwt-secret":
			cfg.JWTSecret = val
		case "jwt-expires-in":
			cfg.JWTExpiresIn = val
		case "db-host":
			cfg.DBHost = val
		case "db-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DBPort = v
			}
		case "db-name":
			cfg.DBName = val
		case "db-user":
			cfg.DBUser = val
		case "db-password":
			cfg.DBPassword = val
		case "uploads-dir":
			cfg.UploadsDir = val
		case "recordings-dir":
			cfg.RecordingsDir = val
		case "announced-ip":
			cfg.AnnouncedIP = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "record-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RecordPortMin = v
			}
		case "record-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RecordPortMax = v
			}
		case "ffmpeg-path":
			cfg.FFmpegPath = val
		case "recording-max-days":
			if v, err := strconv.Atoi(val); err == nil && v >= 0 {
				cfg.RecordingMaxDays = v
			}
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt-secret is required (set JWT_SECRET)")
	}
	if _, err := c.JWTTTL(); err != nil {
		return fmt.Errorf("jwt-expires-in: %w", err)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin >= c.RTPPortMax || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp port range %d-%d is invalid", c.RTPPortMin, c.RTPPortMax)
	}
	if c.RecordPortMin < 1024 || c.RecordPortMin >= c.RecordPortMax || c.RecordPortMax > 65535 {
		return fmt.Errorf("record port range %d-%d is invalid", c.RecordPortMin, c.RecordPortMax)
	}
	if c.DBHost != "" && (c.DBName == "" || c.DBUser == "") {
		return fmt.Errorf("db-name and db-user are required when db-host is set")
	}
	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("max-upload-bytes must be positive, got %d", c.MaxUploadBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// UsesPostgres reports whether the server should connect to PostgreSQL
// instead of the embedded SQLite database.
func (c *Config) UsesPostgres() bool {
	return c.DBHost != ""
}

// PostgresDSN returns the pgx connection string built from the DB_* settings.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

// JWTTTL returns the configured token lifetime. The value accepts Go
// duration syntax plus a "d" suffix for days ("7d" = 168h).
func (c *Config) JWTTTL() (time.Duration, error) {
	v := strings.TrimSpace(c.JWTExpiresIn)
	if v == "" {
		v = defaultJWTExpiresIn
	}
	if strings.HasSuffix(v, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil || days < 1 {
			return 0, fmt.Errorf("invalid day count %q", v)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("token lifetime %q is below one minute", v)
	}
	return d, nil
}

// MediaIP returns the IP address advertised in ICE candidates. If AnnouncedIP
// is configured it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address, falling back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.AnnouncedIP != "" {
		return c.AnnouncedIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// CORSOriginList splits the configured origins into a slice.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
