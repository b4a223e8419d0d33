package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log struct {
		Level string
		Path  string
	}
	Protoo struct {
		Port           int
		SSLEnable      bool
		CertPath       string
		KeyPath        string
		Subpath        string
		ReadLimit      int64
		RequestTimeout time.Duration
		WriteTimeout   time.Duration
	}
	Admin struct {
		Port           int
		GRPCHealthPort int
	}
	VAD struct {
		SampleRate     int
		HopSize        int
		Threshold      float64
		MinStartFrames int
		MinEndFrames   int
		PollInterval   time.Duration
	}
	ASR struct {
		ServerURL string
		Language  string
		Timeout   time.Duration
	}
	LLM struct {
		Type        string
		ModelName   string
		BaseURL     string
		APIKey      string
		MaxMessages int
		Timeout     time.Duration
		Prompt      string
	}
	Worker struct {
		Bin            string
		ConfigPath     string
		RestartDelay   time.Duration
		KeepaliveStale time.Duration
		TokenSecret    string
		TokenTTL       time.Duration
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.log_level", "info")
	v.SetDefault("log.log_path", "")

	v.SetDefault("protoo_server.port", 5555)
	v.SetDefault("protoo_server.ssl_enable", false)
	v.SetDefault("protoo_server.subpath", "voiceagent")
	v.SetDefault("protoo_server.read_limit", 1<<20)
	v.SetDefault("protoo_server.request_timeout", "10s")
	v.SetDefault("protoo_server.write_timeout", "10s")

	v.SetDefault("admin.port", 8080)
	v.SetDefault("admin.grpc_health_port", 0)

	v.SetDefault("vad.sample_rate", 16000)
	v.SetDefault("vad.hop_size", 160)
	v.SetDefault("vad.threshold", 0.02)
	v.SetDefault("vad.min_start_frames", 20)
	v.SetDefault("vad.min_end_frames", 160)
	v.SetDefault("vad.poll_interval", "100ms")

	v.SetDefault("asr.server_url", "http://127.0.0.1:8178")
	v.SetDefault("asr.language", "zh")
	v.SetDefault("asr.timeout", "30s")

	v.SetDefault("llm_config.llm_type", "qwen")
	v.SetDefault("llm_config.max_messages", 20)
	v.SetDefault("llm_config.timeout", "60s")

	v.SetDefault("worker_config.worker_bin", "./objs/voiceagent")
	v.SetDefault("worker_config.config_path", "./src/transcode.yaml")
	v.SetDefault("worker_config.restart_delay", "5s")
	v.SetDefault("worker_config.keepalive_stale", "30s")
	v.SetDefault("worker_config.token_ttl", "24h")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("log.log_level", "LOG_LEVEL")
	v.BindEnv("protoo_server.port", "PROTOO_PORT")
	v.BindEnv("admin.port", "ADMIN_PORT")
	v.BindEnv("asr.server_url", "ASR_SERVER_URL")
	v.BindEnv("llm_config.api_key", "LLM_API_KEY")
	v.BindEnv("llm_config.llm_type", "LLM_TYPE")
	v.BindEnv("worker_config.worker_bin", "WORKER_BIN")
	v.BindEnv("worker_config.token_secret", "WORKER_TOKEN_SECRET")
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	c.Log.Level = v.GetString("log.log_level")
	c.Log.Path = v.GetString("log.log_path")

	c.Protoo.Port = v.GetInt("protoo_server.port")
	c.Protoo.SSLEnable = v.GetBool("protoo_server.ssl_enable")
	c.Protoo.CertPath = v.GetString("protoo_server.cert_path")
	c.Protoo.KeyPath = v.GetString("protoo_server.key_path")
	c.Protoo.Subpath = NormalizeSubpath(v.GetString("protoo_server.subpath"))
	c.Protoo.ReadLimit = v.GetInt64("protoo_server.read_limit")
	c.Protoo.RequestTimeout = v.GetDuration("protoo_server.request_timeout")
	c.Protoo.WriteTimeout = v.GetDuration("protoo_server.write_timeout")

	c.Admin.Port = v.GetInt("admin.port")
	c.Admin.GRPCHealthPort = v.GetInt("admin.grpc_health_port")

	c.VAD.SampleRate = v.GetInt("vad.sample_rate")
	c.VAD.HopSize = v.GetInt("vad.hop_size")
	c.VAD.Threshold = v.GetFloat64("vad.threshold")
	c.VAD.MinStartFrames = v.GetInt("vad.min_start_frames")
	c.VAD.MinEndFrames = v.GetInt("vad.min_end_frames")
	c.VAD.PollInterval = v.GetDuration("vad.poll_interval")

	c.ASR.ServerURL = v.GetString("asr.server_url")
	c.ASR.Language = v.GetString("asr.language")
	c.ASR.Timeout = v.GetDuration("asr.timeout")

	c.LLM.Type = v.GetString("llm_config.llm_type")
	c.LLM.ModelName = v.GetString("llm_config.model_name")
	c.LLM.BaseURL = v.GetString("llm_config.base_url")
	c.LLM.APIKey = v.GetString("llm_config.api_key")
	c.LLM.MaxMessages = v.GetInt("llm_config.max_messages")
	c.LLM.Timeout = v.GetDuration("llm_config.timeout")
	c.LLM.Prompt = v.GetString("llm_config.prompt")

	c.Worker.Bin = v.GetString("worker_config.worker_bin")
	c.Worker.ConfigPath = v.GetString("worker_config.config_path")
	c.Worker.RestartDelay = v.GetDuration("worker_config.restart_delay")
	c.Worker.KeepaliveStale = v.GetDuration("worker_config.keepalive_stale")
	c.Worker.TokenSecret = v.GetString("worker_config.token_secret")
	c.Worker.TokenTTL = v.GetDuration("worker_config.token_ttl")

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// NormalizeSubpath makes the websocket path absolute: "voiceagent" and
// "/voiceagent/" both become "/voiceagent".
func NormalizeSubpath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.log_level: unknown level %q", c.Log.Level))
	}
	if c.Protoo.Port <= 0 || c.Protoo.Port > 65535 {
		errs = append(errs, fmt.Errorf("protoo_server.port: %d out of range", c.Protoo.Port))
	}
	if c.Protoo.SSLEnable && (c.Protoo.CertPath == "" || c.Protoo.KeyPath == "") {
		errs = append(errs, errors.New("protoo_server: ssl_enable requires cert_path and key_path"))
	}
	if c.Protoo.RequestTimeout <= 0 {
		errs = append(errs, errors.New("protoo_server.request_timeout must be positive"))
	}
	if c.Protoo.WriteTimeout <= 0 {
		errs = append(errs, errors.New("protoo_server.write_timeout must be positive"))
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		errs = append(errs, fmt.Errorf("admin.port: %d out of range", c.Admin.Port))
	}
	if c.VAD.SampleRate <= 0 || c.VAD.HopSize <= 0 {
		errs = append(errs, errors.New("vad: sample_rate and hop_size must be positive"))
	}
	if c.VAD.MinStartFrames <= 0 || c.VAD.MinEndFrames <= 0 {
		errs = append(errs, errors.New("vad: min_start_frames and min_end_frames must be positive"))
	}
	if c.LLM.MaxMessages <= 0 {
		errs = append(errs, errors.New("llm_config.max_messages must be positive"))
	}
	if c.Worker.RestartDelay <= 0 {
		errs = append(errs, errors.New("worker_config.restart_delay must be positive"))
	}
	return errors.Join(errs...)
}

// Dump renders the effective configuration for the startup log. Secrets are
// masked.
func (c Config) Dump() string {
	var b strings.Builder
	line := strings.Repeat("=", 60)
	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "Configuration")
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "[log]\n  level: %s\n  path: %s\n", c.Log.Level, c.Log.Path)
	fmt.Fprintf(&b, "[protoo_server]\n  port: %d\n  ssl: %t\n  cert: %s\n  key: %s\n  subpath: %s\n  request_timeout: %s\n  write_timeout: %s\n",
		c.Protoo.Port, c.Protoo.SSLEnable, c.Protoo.CertPath, c.Protoo.KeyPath, c.Protoo.Subpath, c.Protoo.RequestTimeout, c.Protoo.WriteTimeout)
	fmt.Fprintf(&b, "[admin]\n  port: %d\n  grpc_health_port: %d\n", c.Admin.Port, c.Admin.GRPCHealthPort)
	fmt.Fprintf(&b, "[vad]\n  sample_rate: %d\n  hop_size: %d\n  threshold: %g\n  min_start_frames: %d\n  min_end_frames: %d\n",
		c.VAD.SampleRate, c.VAD.HopSize, c.VAD.Threshold, c.VAD.MinStartFrames, c.VAD.MinEndFrames)
	fmt.Fprintf(&b, "[asr]\n  server_url: %s\n  language: %s\n", c.ASR.ServerURL, c.ASR.Language)
	fmt.Fprintf(&b, "[llm_config]\n  type: %s\n  model: %s\n  base_url: %s\n  api_key: %s\n  max_messages: %d\n",
		c.LLM.Type, c.LLM.ModelName, c.LLM.BaseURL, mask(c.LLM.APIKey), c.LLM.MaxMessages)
	fmt.Fprintf(&b, "[worker_config]\n  worker_bin: %s\n  config_path: %s\n  restart_delay: %s\n  token_secret: %s\n",
		c.Worker.Bin, c.Worker.ConfigPath, c.Worker.RestartDelay, mask(c.Worker.TokenSecret))
	fmt.Fprint(&b, line)
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
