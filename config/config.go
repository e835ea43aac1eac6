// Package config loads pod settings from defaults, an optional YAML file and
// the environment variables the container image has always used.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// NetworkVolumePath is where the platform mounts persistent storage.
	NetworkVolumePath    string          `mapstructure:"network_volume_path"`
	PytorchCudaAllocConf string          `mapstructure:"pytorch_cuda_alloc_conf"`
	ReadyCallbackURL     string          `mapstructure:"ready_callback_url"`
	PodID                string          `mapstructure:"pod_id"`
	ModelsPath           string          `mapstructure:"models_path"`
	Comfy                ComfyConfig     `mapstructure:"comfy"`
	Cuda                 CudaConfig      `mapstructure:"cuda"`
	Sidecar              SidecarConfig   `mapstructure:"sidecar"`
	Websocket            WebsocketConfig `mapstructure:"websocket"`
	Mock                 MockConfig      `mapstructure:"mock"`
}

type ComfyConfig struct {
	Dir             string  `mapstructure:"dir"`
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port"`
	ListenAddr      string  `mapstructure:"listen_addr"`
	Python          string  `mapstructure:"python"`
	LogLevel        string  `mapstructure:"log_level"`
	ExtraModelPaths string  `mapstructure:"extra_model_paths"`
	ReadyMaxRetries int     `mapstructure:"ready_max_retries"`
	ReadyIntervalS  float64 `mapstructure:"ready_interval_s"`
	OrgAPIKey       string  `mapstructure:"org_api_key"`
}

type CudaConfig struct {
	// Debug turns on synchronous kernel launches and C++ stack traces.
	Debug bool `mapstructure:"debug"`
}

type SidecarConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

type WebsocketConfig struct {
	ReconnectAttempts int `mapstructure:"reconnect_attempts"`
	ReconnectDelayS   int `mapstructure:"reconnect_delay_s"`
}

type MockConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Image   string `mapstructure:"image"`
	APIPort int    `mapstructure:"api_port"`
}

// Addr is the host:port the sidecar uses to reach ComfyUI.
func (c ComfyConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ComfyConfig) ReadyInterval() time.Duration {
	return time.Duration(c.ReadyIntervalS * float64(time.Second))
}

func (c WebsocketConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayS) * time.Second
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables. Keys map to variables by upper-casing and replacing
// dots, e.g. sidecar.api_key is SIDECAR_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("pod_id", "RUNPOD_POD_ID", "POD_ID"); err != nil {
		return nil, fmt.Errorf("binding pod id env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network_volume_path", DefaultNetworkVolumePath)
	v.SetDefault("pytorch_cuda_alloc_conf", "")
	v.SetDefault("ready_callback_url", "")
	v.SetDefault("pod_id", "unknown")
	v.SetDefault("models_path", "")

	v.SetDefault("comfy.dir", "/comfyui")
	v.SetDefault("comfy.host", "127.0.0.1")
	v.SetDefault("comfy.port", 8188)
	v.SetDefault("comfy.listen_addr", "0.0.0.0")
	v.SetDefault("comfy.python", "python")
	v.SetDefault("comfy.log_level", "DEBUG")
	v.SetDefault("comfy.extra_model_paths", "/etc/comfy-pod/extra_model_paths.yaml")
	v.SetDefault("comfy.ready_max_retries", 600)
	v.SetDefault("comfy.ready_interval_s", 1.0)
	v.SetDefault("comfy.org_api_key", "")

	v.SetDefault("cuda.debug", false)

	v.SetDefault("sidecar.port", 8189)
	v.SetDefault("sidecar.api_key", "")

	v.SetDefault("websocket.reconnect_attempts", 5)
	v.SetDefault("websocket.reconnect_delay_s", 3)

	v.SetDefault("mock.api_key", "test-key")
	v.SetDefault("mock.image", "comfy-pod:latest")
	v.SetDefault("mock.api_port", 9000)
}

// DefaultNetworkVolumePath is the conventional mount point of the
// platform's network volume inside a serverless worker.
const DefaultNetworkVolumePath = "/runpod-volume"
