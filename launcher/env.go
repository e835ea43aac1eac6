package launcher

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/livepeer/comfy-pod/config"
)

//go:embed extra_model_paths.yaml
var defaultExtraModelPaths []byte

const extraModelPathsFile = "extra_model_paths.yaml"

var tcmallocPatterns = []string{
	"/usr/lib/x86_64-linux-gnu/libtcmalloc.so*",
	"/usr/lib/x86_64-linux-gnu/libtcmalloc_minimal.so*",
	"/usr/lib/aarch64-linux-gnu/libtcmalloc.so*",
	"/usr/lib/libtcmalloc.so*",
}

// findTCMalloc returns the first tcmalloc library matching patterns, or "".
func findTCMalloc(patterns []string) string {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			continue
		}
		return matches[0]
	}
	return ""
}

// comfyEnv extends base with the variables ComfyUI is started with.
func comfyEnv(base []string, cfg *config.Config, tcmalloc string) []string {
	env := append([]string{}, base...)
	env = append(env,
		"PYTHONUNBUFFERED=1",
		"COMFY_LOG_LEVEL="+cfg.Comfy.LogLevel,
	)
	if cfg.PytorchCudaAllocConf != "" {
		env = append(env, "PYTORCH_CUDA_ALLOC_CONF="+cfg.PytorchCudaAllocConf)
	}
	if cfg.Cuda.Debug {
		env = append(env, "CUDA_LAUNCH_BLOCKING=1", "TORCH_SHOW_CPP_STACKTRACES=1")
	}
	if tcmalloc != "" {
		env = append(env, "LD_PRELOAD="+tcmalloc)
	}
	return env
}

func comfyArgs(cfg *config.Config) []string {
	return []string{
		"-u", "main.py",
		"--listen", cfg.Comfy.ListenAddr,
		"--port", strconv.Itoa(cfg.Comfy.Port),
		"--disable-auto-launch",
		"--disable-metadata",
		"--verbose", cfg.Comfy.LogLevel,
		"--log-stdout",
	}
}

// writeExtraModelPaths copies the model search path file into the ComfyUI
// directory. The embedded default is used when the configured file does not
// exist. A non-default network volume path replaces the default one.
func writeExtraModelPaths(cfg *config.Config) error {
	data, err := os.ReadFile(cfg.Comfy.ExtraModelPaths)
	if errors.Is(err, fs.ErrNotExist) {
		data = defaultExtraModelPaths
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", cfg.Comfy.ExtraModelPaths, err)
	}

	if cfg.NetworkVolumePath != "" && cfg.NetworkVolumePath != config.DefaultNetworkVolumePath {
		data = bytes.ReplaceAll(data, []byte(config.DefaultNetworkVolumePath), []byte(cfg.NetworkVolumePath))
	}

	dst := filepath.Join(cfg.Comfy.Dir, extraModelPathsFile)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
