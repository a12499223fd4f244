package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// identity names the binary, its env prefix, and its config file stem.
type identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	configMu    sync.RWMutex
	appIdentity *identity
)

func defaultIdentity() *identity {
	return &identity{BinaryName: "ckptrun", EnvPrefix: "CKPTRUN", ConfigName: "ckptrun"}
}

// EnvPrefix returns the environment variable prefix.
func EnvPrefix() string {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return defaultIdentity().EnvPrefix
	}
	return appIdentity.EnvPrefix
}

// envSpec maps a short environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short env aliases. Every key is additionally
// reachable as <PREFIX>_<SECTION>_<KEY>, e.g. CKPTRUN_RUN_TOTAL_STEPS.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "TOTAL_STEPS", Path: "run.total_steps"},
		{Name: p + "FAIL_PROBABILITY", Path: "run.fail_probability"},
		{Name: p + "STEP_DURATION", Path: "run.step_duration"},
		{Name: p + "SEED", Path: "run.seed"},
		{Name: p + "PROVIDER", Path: "checkpoint.provider"},
		{Name: p + "CKPT_DIR", Path: "checkpoint.dir"},
		{Name: p + "PREFIX", Path: "checkpoint.prefix"},
		{Name: p + "BUCKET", Path: "checkpoint.s3.bucket"},
		{Name: p + "REGION", Path: "checkpoint.s3.region"},
		{Name: p + "ENDPOINT", Path: "checkpoint.s3.endpoint"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "TELEMETRY_ENABLED", Path: "telemetry.enabled"},
		{Name: p + "METRICS_ADDR", Path: "telemetry.metrics_addr"},
	}
}

// legacyEnv are unprefixed variables honored for compatibility with
// existing job scripts.
var legacyEnv = []envSpec{
	{Name: "CKPT_DIR", Path: "checkpoint.dir"},
}

// getUserConfigPaths returns directories searched for <ConfigName>.yaml after
// the working directory.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	return paths
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("run.total_steps", 20)
	v.SetDefault("run.fail_probability", 0.3)
	v.SetDefault("run.step_duration", "1s")
	v.SetDefault("run.seed", 0)

	v.SetDefault("checkpoint.provider", "file")
	v.SetDefault("checkpoint.dir", "./ckpts")
	v.SetDefault("checkpoint.prefix", "")
	v.SetDefault("checkpoint.list_rate_limit", 0)
	v.SetDefault("checkpoint.preflight", "read-safe")
	v.SetDefault("checkpoint.s3.bucket", "")
	v.SetDefault("checkpoint.s3.region", "")
	v.SetDefault("checkpoint.s3.endpoint", "")
	v.SetDefault("checkpoint.s3.profile", "")
	v.SetDefault("checkpoint.s3.force_path_style", false)

	v.SetDefault("registry.enabled", true)
	v.SetDefault("registry.dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_addr", "")
}

// Load resolves configuration, searching for ckptrun.yaml in the working
// directory and the user config directory.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile resolves configuration from an explicit file. An empty path falls
// back to the default search; a missing default file is not an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		appIdentity = defaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(appIdentity.ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range bindings() {
		if err := v.BindEnv(append([]string{spec.path}, spec.names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", spec.path, err)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

type binding struct {
	path  string
	names []string
}

// bindings groups env names by config path; prefixed names come first so
// they win over legacy ones.
func bindings() []binding {
	byPath := map[string][]string{}
	for _, s := range getEnvSpecs() {
		byPath[s.Path] = append(byPath[s.Path], s.Name)
	}
	for _, s := range legacyEnv {
		byPath[s.Path] = append(byPath[s.Path], s.Name)
	}

	out := make([]binding, 0, len(byPath))
	for p, names := range byPath {
		out = append(out, binding{path: p, names: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
