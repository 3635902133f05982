package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "AUTOQUANT"

// Load 读取 YAML 配置并按 include 顺序合并：被包含的文件先合并，包含者覆盖其值。
// 之后对每个标量字段绑定环境变量 AUTOQUANT_<SECTION>_<KEY>（例如 AUTOQUANT_STORAGE_POSTGRES_DSN），
// 即使文件里没有该键也能覆盖；最后为未显式设置的字段填默认值并校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{state: make(map[string]visitState)}
	if err := w.walk(abs); err != nil {
		return nil, err
	}

	v := viper.New()
	for _, doc := range w.docs {
		if err := v.MergeConfigMap(doc.settings); err != nil {
			return nil, fmt.Errorf("合并配置 %s 失败: %w", doc.path, err)
		}
	}
	if err := checkSections(v.AllSettings()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v, reflect.TypeOf(Config{}), "")
	return decode(v)
}

// Default 返回全部取默认值的配置，用于没有配置文件的场景。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(make(keySet))
	return &cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	set := make(keySet)
	markSettings("", v.AllSettings(), set)
	cfg.applyDefaults(set)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type visitState uint8

const (
	unvisited visitState = iota
	visiting
	visited
)

type configDoc struct {
	path     string
	settings map[string]any
}

// includeWalker 深度优先展开 include，每个文件只读一次。
type includeWalker struct {
	state map[string]visitState
	docs  []configDoc
}

func (w *includeWalker) walk(path string) error {
	path = filepath.Clean(path)
	switch w.state[path] {
	case visiting:
		return fmt.Errorf("include cycle detected: %s", path)
	case visited:
		return nil
	}
	w.state[path] = visiting

	settings, err := readSettings(path)
	if err != nil {
		return fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	includes, err := readIncludes(settings)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := w.walk(inc); err != nil {
			return err
		}
	}
	delete(settings, "include")
	w.state[path] = visited
	w.docs = append(w.docs, configDoc{path: path, settings: settings})
	return nil
}

func readSettings(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func readIncludes(settings map[string]any) ([]string, error) {
	raw, ok := settings["include"]
	if !ok || raw == nil {
		return nil, nil
	}
	var list []string
	if err := mapstructure.Decode(raw, &list); err != nil {
		return nil, fmt.Errorf("include must be a string array: %w", err)
	}
	out := list[:0]
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// checkSections 拒绝拼错的顶层段，否则整段配置会被静默忽略。
func checkSections(settings map[string]any) error {
	known := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		known[tomlName(t.Field(i))] = true
	}
	var unknown []string
	for key := range settings {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("未知配置段: %s", strings.Join(unknown, ", "))
}

// bindEnv 递归绑定所有标量字段；map 与 slice 只能来自配置文件。
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := tomlName(f)
		if name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnv(v, f.Type, key)
		case reflect.Map, reflect.Slice:
		default:
			_ = v.BindEnv(key)
		}
	}
}

func tomlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
	if name == "-" {
		return ""
	}
	return strings.ToLower(name)
}

// markSettings 记录显式给出的键；列表视为一个整体。
func markSettings(prefix string, node any, dest keySet) {
	m, ok := node.(map[string]any)
	if !ok {
		dest.mark(prefix)
		return
	}
	for k, child := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		markSettings(key, child, dest)
	}
}
