package preset

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"autoquant/internal/logger"
	"autoquant/internal/strategy"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPreset 表示预设不存在。
var ErrUnknownPreset = errors.New("未知预设")

// TunedName 是内置的调优参数预设。
const TunedName = "tuned"

// Preset 是一组命名的策略参数。
type Preset struct {
	Name        string         `yaml:"-" json:"name"`
	Strategy    string         `yaml:"strategy" json:"strategy"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Params      map[string]any `yaml:"params" json:"params"`
}

// FileConfig 映射预设文件。
type FileConfig struct {
	Presets map[string]Preset `yaml:"presets"`
}

// Snapshot 是某次加载后的预设集合。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Presets  map[string]Preset
}

// ChangeListener 在文件重载成功后触发。
type ChangeListener func(Snapshot)

// Builtin 返回不依赖文件的内置预设。
func Builtin() map[string]Preset {
	return map[string]Preset{
		TunedName: {
			Name:        TunedName,
			Strategy:    strategy.MACrossName,
			Description: "双均线调优参数",
			Params: map[string]any{
				"short_period":      7,
				"long_period":       35,
				"stop_loss_pct":     0.02,
				"trailing_stop_pct": 0.04,
				"rsi_period":        14,
				"rsi_upper":         65,
			},
		},
	}
}

// Registry 管理策略预设，文件中的同名预设覆盖内置预设。
type Registry struct {
	path    string
	v       *viper.Viper
	schemas map[string]*jsonschema.Schema
	log     logger.Component

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 加载预设文件；path 为空或文件不存在时只使用内置预设。
func NewRegistry(path string) (*Registry, error) {
	compiled, err := compileAll()
	if err != nil {
		return nil, err
	}
	r := &Registry{path: strings.TrimSpace(path), schemas: compiled, log: logger.Named("preset")}
	if r.path != "" {
		if _, err := os.Stat(r.path); errors.Is(err, os.ErrNotExist) {
			r.log.Warnf("预设文件 %s 不存在，仅使用内置预设", r.path)
			r.path = ""
		}
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch 监听预设文件变化并热加载，加载失败时保留旧快照。
func (r *Registry) Watch() {
	if r.path == "" || r.v != nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		r.log.Warnf("预设文件监听失败: %v", err)
		return
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			r.log.Errorf("预设重载失败(%s): %v", evt.Name, err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	r.v = v
}

// OnChange 注册重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Get 返回指定名称的预设。
func (r *Registry) Get(name string) (Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, false
	}
	return clonePreset(p), true
}

// List 返回按名称排序的预设。
func (r *Registry) List() []Preset {
	snap := r.Snapshot()
	out := make([]Preset, 0, len(snap.Presets))
	for _, p := range snap.Presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve 取出预设的策略名与参数，overrides 中的键覆盖预设值。
func (r *Registry) Resolve(name string, overrides map[string]any) (string, map[string]any, error) {
	p, ok := r.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	params := p.Params
	for k, v := range overrides {
		params[k] = v
	}
	if err := r.ValidateParams(p.Strategy, params); err != nil {
		return "", nil, fmt.Errorf("预设 %s: %w", p.Name, err)
	}
	return p.Strategy, params, nil
}

// ValidateParams 先做 schema 校验，再交给策略构造函数做跨字段校验。
func (r *Registry) ValidateParams(strategyName string, params map[string]any) error {
	key := strings.ToLower(strings.TrimSpace(strategyName))
	schema, ok := r.schemas[key]
	if !ok {
		return fmt.Errorf("%w: %s", strategy.ErrUnknownStrategy, strategyName)
	}
	doc, err := normalizeParams(params)
	if err != nil {
		return fmt.Errorf("参数无法序列化: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("参数不符合 schema: %w", err)
	}
	if _, err := strategy.New(key, params); err != nil {
		return err
	}
	return nil
}

func (r *Registry) reload() error {
	presets := Builtin()
	if r.path != "" {
		cfg, err := readPresetFile(r.path)
		if err != nil {
			return err
		}
		for name, p := range cfg.Presets {
			norm, err := r.normalize(name, p)
			if err != nil {
				return err
			}
			presets[norm.Name] = norm
		}
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Presets:  presets,
	}
	r.mu.Unlock()
	source := "内置"
	if r.path != "" {
		source = filepath.Base(r.path)
	}
	r.log.Infof("已加载 %d 个策略预设（%s）", len(presets), source)
	return nil
}

func (r *Registry) normalize(name string, p Preset) (Preset, error) {
	p.Name = strings.ToLower(strings.TrimSpace(name))
	p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
	p.Description = strings.TrimSpace(p.Description)
	if p.Name == "" {
		return Preset{}, fmt.Errorf("预设名不能为空")
	}
	if p.Strategy == "" {
		return Preset{}, fmt.Errorf("预设 %s 缺少 strategy", p.Name)
	}
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	if err := r.ValidateParams(p.Strategy, p.Params); err != nil {
		return Preset{}, fmt.Errorf("预设 %s: %w", p.Name, err)
	}
	return p, nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorf("预设回调 panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func readPresetFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取预设文件失败: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析预设文件失败: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Presets:  make(map[string]Preset, len(src.Presets)),
	}
	for name, p := range src.Presets {
		dst.Presets[name] = clonePreset(p)
	}
	return dst
}

func clonePreset(p Preset) Preset {
	params := make(map[string]any, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	p.Params = params
	return p
}
