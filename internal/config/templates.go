package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"punch/internal/logger"
	"punch/internal/types"
)

// templateSchema constrains the free-form config map of a template before
// it is decoded. Extra keys fail early instead of silently dropping.
const templateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "symbols": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "timeframe": {"type": "string"},
    "strategy_weights": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0}},
    "paper_trading": {"type": "boolean"},
    "initial_capital": {"type": "number", "exclusiveMinimum": 0},
    "max_position_size": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "max_daily_loss": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "max_drawdown": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "max_open_positions": {"type": "integer", "minimum": 0},
    "slippage_rate": {"type": "number", "minimum": 0},
    "fee_rate": {"type": "number", "minimum": 0}
  }
}`

// BotTemplate is a reusable, named bot configuration.
type BotTemplate struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Config      map[string]interface{} `yaml:"config"`
}

type templateFile struct {
	BotTemplates map[string]BotTemplate `yaml:"bot_templates"`
}

// TemplateSnapshot is one loaded generation of the template file.
type TemplateSnapshot struct {
	Version   int64
	LoadedAt  time.Time
	Templates map[string]BotTemplate
}

// TemplateRegistry serves validated bot templates from a YAML file and
// reloads it on change.
type TemplateRegistry struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu       sync.RWMutex
	snapshot TemplateSnapshot
}

func NewTemplateRegistry(path string) (*TemplateRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("template registry requires path")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bot_template.json", strings.NewReader(templateSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("bot_template.json")
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read template config failed: %w", err)
	}
	r := &TemplateRegistry{path: path, v: v, schema: schema}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("bot template reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

func (r *TemplateRegistry) Snapshot() TemplateSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dst := TemplateSnapshot{
		Version:   r.snapshot.Version,
		LoadedAt:  r.snapshot.LoadedAt,
		Templates: make(map[string]BotTemplate, len(r.snapshot.Templates)),
	}
	for name, tpl := range r.snapshot.Templates {
		dst.Templates[name] = tpl
	}
	return dst
}

// Resolve decodes the named template into a BotConfig.
func (r *TemplateRegistry) Resolve(name string) (types.BotConfig, error) {
	r.mu.RLock()
	tpl, ok := r.snapshot.Templates[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return types.BotConfig{}, fmt.Errorf("unknown bot template: %s", name)
	}
	var cfg types.BotConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return types.BotConfig{}, err
	}
	if err := dec.Decode(tpl.Config); err != nil {
		return types.BotConfig{}, fmt.Errorf("template %s: %w", name, err)
	}
	return cfg, nil
}

func (r *TemplateRegistry) reload() error {
	file, err := readTemplateFile(r.path)
	if err != nil {
		return err
	}
	templates := make(map[string]BotTemplate, len(file.BotTemplates))
	for name, tpl := range file.BotTemplates {
		if tpl.Name == "" {
			tpl.Name = strings.TrimSpace(name)
		}
		if err := r.schema.Validate(normalizeYAML(tpl.Config)); err != nil {
			return fmt.Errorf("template %s rejected by schema: %w", tpl.Name, err)
		}
		templates[tpl.Name] = tpl
	}
	r.mu.Lock()
	r.snapshot = TemplateSnapshot{
		Version:   r.snapshot.Version + 1,
		LoadedAt:  time.Now(),
		Templates: templates,
	}
	r.mu.Unlock()
	logger.Infof("bot template registry loaded %d templates from %s", len(templates), filepath.Base(r.path))
	return nil
}

func readTemplateFile(path string) (templateFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return templateFile{}, fmt.Errorf("read template config failed: %w", err)
	}
	var file templateFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return templateFile{}, fmt.Errorf("parse template config failed: %w", err)
	}
	return file, nil
}

// normalizeYAML converts yaml-decoded values into what the JSON schema
// validator expects (ints become float64 where needed).
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = normalizeYAML(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = normalizeYAML(child)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
