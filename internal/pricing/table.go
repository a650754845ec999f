// Package pricing maps model names to dollar costs. Rates are USD per
// million tokens, loaded from a yaml file over a built-in table for
// the common hosted models, and hot-reloaded when the file changes.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"gopkg.in/yaml.v3"
)

// Rate is one model's cost in USD per million tokens.
type Rate struct {
	InputPer1M  float64 `yaml:"input_per_1m" json:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m" json:"output_per_1m"`
}

// Cost is a priced usage record in USD.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Table resolves model names to rates. Reads vastly outnumber writes;
// the contents swap wholesale on reload.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
	def   *Rate
	path  string

	logger *slog.Logger

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New returns a table holding the built-in default rates.
func New(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		rates:  DefaultRates(),
		logger: logger.With("component", "pricing"),
	}
}

// DefaultRates returns the built-in rates, USD per million tokens.
// Dated model variants resolve to these by prefix. A loaded table
// file replaces them entirely.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"claude-3-5-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-sonnet-4":   {InputPer1M: 3.0, OutputPer1M: 15.0},
		"claude-3-5-haiku":  {InputPer1M: 1.0, OutputPer1M: 5.0},
		"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
		"claude-3-opus":     {InputPer1M: 15.0, OutputPer1M: 75.0},
		"claude-opus-4":     {InputPer1M: 15.0, OutputPer1M: 75.0},
		"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.0},
		"gpt-4-turbo":       {InputPer1M: 10.0, OutputPer1M: 30.0},
		"gpt-4":             {InputPer1M: 30.0, OutputPer1M: 60.0},
		"gpt-3.5-turbo":     {InputPer1M: 0.50, OutputPer1M: 1.50},
		"o1-mini":           {InputPer1M: 3.0, OutputPer1M: 12.0},
		"o1":                {InputPer1M: 15.0, OutputPer1M: 60.0},
		"gemini-1.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.0},
		"gemini-1.5-flash":  {InputPer1M: 0.075, OutputPer1M: 0.30},
		"gemini-2.0-flash":  {InputPer1M: 0.10, OutputPer1M: 0.40},
	}
}

// Load reads the yaml table at path, replacing the current contents.
// The path is remembered for Reload and StartWatching.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing table: %w", err)
	}
	rates, def, err := parseTable(data)
	if err != nil {
		return fmt.Errorf("parse pricing table %s: %w", path, err)
	}

	t.mu.Lock()
	t.rates = rates
	t.def = def
	t.path = path
	t.mu.Unlock()

	t.logger.Info("pricing table loaded", "path", path, "models", len(rates))
	return nil
}

// Reload re-reads the last loaded file. The current table stays in
// place when the file is missing or malformed.
func (t *Table) Reload() error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("pricing: no table file to reload")
	}
	return t.Load(path)
}

// Resolve returns the rate for a model: exact match first, then the
// longest table key that prefixes the model name (so dated variants
// inherit their family's rate), then the table's default entry.
func (t *Table) Resolve(model string) (Rate, bool) {
	model = strings.TrimSpace(model)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if model != "" {
		if rate, ok := t.rates[model]; ok {
			return rate, true
		}
		bestLen := -1
		var best Rate
		for key, rate := range t.rates {
			if len(key) > bestLen && strings.HasPrefix(model, key) {
				bestLen = len(key)
				best = rate
			}
		}
		if bestLen >= 0 {
			return best, true
		}
	}
	if t.def != nil {
		return *t.def, true
	}
	return Rate{}, false
}

// Price computes the cost of a usage record. Unknown models and
// degenerate rate arithmetic price as zero.
func (t *Table) Price(model string, inputTokens, outputTokens int) Cost {
	rate, ok := t.Resolve(model)
	if !ok {
		return Cost{}
	}
	in := float64(inputTokens) * rate.InputPer1M / 1_000_000
	out := float64(outputTokens) * rate.OutputPer1M / 1_000_000
	c := Cost{Input: in, Output: out, Total: in + out}
	if math.IsNaN(c.Total) || math.IsInf(c.Total, 0) {
		return Cost{}
	}
	return c
}

type tableFile struct {
	Models  map[string]Rate `yaml:"models"`
	Default *Rate           `yaml:"default"`
}

func parseTable(data []byte) (map[string]Rate, *Rate, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, err
	}
	rates := make(map[string]Rate, len(file.Models))
	for name, rate := range file.Models {
		if err := checkRate(name, rate); err != nil {
			return nil, nil, err
		}
		rates[name] = rate
	}
	if file.Default != nil {
		if err := checkRate("default", *file.Default); err != nil {
			return nil, nil, err
		}
	}
	return rates, file.Default, nil
}

func checkRate(name string, r Rate) error {
	for _, v := range []float64{r.InputPer1M, r.OutputPer1M} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("model %s: rates must be finite and non-negative", name)
		}
	}
	return nil
}
