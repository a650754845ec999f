package compaction

// SoftTrimSettings bound how much of a trimmed tool result survives.
type SoftTrimSettings struct {
	// MaxChars is the size above which a tool result becomes a
	// candidate for soft trimming.
	MaxChars int `yaml:"max_chars" json:"max_chars"`
	// HeadChars and TailChars are how much of the original content is
	// kept at each end.
	HeadChars int `yaml:"head_chars" json:"head_chars"`
	TailChars int `yaml:"tail_chars" json:"tail_chars"`
}

// HardClearSettings control full replacement of old tool results.
type HardClearSettings struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Placeholder string `yaml:"placeholder" json:"placeholder"`
}

// ToolFilter selects which tools' results may be pruned. Deny wins
// over allow; an empty allow list allows every tool. Entries support
// '*' wildcards.
type ToolFilter struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// Settings hold every knob of the compaction pipeline. Zero values
// are replaced by defaults in Sanitize, so a partially filled struct
// from config is safe to use.
type Settings struct {
	// ContextWindowTokens is the model context window the pipeline
	// budgets against.
	ContextWindowTokens int `yaml:"context_window_tokens" json:"context_window_tokens"`

	// MaxToolResultContextShare caps a single tool result at a share
	// of the context window, in characters.
	MaxToolResultContextShare float64 `yaml:"max_tool_result_context_share" json:"max_tool_result_context_share"`
	// HardMaxToolResultChars is the absolute cap for a single tool
	// result regardless of window size.
	HardMaxToolResultChars int `yaml:"hard_max_tool_result_chars" json:"hard_max_tool_result_chars"`

	// SoftTrimRatio is the history/window ratio above which pruning
	// starts soft-trimming old tool results.
	SoftTrimRatio float64 `yaml:"soft_trim_ratio" json:"soft_trim_ratio"`
	// HardClearRatio is the ratio above which pruning clears old tool
	// results entirely.
	HardClearRatio float64 `yaml:"hard_clear_ratio" json:"hard_clear_ratio"`
	// KeepLastAssistants protects the most recent assistant turns and
	// everything after them from pruning.
	KeepLastAssistants int `yaml:"keep_last_assistants" json:"keep_last_assistants"`
	// MinPrunableToolChars is the minimum total prunable volume before
	// hard clearing is worth doing.
	MinPrunableToolChars int `yaml:"min_prunable_tool_chars" json:"min_prunable_tool_chars"`

	SoftTrim  SoftTrimSettings  `yaml:"soft_trim" json:"soft_trim"`
	HardClear HardClearSettings `yaml:"hard_clear" json:"hard_clear"`
	Tools     ToolFilter        `yaml:"tools" json:"tools"`

	// ProactiveRatio triggers summarization before a request is sent
	// when the last known usage crosses this share of the window.
	ProactiveRatio float64 `yaml:"proactive_ratio" json:"proactive_ratio"`

	// Summarization chunking knobs.
	BaseChunkRatio float64 `yaml:"base_chunk_ratio" json:"base_chunk_ratio"`
	MinChunkRatio  float64 `yaml:"min_chunk_ratio" json:"min_chunk_ratio"`
	SafetyMargin   float64 `yaml:"safety_margin" json:"safety_margin"`
}

// Placeholder inserted when a tool result is hard-cleared.
const clearedPlaceholder = "[Old tool result content cleared]"

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		ContextWindowTokens:       DefaultContextWindow,
		MaxToolResultContextShare: 0.3,
		HardMaxToolResultChars:    100000,
		SoftTrimRatio:             0.3,
		HardClearRatio:            0.5,
		KeepLastAssistants:        3,
		MinPrunableToolChars:      50000,
		SoftTrim: SoftTrimSettings{
			MaxChars:  4000,
			HeadChars: 1500,
			TailChars: 1500,
		},
		HardClear: HardClearSettings{
			Enabled:     true,
			Placeholder: clearedPlaceholder,
		},
		ProactiveRatio: 0.85,
		BaseChunkRatio: 0.4,
		MinChunkRatio:  0.15,
		SafetyMargin:   1.2,
	}
}

// Sanitize fills zero values with defaults and clamps ratios to sane
// ranges. It returns the adjusted copy.
func (s Settings) Sanitize() Settings {
	def := DefaultSettings()
	if s.ContextWindowTokens <= 0 {
		s.ContextWindowTokens = def.ContextWindowTokens
	}
	if s.MaxToolResultContextShare <= 0 || s.MaxToolResultContextShare > 1 {
		s.MaxToolResultContextShare = def.MaxToolResultContextShare
	}
	if s.HardMaxToolResultChars <= 0 {
		s.HardMaxToolResultChars = def.HardMaxToolResultChars
	}
	if s.SoftTrimRatio <= 0 || s.SoftTrimRatio > 1 {
		s.SoftTrimRatio = def.SoftTrimRatio
	}
	if s.HardClearRatio <= 0 || s.HardClearRatio > 1 {
		s.HardClearRatio = def.HardClearRatio
	}
	if s.HardClearRatio < s.SoftTrimRatio {
		s.HardClearRatio = s.SoftTrimRatio
	}
	if s.KeepLastAssistants <= 0 {
		s.KeepLastAssistants = def.KeepLastAssistants
	}
	if s.MinPrunableToolChars <= 0 {
		s.MinPrunableToolChars = def.MinPrunableToolChars
	}
	if s.SoftTrim.MaxChars <= 0 {
		s.SoftTrim.MaxChars = def.SoftTrim.MaxChars
	}
	if s.SoftTrim.HeadChars <= 0 {
		s.SoftTrim.HeadChars = def.SoftTrim.HeadChars
	}
	if s.SoftTrim.TailChars <= 0 {
		s.SoftTrim.TailChars = def.SoftTrim.TailChars
	}
	if s.HardClear.Placeholder == "" {
		s.HardClear.Placeholder = def.HardClear.Placeholder
	}
	if s.ProactiveRatio <= 0 || s.ProactiveRatio > 1 {
		s.ProactiveRatio = def.ProactiveRatio
	}
	if s.BaseChunkRatio <= 0 || s.BaseChunkRatio > 1 {
		s.BaseChunkRatio = def.BaseChunkRatio
	}
	if s.MinChunkRatio <= 0 || s.MinChunkRatio > s.BaseChunkRatio {
		s.MinChunkRatio = def.MinChunkRatio
		if s.MinChunkRatio > s.BaseChunkRatio {
			s.MinChunkRatio = s.BaseChunkRatio
		}
	}
	if s.SafetyMargin <= 0 {
		s.SafetyMargin = def.SafetyMargin
	}
	return s
}

// windowChars is the context window expressed in characters.
func (s Settings) windowChars() int {
	return s.ContextWindowTokens * CharsPerToken
}
