package config

// LogConfig configures the log sink (spec.md §6).
type LogConfig struct {
	Sink  string `mapstructure:"sink"`
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// TimeoutConfig holds the four timer-class intervals, in seconds.
// Release is accepted as an alias for Broken per the Open Question
// decision in SPEC_FULL.md §11.3: the original implementation arms
// only one timer list for BROKEN tunnels even though the schema
// names both.
type TimeoutConfig struct {
	Connect int `mapstructure:"connect"`
	Session int `mapstructure:"session"`
	Release int `mapstructure:"release"`
	UDP     int `mapstructure:"udp"`
}

// BufferConfig sizes the shared packet arena and the per-session
// high-water mark, both in MiB.
type BufferConfig struct {
	SizeMiB            int `mapstructure:"size"`
	PerSessionLimitMiB int `mapstructure:"perSessionLimit"`
}

// SettingConfig groups the timeout and buffer knobs shared by every
// forward.
type SettingConfig struct {
	Timeout TimeoutConfig `mapstructure:"timeout"`
	Buffer  BufferConfig  `mapstructure:"buffer"`
}

// ServiceConfig is the "service" object of the JSON schema: the
// shared setting block plus the list of raw forward strings.
type ServiceConfig struct {
	Setting SettingConfig `mapstructure:"setting"`
	Forward []string      `mapstructure:"forward"`
}

// StatisticConfig configures the periodic statistics reporter.
type StatisticConfig struct {
	Interval int `mapstructure:"interval"`
}

// Config is the fully parsed configuration document.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Service   ServiceConfig   `mapstructure:"service"`
	Statistic StatisticConfig `mapstructure:"statistic"`
}

// ServiceSpec is one validated forward entry: a runtime-ready
// description of a single listening service, per spec.md §3.
type ServiceSpec struct {
	Protocol    string // "tcp" or "udp"
	Iface       string // "any" or a bind address
	ServicePort int
	TargetHost  string
	TargetPort  int
}
