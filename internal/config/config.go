package config

import "path/filepath"

// Config is the full memstore configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" json:"data_dir"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding" json:"embedding"`
	Documents DocumentsConfig `mapstructure:"documents" json:"documents"`
	Retention RetentionConfig `mapstructure:"retention" json:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
}

// StorageConfig configures the SQLite datastore.
type StorageConfig struct {
	Path          string `mapstructure:"path" json:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms" json:"busy_timeout_ms"`
	MaxConns      int    `mapstructure:"max_conns" json:"max_conns"`
}

// EmbeddingConfig configures the embedding provider. An empty APIKey disables
// the semantic search arm.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" json:"provider"`
	APIKey    string `mapstructure:"api_key" json:"api_key"`
	Model     string `mapstructure:"model" json:"model"`
	Dimension int    `mapstructure:"dimension" json:"dimension"`
}

// DocumentsConfig configures document ingestion.
type DocumentsConfig struct {
	WatchDirs    []string `mapstructure:"watch_dirs" json:"watch_dirs"`
	ChunkMaxSize int      `mapstructure:"chunk_max_size" json:"chunk_max_size"`
	ChunkOverlap int      `mapstructure:"chunk_overlap" json:"chunk_overlap"`
}

// RetentionConfig configures background maintenance.
type RetentionConfig struct {
	EpisodicTTLHours   int    `mapstructure:"episodic_ttl_hours" json:"episodic_ttl_hours"`
	SweepSchedule      string `mapstructure:"sweep_schedule" json:"sweep_schedule"`
	CheckpointSchedule string `mapstructure:"checkpoint_schedule" json:"checkpoint_schedule"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level     string `mapstructure:"level" json:"level"`
	File      string `mapstructure:"file" json:"file"`
	Console   bool   `mapstructure:"console" json:"console"`
	Pretty    bool   `mapstructure:"pretty" json:"pretty"`
	Redaction bool   `mapstructure:"redaction" json:"redaction"`
}

// DefaultConfig returns the baseline configuration. Paths under DataDir are
// resolved by the loader once the data dir is known.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			BusyTimeoutMS: 5000,
			MaxConns:      8,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
		Documents: DocumentsConfig{
			ChunkMaxSize: 1000,
			ChunkOverlap: 50,
		},
		Retention: RetentionConfig{
			EpisodicTTLHours: 168,
			SweepSchedule:    "@hourly",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// resolvePaths fills path defaults once DataDir is settled.
func (c *Config) resolvePaths() {
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "memstore.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "memstore.log")
	}
}
