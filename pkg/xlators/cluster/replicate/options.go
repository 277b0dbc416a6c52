package replicate

// Options configures a replicate translator.
type Options struct {
	// DataSelfHeal enables healing of regular file contents
	DataSelfHeal bool `mapstructure:"data_self_heal"`

	// EntrySelfHeal enables healing of directory entries
	EntrySelfHeal bool `mapstructure:"entry_self_heal"`

	// Optimist tolerates the expected divergence errors listed in the
	// optimist table instead of failing the whole operation
	Optimist bool `mapstructure:"optimist"`

	// ChunkSize is the size of the reads issued while copying file data
	ChunkSize int `mapstructure:"chunk_size" validate:"omitempty,min=4096,max=16777216"`

	// ReaddirBatch is the number of entries listed per readdir during
	// directory heal
	ReaddirBatch int `mapstructure:"readdir_batch" validate:"omitempty,min=1,max=65536"`

	// HealRate caps the bytes per second copied by data heal (0 = unlimited)
	HealRate uint `mapstructure:"heal_rate"`

	// ReadSubvolume names the child preferred for reads when no per-file
	// hint is known yet
	ReadSubvolume string `mapstructure:"read_subvolume"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		DataSelfHeal:  true,
		EntrySelfHeal: true,
		Optimist:      true,
		ChunkSize:     DefaultChunkSize,
		ReaddirBatch:  DefaultReaddirBatch,
	}
}

const (
	// DefaultChunkSize is the data heal copy unit
	DefaultChunkSize = 128 << 10

	// DefaultReaddirBatch is the directory heal listing batch
	DefaultReaddirBatch = 64
)

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ReaddirBatch <= 0 {
		o.ReaddirBatch = DefaultReaddirBatch
	}
}
