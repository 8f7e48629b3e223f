package capability

// Baseline is the static self-test configuration handed to a worker at
// registration time. For each capability the worker declared it describes how
// the worker should verify it actually holds that capability. The server only
// serves this payload; it never runs the probes itself.
type Baseline struct {
	Internet  *InternetProbe  `json:"internet,omitempty"`
	DiskSpace *DiskSpaceCheck `json:"disk_space,omitempty"`
	AI        *AICheck        `json:"ai,omitempty"`
}

// InternetProbe asks the worker to reach each address and succeed at least
// once within Attempts tries.
type InternetProbe struct {
	ProbeURLs []string `json:"probe_urls"`
	Attempts  int      `json:"attempts"`
}

type DiskSpaceCheck struct {
	MinFreeBytes int64 `json:"min_free_bytes"`
}

type AICheck struct {
	MinModelTier string `json:"min_model_tier"`
}

// BaselineConfig holds the server-side values the baselines are built from.
type BaselineConfig struct {
	ProbeURLs     []string
	ProbeAttempts int
	MinFreeBytes  int64
	AIModelTier   string
}

// BaselineFor builds the baseline payload for the capabilities a worker
// declared. Capabilities it did not declare are omitted.
func BaselineFor(declared Set, cfg BaselineConfig) Baseline {
	var b Baseline
	if declared.Has(Internet) {
		b.Internet = &InternetProbe{ProbeURLs: cfg.ProbeURLs, Attempts: cfg.ProbeAttempts}
	}
	if declared.Has(DiskSpace) {
		b.DiskSpace = &DiskSpaceCheck{MinFreeBytes: cfg.MinFreeBytes}
	}
	if declared.Has(AI) {
		b.AI = &AICheck{MinModelTier: cfg.AIModelTier}
	}
	return b
}
