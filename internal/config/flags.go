package config

// FlagOverrides carries values explicitly set on the command line. A nil
// field means "flag not set"; callers only populate fields whose
// cmd.Flags().Changed("...") is true, so an explicitly-set flag always wins
// over env/file/defaults without this package depending on cobra.
type FlagOverrides struct {
	DataDir      *string
	OrganismPath *string
	Profile      *string
	Model        *string
	AuditEnabled *bool
}

// ApplyFlagOverrides is the final, highest-precedence layer: it overwrites
// cfg with every non-nil field in o.
func ApplyFlagOverrides(cfg *Config, o FlagOverrides) {
	if o.DataDir != nil {
		cfg.Kernel.DataDir = *o.DataDir
	}
	if o.OrganismPath != nil {
		cfg.Organism.Path = *o.OrganismPath
	}
	if o.Profile != nil {
		cfg.Organism.Profile = *o.Profile
	}
	if o.Model != nil {
		cfg.LLM.DefaultModel = *o.Model
	}
	if o.AuditEnabled != nil {
		cfg.Audit.Enabled = *o.AuditEnabled
	}
}
