package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// The master secret is the one value that must never leak;
	// knowing it makes every future outcome predictable.
	out.Fairness = cfg.Fairness
	redact(&out.Fairness.MasterSecret)
	redact(&out.Fairness.SecretPassword)

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Copy the case catalog so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Cases != nil {
		out.Cases = make([]CaseConfig, len(cfg.Cases))
		copy(out.Cases, cfg.Cases)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
