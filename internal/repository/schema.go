package repository

// Schema for the ruleset store.
// Compatible with both SQLite and PostgreSQL.

const schemaRulesets = `
CREATE TABLE IF NOT EXISTS rulesets (
    country TEXT NOT NULL,
    key TEXT NOT NULL,
    version BIGINT NOT NULL,
    evaluation_type TEXT NOT NULL,
    rule_count INTEGER NOT NULL DEFAULT 0,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (country, key, version)
);

CREATE INDEX IF NOT EXISTS idx_rulesets_latest ON rulesets(country, key, version DESC);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRulesets,
	}
}
