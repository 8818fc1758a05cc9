package sqlite

const graphSchema = `
-- Graph entities
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    signature TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL,
    last_modified DATETIME NOT NULL,
    attrs TEXT NOT NULL DEFAULT '{}',
    epoch INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_path ON entities(path);

-- Graph relationships; identity is (from_id, to_id, type, site_hash)
CREATE TABLE IF NOT EXISTS relationships (
    id TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    type TEXT NOT NULL,
    site_hash TEXT NOT NULL DEFAULT '',
    created DATETIME NOT NULL,
    last_modified DATETIME NOT NULL,
    version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
    active INTEGER NOT NULL DEFAULT 1,
    first_seen_at DATETIME NOT NULL,
    last_seen_at DATETIME NOT NULL,
    confidence REAL,
    evidence TEXT NOT NULL DEFAULT '[]',
    valid_from DATETIME,
    valid_to DATETIME,
    epoch INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (from_id, to_id, type, site_hash),
    -- inactive edges must carry valid_to
    CHECK (active = 1 OR valid_to IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(type);
`
