// Package store implements Storage (C1): a single SQLite backend carrying
// the relational tables, the FTS5 lexical index, and an embedded sqlite-vec
// virtual table, so the whole module runs against one connection pool per
// spec.md §9 ("Dynamic dispatch over storage backends... now collapsed to
// a single backend") and §5 ("only one pool is instantiated").
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// DB wraps the SQLite connection with initialization logic.
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at the given path, runs schema
// initialization, and configures WAL mode for concurrent reads.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	// _txlock=immediate makes every db.Begin() issue BEGIN IMMEDIATE rather
	// than the driver's default BEGIN DEFERRED, so a transaction takes the
	// write lock up front instead of upgrading from a read lock partway
	// through — see ObservationStore.MergeIntoExisting/ReplaceFields.

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  content_session_id TEXT,
  project TEXT,
  status TEXT NOT NULL DEFAULT 'active',
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  prompt_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);

CREATE TABLE IF NOT EXISTS user_prompts (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  prompt_number INTEGER NOT NULL,
  text TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_user_prompts_session ON user_prompts(session_id, prompt_number);

CREATE TABLE IF NOT EXISTS session_summaries (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  request TEXT,
  investigated TEXT,
  learned TEXT,
  completed TEXT,
  next_steps TEXT,
  created_at INTEGER NOT NULL,
  FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS observations (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  title_norm TEXT NOT NULL,
  narrative TEXT NOT NULL DEFAULT '',
  facts TEXT,
  keywords TEXT,
  observation_type TEXT NOT NULL,
  noise_level TEXT NOT NULL DEFAULT 'medium',
  noise_reason TEXT,
  files_read TEXT,
  files_modified TEXT,
  concepts TEXT,
  session_id TEXT,
  prompt_number INTEGER NOT NULL DEFAULT 0,
  discovery_tokens INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_obs_title_norm ON observations(title_norm);
CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id);
CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(observation_type);
CREATE INDEX IF NOT EXISTS idx_observations_created_at ON observations(created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
  title, narrative, facts, keywords,
  content='observations', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
  INSERT INTO observations_fts(rowid, title, narrative, facts, keywords)
  VALUES (NEW.rowid, NEW.title, NEW.narrative, NEW.facts, NEW.keywords);
END;
CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, title, narrative, facts, keywords)
  VALUES ('delete', OLD.rowid, OLD.title, OLD.narrative, OLD.facts, OLD.keywords);
END;
CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE ON observations BEGIN
  INSERT INTO observations_fts(observations_fts, rowid, title, narrative, facts, keywords)
  VALUES ('delete', OLD.rowid, OLD.title, OLD.narrative, OLD.facts, OLD.keywords);
  INSERT INTO observations_fts(rowid, title, narrative, facts, keywords)
  VALUES (NEW.rowid, NEW.title, NEW.narrative, NEW.facts, NEW.keywords);
END;

CREATE TABLE IF NOT EXISTS observation_embeddings (
  observation_id TEXT PRIMARY KEY,
  vector BLOB NOT NULL,
  updated_at INTEGER NOT NULL,
  FOREIGN KEY (observation_id) REFERENCES observations(id) ON DELETE CASCADE
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_observations USING vec0(
  observation_id TEXT PRIMARY KEY,
  embedding FLOAT[1024]
);

CREATE TABLE IF NOT EXISTS embedding_cache (
  content_hash TEXT PRIMARY KEY,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  model TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS global_knowledge (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  title_norm TEXT NOT NULL,
  kind TEXT NOT NULL,
  body TEXT NOT NULL,
  provenance TEXT,
  usage_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_title_unique ON global_knowledge(title_norm);

CREATE TABLE IF NOT EXISTS pending_messages (
  id TEXT PRIMARY KEY,
  payload BLOB NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  visibility_deadline INTEGER,
  retry_count INTEGER NOT NULL DEFAULT 0,
  dead_letter INTEGER NOT NULL DEFAULT 0,
  content_hash TEXT NOT NULL,
  processing_instance TEXT,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_messages(status, visibility_deadline);
CREATE INDEX IF NOT EXISTS idx_pending_content_hash ON pending_messages(content_hash);

CREATE TABLE IF NOT EXISTS raw_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts INTEGER NOT NULL,
  session_id TEXT NOT NULL,
  project TEXT,
  event_type TEXT NOT NULL,
  content BLOB,
  files TEXT,
  tools TEXT,
  summary_5min_id INTEGER REFERENCES summaries_5min(id) ON DELETE SET NULL,
  processing_started_at INTEGER,
  processing_instance_id TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_raw_events_session_ts ON raw_events(session_id, ts);
CREATE INDEX IF NOT EXISTS idx_raw_events_unsummarized ON raw_events(summary_5min_id) WHERE summary_5min_id IS NULL;

CREATE TABLE IF NOT EXISTS summaries_5min (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_start INTEGER NOT NULL,
  ts_end INTEGER NOT NULL,
  session_id TEXT NOT NULL,
  project TEXT,
  content TEXT NOT NULL,
  event_count INTEGER NOT NULL,
  entities TEXT,
  summary_hour_id INTEGER REFERENCES summaries_hour(id) ON DELETE SET NULL,
  processing_started_at INTEGER,
  processing_instance_id TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_summaries_5min_session ON summaries_5min(session_id, ts_start);
CREATE INDEX IF NOT EXISTS idx_summaries_5min_unaggregated ON summaries_5min(summary_hour_id) WHERE summary_hour_id IS NULL;

CREATE TABLE IF NOT EXISTS summaries_hour (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_start INTEGER NOT NULL,
  ts_end INTEGER NOT NULL,
  session_id TEXT NOT NULL,
  project TEXT,
  content TEXT NOT NULL,
  event_count INTEGER NOT NULL,
  entities TEXT,
  summary_day_id INTEGER REFERENCES summaries_day(id) ON DELETE SET NULL,
  processing_started_at INTEGER,
  processing_instance_id TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_summaries_hour_session ON summaries_hour(session_id, ts_start);
CREATE INDEX IF NOT EXISTS idx_summaries_hour_unaggregated ON summaries_hour(summary_day_id) WHERE summary_day_id IS NULL;

CREATE TABLE IF NOT EXISTS summaries_day (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts_start INTEGER NOT NULL,
  ts_end INTEGER NOT NULL,
  session_id TEXT NOT NULL,
  project TEXT,
  content TEXT NOT NULL,
  event_count INTEGER NOT NULL,
  entities TEXT
);
CREATE INDEX IF NOT EXISTS idx_summaries_day_session ON summaries_day(session_id, ts_start);

CREATE TABLE IF NOT EXISTS injected_observations (
  session_id TEXT NOT NULL,
  observation_id TEXT NOT NULL,
  injected_at INTEGER NOT NULL,
  PRIMARY KEY (session_id, observation_id)
);
CREATE INDEX IF NOT EXISTS idx_injected_observations_ts ON injected_observations(injected_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// ObservationCount returns the total number of observations in the database.
func (db *DB) ObservationCount() (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM observations").Scan(&count)
	return count, err
}
