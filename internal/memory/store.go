package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/runtime/task"
)

// ErrNotFound is returned when a targeted record does not exist.
var ErrNotFound = errors.New("record not found")

// Preference is one learned user preference, scoped to a worker.
type Preference struct {
	Key        string
	Value      any
	WorkerName string
	LearnedAt  time.Time
	Confidence float64
}

// ContextEntry is a TTL-scoped piece of working context.
type ContextEntry struct {
	ID         int64
	WorkerName string
	Type       string
	Payload    any
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Pattern is the rolling record of how a worker performs on a task kind.
type Pattern struct {
	ID          int64
	WorkerName  string
	Type        string
	Payload     any
	Frequency   int64
	SuccessRate float64
	LastUpdated time.Time
}

// ResultRecord is a persisted task result.
type ResultRecord struct {
	TaskID     string
	WorkerName string
	Status     task.Status
	Payload    any
	Error      string
	Duration   time.Duration
	Metadata   map[string]any
	Timestamp  time.Time
}

// Interaction is one recorded bus exchange.
type Interaction struct {
	ID         int64
	FromWorker string
	ToWorker   string
	Message    string
	Response   string
	Timestamp  time.Time
}

// Store is the repository layer over the memory database.
type Store struct {
	db *DB

	mu      sync.Mutex
	workers map[string]struct{}
}

// NewStore wraps an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db, workers: make(map[string]struct{})}
}

// Init registers worker-scoped bookkeeping. Idempotent.
func (s *Store) Init(worker string) error {
	s.mu.Lock()
	_, seen := s.workers[worker]
	s.workers[worker] = struct{}{}
	s.mu.Unlock()
	if seen {
		return nil
	}
	return s.PutPreference(worker, "registered_at", time.Now().Format(time.RFC3339), 1.0)
}

// RecordResult writes a task result and, on success, updates the learning
// pattern keyed by (worker, kind) in the same transaction. A reader never
// sees one without the other.
func (s *Store) RecordResult(workerName, taskKind string, r *task.Result) error {
	payload, err := marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("serializing result payload: %w", err)
	}
	metadata, err := marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("serializing result metadata: %w", err)
	}

	tx, err := s.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO task_results (task_id, worker_name, status, result, error, execution_time, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, workerName, string(r.Status), payload, r.Error,
		r.Duration.Nanoseconds(), metadata, r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting task result: %w", err)
	}

	if r.Status == task.StatusSuccess && taskKind != "" {
		if err := upsertPattern(tx, workerName, taskKind); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}
	log.Debug(log.CatMemory, "Result recorded", "taskID", r.TaskID, "worker", workerName, "status", string(r.Status))
	return nil
}

// upsertPattern applies the success moving average:
// rate' = (rate*freq + 1) / (freq + 1), freq' = freq + 1.
func upsertPattern(tx *sql.Tx, worker, kind string) error {
	var freq int64
	var rate float64
	err := tx.QueryRow(
		`SELECT frequency, success_rate FROM learning_patterns WHERE worker_name = ? AND pattern_type = ?`,
		worker, kind,
	).Scan(&freq, &rate)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO learning_patterns (worker_name, pattern_type, pattern_data, frequency, success_rate, last_updated)
			 VALUES (?, ?, NULL, 1, 1.0, ?)`,
			worker, kind, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting pattern: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading pattern: %w", err)
	default:
		newRate := (rate*float64(freq) + 1) / float64(freq+1)
		_, err = tx.Exec(
			`UPDATE learning_patterns SET frequency = ?, success_rate = ?, last_updated = ?
			 WHERE worker_name = ? AND pattern_type = ?`,
			freq+1, newRate, time.Now().UTC(), worker, kind,
		)
		if err != nil {
			return fmt.Errorf("updating pattern: %w", err)
		}
	}
	return nil
}

// TagResult merges tags into the metadata of the persisted result for a
// task. Used when feedback arrives after the result was recorded, so the
// history row carries what the user said about it.
func (s *Store) TagResult(taskID string, tags map[string]any) error {
	if len(tags) == 0 {
		return nil
	}
	var encoded sql.NullString
	err := s.db.conn.QueryRow(
		`SELECT metadata FROM task_results WHERE task_id = ?`, taskID,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tagging result %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading result metadata: %w", err)
	}

	metadata, _ := unmarshal(encoded).(map[string]any)
	if metadata == nil {
		metadata = make(map[string]any, len(tags))
	}
	for k, v := range tags {
		metadata[k] = v
	}

	merged, err := marshal(metadata)
	if err != nil {
		return fmt.Errorf("serializing result metadata: %w", err)
	}
	if _, err := s.db.conn.Exec(
		`UPDATE task_results SET metadata = ? WHERE task_id = ?`, merged, taskID,
	); err != nil {
		return fmt.Errorf("updating result metadata: %w", err)
	}
	log.Debug(log.CatMemory, "Result tagged", "taskID", taskID, "tags", len(tags))
	return nil
}

// PutPreference upserts a (key, worker) preference.
func (s *Store) PutPreference(worker, key string, value any, confidence float64) error {
	encoded, err := marshal(value)
	if err != nil {
		return fmt.Errorf("serializing preference: %w", err)
	}
	_, err = s.db.conn.Exec(
		`INSERT INTO user_preferences (preference_key, preference_value, worker_name, learned_at, confidence)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (preference_key, worker_name) DO UPDATE SET
		   preference_value = excluded.preference_value,
		   learned_at = excluded.learned_at,
		   confidence = excluded.confidence`,
		key, encoded, worker, time.Now().UTC(), confidence,
	)
	if err != nil {
		return fmt.Errorf("upserting preference: %w", err)
	}
	return nil
}

// GetPreferences returns preferences by descending confidence, optionally
// filtered to one worker ("" means all).
func (s *Store) GetPreferences(worker string) ([]Preference, error) {
	query := `SELECT preference_key, preference_value, worker_name, learned_at, confidence
		FROM user_preferences`
	args := []any{}
	if worker != "" {
		query += ` WHERE worker_name = ?`
		args = append(args, worker)
	}
	query += ` ORDER BY confidence DESC, learned_at DESC`

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying preferences: %w", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		var encoded sql.NullString
		if err := rows.Scan(&p.Key, &encoded, &p.WorkerName, &p.LearnedAt, &p.Confidence); err != nil {
			return nil, fmt.Errorf("scanning preference: %w", err)
		}
		p.Value = unmarshal(encoded)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutContext inserts a context entry expiring after ttl.
func (s *Store) PutContext(worker, ctype string, payload any, ttl time.Duration) error {
	encoded, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("serializing context: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.conn.Exec(
		`INSERT INTO context_memory (worker_name, context_type, context_data, timestamp, expiry_date)
		 VALUES (?, ?, ?, ?, ?)`,
		worker, ctype, encoded, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("inserting context: %w", err)
	}
	return nil
}

// GetContext evicts expired entries, then returns the remaining entries for
// a worker (newest first), optionally filtered by type.
func (s *Store) GetContext(worker, ctype string) ([]ContextEntry, error) {
	now := time.Now().UTC()
	if _, err := s.db.conn.Exec(`DELETE FROM context_memory WHERE expiry_date < ?`, now); err != nil {
		return nil, fmt.Errorf("evicting expired context: %w", err)
	}

	query := `SELECT context_id, worker_name, context_type, context_data, timestamp, expiry_date
		FROM context_memory WHERE worker_name = ?`
	args := []any{worker}
	if ctype != "" {
		query += ` AND context_type = ?`
		args = append(args, ctype)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying context: %w", err)
	}
	defer rows.Close()

	var out []ContextEntry
	for rows.Next() {
		var e ContextEntry
		var encoded sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkerName, &e.Type, &encoded, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning context: %w", err)
		}
		e.Payload = unmarshal(encoded)
		out = append(out, e)
	}
	return out, rows.Err()
}

// TaskHistory returns persisted results descending by timestamp, optionally
// filtered to one worker.
func (s *Store) TaskHistory(worker string, limit int) ([]ResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT task_id, worker_name, status, result, error, execution_time, metadata, timestamp
		FROM task_results`
	args := []any{}
	if worker != "" {
		query += ` WHERE worker_name = ?`
		args = append(args, worker)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task history: %w", err)
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var r ResultRecord
		var status string
		var payload, metadata sql.NullString
		var nanos int64
		if err := rows.Scan(&r.TaskID, &r.WorkerName, &status, &payload, &r.Error, &nanos, &metadata, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning task result: %w", err)
		}
		r.Status = task.Status(status)
		r.Duration = time.Duration(nanos)
		r.Payload = unmarshal(payload)
		if m, ok := unmarshal(metadata).(map[string]any); ok {
			r.Metadata = m
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Patterns returns a worker's learning patterns at or above a frequency
// floor, descending by (success_rate, frequency).
func (s *Store) Patterns(worker string, minFrequency int64) ([]Pattern, error) {
	rows, err := s.db.conn.Query(
		`SELECT pattern_id, worker_name, pattern_type, pattern_data, frequency, success_rate, last_updated
		 FROM learning_patterns
		 WHERE worker_name = ? AND frequency >= ?
		 ORDER BY success_rate DESC, frequency DESC`,
		worker, minFrequency,
	)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var encoded sql.NullString
		if err := rows.Scan(&p.ID, &p.WorkerName, &p.Type, &encoded, &p.Frequency, &p.SuccessRate, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning pattern: %w", err)
		}
		p.Payload = unmarshal(encoded)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordInteraction logs one bus exchange. Satisfies the bus Recorder.
func (s *Store) RecordInteraction(from, to, message, response string) error {
	_, err := s.db.conn.Exec(
		`INSERT INTO agent_interactions (from_worker, to_worker, message, response, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		from, to, message, response, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording interaction: %w", err)
	}
	return nil
}

// Interactions returns recorded exchanges, newest first.
func (s *Store) Interactions(limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.Query(
		`SELECT interaction_id, from_worker, to_worker, message, response, timestamp
		 FROM agent_interactions ORDER BY timestamp DESC, interaction_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.ID, &it.FromWorker, &it.ToWorker, &it.Message, &it.Response, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes task results, interactions, and expired context
// strictly older than the given age. Returns the number of rows removed.
func (s *Store) PurgeOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	var total int64

	res, err := s.db.conn.Exec(`DELETE FROM task_results WHERE timestamp < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("purging task results: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.conn.Exec(`DELETE FROM agent_interactions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("purging interactions: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.db.conn.Exec(`DELETE FROM context_memory WHERE expiry_date < ?`, time.Now().UTC())
	if err != nil {
		return total, fmt.Errorf("purging expired context: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	if total > 0 {
		log.Info(log.CatMemory, "Purge completed", "removed", total, "cutoff", cutoff.Format(time.RFC3339))
	}
	return total, nil
}

// SaveAll flushes the WAL to the main database file.
func (s *Store) SaveAll() error {
	return s.db.Checkpoint()
}

func marshal(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshal(s sql.NullString) any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return s.String
	}
	return v
}
