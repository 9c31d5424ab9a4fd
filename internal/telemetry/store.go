// Package telemetry archives cooldown cycles to sqlite: one row per cycle,
// one per state transition, and periodic current/temperature samples. The
// archive is what the report generator reads.
package telemetry

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

type Cycle struct {
	ID             string
	Trigger        string // "get-cold" or "scheduled"
	StartedAt      time.Time
	FinishedAt     *time.Time
	FinalState     string // "off" or "regulating" once finished
	SoakCurrent    float64
	SoakTime       float64
	RampRate       float64
	DerampRate     float64
	RegulationTemp float64
}

type Transition struct {
	ID        int64
	CycleID   string
	FromState string
	ToState   string
	Timestamp time.Time
}

type Sample struct {
	ID        int64
	CycleID   string
	State     string
	CurrentA  float64
	FieldT    float64
	OutputV   float64
	TempK     float64
	Timestamp time.Time
}

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite requires single-connection mode for :memory: databases
	// (each pool connection gets its own in-memory DB otherwise).
	// For file-based DBs this also avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    trigger TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    final_state TEXT DEFAULT '',
    soak_current REAL NOT NULL,
    soak_time REAL NOT NULL,
    ramp_rate REAL NOT NULL,
    deramp_rate REAL NOT NULL,
    regulation_temp REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL REFERENCES cycles(id),
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL REFERENCES cycles(id),
    state TEXT NOT NULL,
    current_a REAL NOT NULL,
    field_t REAL NOT NULL DEFAULT 0,
    output_v REAL NOT NULL DEFAULT 0,
    temp_k REAL NOT NULL,
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_cycle ON transitions(cycle_id);
CREATE INDEX IF NOT EXISTS idx_samples_cycle_ts ON samples(cycle_id, timestamp);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Cycles
// ---------------------------------------------------------------------------

func (s *Store) BeginCycle(id, trigger string, soakCurrent, soakTime, rampRate, derampRate, regulationTemp float64) error {
	_, err := s.db.Exec(
		`INSERT INTO cycles (id, trigger, started_at, soak_current, soak_time, ramp_rate, deramp_rate, regulation_temp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, trigger, time.Now().UTC().Format(time.RFC3339Nano),
		soakCurrent, soakTime, rampRate, derampRate, regulationTemp,
	)
	return err
}

func (s *Store) FinishCycle(id, finalState string) error {
	_, err := s.db.Exec(
		`UPDATE cycles SET finished_at = ?, final_state = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), finalState, id,
	)
	return err
}

func (s *Store) GetCycle(id string) (*Cycle, error) {
	var c Cycle
	var startedAt string
	var finishedAt sql.NullString
	err := s.db.QueryRow(
		`SELECT id, trigger, started_at, finished_at, final_state,
		        soak_current, soak_time, ramp_rate, deramp_rate, regulation_temp
		 FROM cycles WHERE id = ?`, id,
	).Scan(&c.ID, &c.Trigger, &startedAt, &finishedAt, &c.FinalState,
		&c.SoakCurrent, &c.SoakTime, &c.RampRate, &c.DerampRate, &c.RegulationTemp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, err
		}
		c.FinishedAt = &t
	}
	return &c, nil
}

func (s *Store) ListCycles() ([]Cycle, error) {
	rows, err := s.db.Query(
		`SELECT id, trigger, started_at, finished_at, final_state,
		        soak_current, soak_time, ramp_rate, deramp_rate, regulation_temp
		 FROM cycles ORDER BY started_at DESC, _rowid_ DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cycles := []Cycle{}
	for rows.Next() {
		var c Cycle
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Trigger, &startedAt, &finishedAt, &c.FinalState,
			&c.SoakCurrent, &c.SoakTime, &c.RampRate, &c.DerampRate, &c.RegulationTemp); err != nil {
			return nil, err
		}
		c.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
			if err != nil {
				return nil, err
			}
			c.FinishedAt = &t
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// LatestCycleID returns the most recently started cycle, or "" when the
// archive is empty.
func (s *Store) LatestCycleID() (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM cycles ORDER BY started_at DESC, _rowid_ DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (s *Store) RecordTransition(cycleID, fromState, toState string) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (cycle_id, from_state, to_state, timestamp) VALUES (?, ?, ?, ?)`,
		cycleID, fromState, toState, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) QueryTransitions(cycleID string) ([]Transition, error) {
	rows, err := s.db.Query(
		`SELECT id, cycle_id, from_state, to_state, timestamp
		 FROM transitions WHERE cycle_id = ? ORDER BY timestamp ASC, id ASC`,
		cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := []Transition{}
	for rows.Next() {
		var tr Transition
		var ts string
		if err := rows.Scan(&tr.ID, &tr.CycleID, &tr.FromState, &tr.ToState, &ts); err != nil {
			return nil, err
		}
		tr.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

// ---------------------------------------------------------------------------
// Samples
// ---------------------------------------------------------------------------

func (s *Store) RecordSample(cycleID, state string, currentA, fieldT, outputV, tempK float64) error {
	_, err := s.db.Exec(
		`INSERT INTO samples (cycle_id, state, current_a, field_t, output_v, temp_k, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cycleID, state, currentA, fieldT, outputV, tempK, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) QuerySamples(cycleID string) ([]Sample, error) {
	rows, err := s.db.Query(
		`SELECT id, cycle_id, state, current_a, field_t, output_v, temp_k, timestamp
		 FROM samples WHERE cycle_id = ? ORDER BY timestamp ASC, id ASC`,
		cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		var sa Sample
		var ts string
		if err := rows.Scan(&sa.ID, &sa.CycleID, &sa.State, &sa.CurrentA, &sa.FieldT, &sa.OutputV, &sa.TempK, &ts); err != nil {
			return nil, err
		}
		sa.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sa)
	}
	return samples, rows.Err()
}
