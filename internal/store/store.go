package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/readiness/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = dbPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leads (
		diagnosis_id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		company TEXT NOT NULL,
		responses TEXT NOT NULL,
		result TEXT NOT NULL,
		total_score INTEGER NOT NULL,
		grade TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reports (
		diagnosis_id TEXT PRIMARY KEY,
		narrative TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'fallback',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (diagnosis_id) REFERENCES leads(diagnosis_id)
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		diagnosis_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		message TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (diagnosis_id) REFERENCES leads(diagnosis_id)
	);

	CREATE INDEX IF NOT EXISTS leads_created_at ON leads(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertLead stores a scored submission together with a pending delivery row.
func (s *Store) InsertLead(lead model.Lead) error {
	company, err := json.Marshal(lead.Company)
	if err != nil {
		return fmt.Errorf("marshal company: %w", err)
	}
	responses, err := json.Marshal(lead.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}
	result, err := json.Marshal(lead.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO leads (diagnosis_id, email, company, responses, result, total_score, grade, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.DiagnosisID, lead.Company.Email, string(company), string(responses), string(result),
		lead.Result.TotalScore, string(lead.Result.Grade), lead.CreatedAt,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO deliveries (diagnosis_id, status, message, updated_at) VALUES (?, ?, '', ?)`,
		lead.DiagnosisID, string(model.DeliveryPending), lead.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const leadColumns = `diagnosis_id, company, responses, result, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (model.Lead, error) {
	var (
		lead                        model.Lead
		company, responses, result string
	)
	if err := row.Scan(&lead.DiagnosisID, &company, &responses, &result, &lead.CreatedAt); err != nil {
		return lead, err
	}
	if err := json.Unmarshal([]byte(company), &lead.Company); err != nil {
		return lead, fmt.Errorf("decode company of %s: %w", lead.DiagnosisID, err)
	}
	if err := json.Unmarshal([]byte(responses), &lead.Responses); err != nil {
		return lead, fmt.Errorf("decode responses of %s: %w", lead.DiagnosisID, err)
	}
	if err := json.Unmarshal([]byte(result), &lead.Result); err != nil {
		return lead, fmt.Errorf("decode result of %s: %w", lead.DiagnosisID, err)
	}
	return lead, nil
}

// GetLead returns a lead by diagnosis id, or nil if not found.
func (s *Store) GetLead(diagnosisID string) (*model.Lead, error) {
	lead, err := scanLead(s.db.QueryRow(
		`SELECT `+leadColumns+` FROM leads WHERE diagnosis_id = ?`, diagnosisID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// ListLeads returns all leads, newest first.
func (s *Store) ListLeads() ([]model.Lead, error) {
	rows, err := s.db.Query(`SELECT ` + leadColumns + ` FROM leads ORDER BY created_at DESC, diagnosis_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// LeadCount returns the number of stored leads.
func (s *Store) LeadCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM leads`).Scan(&count)
	return count, err
}

// SaveReport inserts or replaces the narrative report of a diagnosis.
func (s *Store) SaveReport(diagnosisID, narrative, source string) error {
	_, err := s.db.Exec(
		`INSERT INTO reports (diagnosis_id, narrative, source, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(diagnosis_id) DO UPDATE SET narrative = ?, source = ?`,
		diagnosisID, narrative, source, time.Now(), narrative, source,
	)
	return err
}

// GetReport returns the narrative for a diagnosis, or "" if none is stored.
func (s *Store) GetReport(diagnosisID string) (string, error) {
	var narrative string
	err := s.db.QueryRow(`SELECT narrative FROM reports WHERE diagnosis_id = ?`, diagnosisID).Scan(&narrative)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return narrative, err
}

// SetDelivery upserts the delivery state of a diagnosis report.
func (s *Store) SetDelivery(d model.Delivery) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO deliveries (diagnosis_id, status, message, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(diagnosis_id) DO UPDATE SET status = ?, message = ?, updated_at = ?`,
		d.DiagnosisID, string(d.Status), d.Message, d.UpdatedAt,
		string(d.Status), d.Message, d.UpdatedAt,
	)
	return err
}

// GetDelivery returns the delivery state of a diagnosis, or nil if not found.
func (s *Store) GetDelivery(diagnosisID string) (*model.Delivery, error) {
	var d model.Delivery
	var status string
	err := s.db.QueryRow(
		`SELECT diagnosis_id, status, message, updated_at FROM deliveries WHERE diagnosis_id = ?`, diagnosisID,
	).Scan(&d.DiagnosisID, &status, &d.Message, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = model.DeliveryStatus(status)
	return &d, nil
}
