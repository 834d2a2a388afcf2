package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aibridge/wecomgw/pkg/logger"
)

// Agent holds the AI-backend credentials for one configured assistant.
type Agent struct {
	ID          string
	Name        string
	APIKey      string
	APIEndpoint string
	Active      bool
}

// Directory is the agent lookup table, backed by sqlite. A missing or
// inactive agent is not an error: callers degrade to the default backend.
type Directory struct {
	db *sql.DB
	// mapping translates a WeCom aibotid to an agent id.
	mapping map[string]string
}

func Open(dbPath string, aibotMapping map[string]string) (*Directory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent db: %w", err)
	}
	d := &Directory{db: db, mapping: aibotMapping}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Directory) init() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		api_key TEXT NOT NULL,
		api_endpoint TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`)
	if err != nil {
		return fmt.Errorf("failed to init agent schema: %w", err)
	}
	return nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces an agent record.
func (d *Directory) Upsert(ctx context.Context, a Agent) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, api_key, api_endpoint, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, api_key=excluded.api_key,
		 api_endpoint=excluded.api_endpoint, active=excluded.active`,
		a.ID, a.Name, a.APIKey, a.APIEndpoint, boolToInt(a.Active))
	return err
}

// Get returns the agent with the given id, or (nil, nil) when absent.
func (d *Directory) Get(ctx context.Context, id string) (*Agent, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, api_key, api_endpoint, active FROM agents WHERE id = ?", id)
	var a Agent
	var active int
	if err := row.Scan(&a.ID, &a.Name, &a.APIKey, &a.APIEndpoint, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Active = active != 0
	return &a, nil
}

// LookupByBotID resolves a WeCom aibotid through the configured mapping
// to an active agent. Returns (nil, nil) when there is no mapping, the
// agent is unknown, or it is inactive; the gateway then falls back to
// the default backend.
func (d *Directory) LookupByBotID(ctx context.Context, aiBotID string) (*Agent, error) {
	if aiBotID == "" {
		return nil, nil
	}
	agentID, ok := d.mapping[aiBotID]
	if !ok {
		logger.DebugCF("agents", "No agent mapping for aibotid, using default backend", map[string]any{
			"aibotid": aiBotID,
		})
		return nil, nil
	}

	agent, err := d.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		logger.WarnCF("agents", "Mapped agent not found", map[string]any{
			"aibotid":  aiBotID,
			"agent_id": agentID,
		})
		return nil, nil
	}
	if !agent.Active {
		logger.WarnCF("agents", "Mapped agent is inactive", map[string]any{
			"agent_id": agentID,
		})
		return nil, nil
	}
	return agent, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
