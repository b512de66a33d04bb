package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

const agentColumns = `id, name, proposed_name, requested_name, ip_address, port, state, auth_token, public_token, approval_pushed, registered_at, last_seen_at`

// Store represents the Postgres storage implementation
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Postgres store
// The database must already exist - creation should be handled at the infrastructure/deployment level
func NewStore(connString string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, agent *domains.Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.pool.Exec(ctx, query,
		agent.ID, agent.Name, agent.ProposedName, agent.RequestedName, agent.IPAddress, agent.Port,
		string(agent.State), agent.AuthToken, agent.PublicToken, agent.ApprovalPushed,
		agent.RegisteredAt, agent.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return s.scanAgent(s.pool.QueryRow(ctx, query, id))
}

// GetAgentByAddress retrieves an agent by its registration address.
func (s *Store) GetAgentByAddress(ctx context.Context, ipAddress string, port int) (*domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE ip_address = $1 AND port = $2`
	return s.scanAgent(s.pool.QueryRow(ctx, query, ipAddress, port))
}

// GetAgentByAuthToken retrieves an agent by its issued auth token.
func (s *Store) GetAgentByAuthToken(ctx context.Context, token string) (*domains.Agent, error) {
	if token == "" {
		return nil, clients.ErrNotFound
	}
	query := `SELECT ` + agentColumns + ` FROM agents WHERE auth_token = $1`
	return s.scanAgent(s.pool.QueryRow(ctx, query, token))
}

// UpdateAgent replaces an existing record.
func (s *Store) UpdateAgent(ctx context.Context, agent *domains.Agent) error {
	query := `
		UPDATE agents
		SET name = $2, proposed_name = $3, requested_name = $4, ip_address = $5, port = $6, state = $7,
		    auth_token = $8, public_token = $9, approval_pushed = $10, last_seen_at = $11
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		agent.ID, agent.Name, agent.ProposedName, agent.RequestedName, agent.IPAddress, agent.Port,
		string(agent.State), agent.AuthToken, agent.PublicToken, agent.ApprovalPushed,
		agent.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrNotFound
	}
	return nil
}

// DeleteAgent removes a record.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrNotFound
	}
	return nil
}

// ListAgents returns all records sorted by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at ASC`
	return s.listAgents(ctx, query)
}

// ListAgentsByState returns all records in the given state.
func (s *Store) ListAgentsByState(ctx context.Context, state protocol.AgentState) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE state = $1 ORDER BY registered_at ASC`
	return s.listAgents(ctx, query, string(state))
}

// ListUnpushedApprovals returns approved agents awaiting push delivery.
func (s *Store) ListUnpushedApprovals(ctx context.Context) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE state = $1 AND approval_pushed = FALSE ORDER BY registered_at ASC`
	return s.listAgents(ctx, query, string(protocol.StateApproved))
}

// ListPendingRenames returns approved agents with a rename awaiting operator action.
func (s *Store) ListPendingRenames(ctx context.Context) ([]domains.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE state = $1 AND requested_name <> '' ORDER BY registered_at ASC`
	return s.listAgents(ctx, query, string(protocol.StateApproved))
}

// NameTaken reports whether any agent other than exclude holds name.
func (s *Store) NameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM agents WHERE LOWER(name) = LOWER($1) AND id <> $2)`
	var taken bool
	if err := s.pool.QueryRow(ctx, query, name, exclude).Scan(&taken); err != nil {
		return false, fmt.Errorf("failed to check name: %w", err)
	}
	return taken, nil
}

// RequestedNameTaken reports whether any other agent has a pending rename to name.
func (s *Store) RequestedNameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM agents WHERE LOWER(requested_name) = LOWER($1) AND id <> $2)`
	var taken bool
	if err := s.pool.QueryRow(ctx, query, name, exclude).Scan(&taken); err != nil {
		return false, fmt.Errorf("failed to check requested name: %w", err)
	}
	return taken, nil
}

// PeerListVersion returns the current version counter.
func (s *Store) PeerListVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM peer_list_version WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read peer list version: %w", err)
	}
	return version, nil
}

// IncrementPeerListVersion bumps the counter by exactly one. The row update
// serializes concurrent bumps.
func (s *Store) IncrementPeerListVersion(ctx context.Context) (int64, error) {
	var version int64
	query := `UPDATE peer_list_version SET version = version + 1 WHERE id = 1 RETURNING version`
	if err := s.pool.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to increment peer list version: %w", err)
	}
	return version, nil
}

// InsertTransferLogs inserts entries whose id is not yet present and
// returns the newly inserted ids.
func (s *Store) InsertTransferLogs(ctx context.Context, entries []domains.TransferLog) ([]uuid.UUID, error) {
	query := `
		INSERT INTO transfer_logs (id, from_agent_id, from_agent_name, to_agent_id, to_agent_name, filename, file_size, transferred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	inserted := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		tag, err := s.pool.Exec(ctx, query,
			entry.ID, entry.FromAgentID, entry.FromAgentName, entry.ToAgentID,
			entry.ToAgentName, entry.Filename, entry.FileSize, entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert transfer log: %w", err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, entry.ID)
		}
	}
	return inserted, nil
}

// ListTransferLogs returns up to limit entries, newest first.
func (s *Store) ListTransferLogs(ctx context.Context, limit int) ([]domains.TransferLog, error) {
	query := `
		SELECT id, from_agent_id, from_agent_name, to_agent_id, to_agent_name, filename, file_size, transferred_at
		FROM transfer_logs
		ORDER BY transferred_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer logs: %w", err)
	}
	defer rows.Close()

	var logs []domains.TransferLog
	for rows.Next() {
		var entry domains.TransferLog
		if err := rows.Scan(
			&entry.ID, &entry.FromAgentID, &entry.FromAgentName, &entry.ToAgentID,
			&entry.ToAgentName, &entry.Filename, &entry.FileSize, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// TransferStats returns totals over the whole log.
func (s *Store) TransferStats(ctx context.Context) (*domains.TransferStats, error) {
	var stats domains.TransferStats
	query := `SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM transfer_logs`
	if err := s.pool.QueryRow(ctx, query).Scan(&stats.TotalTransfers, &stats.TotalBytes); err != nil {
		return nil, fmt.Errorf("failed to query transfer stats: %w", err)
	}
	return &stats, nil
}

func (s *Store) listAgents(ctx context.Context, query string, args ...interface{}) ([]domains.Agent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []domains.Agent
	for rows.Next() {
		var agent domains.Agent
		var state string
		if err := rows.Scan(
			&agent.ID, &agent.Name, &agent.ProposedName, &agent.RequestedName, &agent.IPAddress, &agent.Port,
			&state, &agent.AuthToken, &agent.PublicToken, &agent.ApprovalPushed,
			&agent.RegisteredAt, &agent.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent.State = protocol.AgentState(state)
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *Store) scanAgent(row pgx.Row) (*domains.Agent, error) {
	var agent domains.Agent
	var state string
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.ProposedName, &agent.RequestedName, &agent.IPAddress, &agent.Port,
		&state, &agent.AuthToken, &agent.PublicToken, &agent.ApprovalPushed,
		&agent.RegisteredAt, &agent.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, clients.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	agent.State = protocol.AgentState(state)
	return &agent, nil
}
