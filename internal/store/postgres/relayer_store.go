package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

type dbRelayer struct {
	ID             string         `db:"id"`
	DisplayName    string         `db:"display_name"`
	NetworkID      string         `db:"network_id"`
	SignerID       string         `db:"signer_id"`
	NotificationID sql.NullString `db:"notification_id"`
	Address        string         `db:"address"`
	Paused         bool           `db:"paused"`
	SystemDisabled bool           `db:"system_disabled"`
	PolicyJSON     []byte         `db:"policy_json"`
	CustomRPCURLs  []byte         `db:"custom_rpc_urls_json"`
}

var insertRelayerQuery = `
INSERT INTO relayers (id, display_name, network_id, signer_id, notification_id, address,
                       paused, system_disabled, policy_json, custom_rpc_urls_json)
VALUES (:id, :display_name, :network_id, :signer_id, :notification_id, :address,
        :paused, :system_disabled, :policy_json, :custom_rpc_urls_json)
ON CONFLICT (id) DO UPDATE SET
  display_name = EXCLUDED.display_name,
  network_id = EXCLUDED.network_id,
  signer_id = EXCLUDED.signer_id,
  notification_id = EXCLUDED.notification_id,
  address = EXCLUDED.address,
  policy_json = EXCLUDED.policy_json,
  custom_rpc_urls_json = EXCLUDED.custom_rpc_urls_json`

var getRelayerQuery = `
SELECT id, display_name, network_id, signer_id, notification_id, address,
       paused, system_disabled, policy_json, custom_rpc_urls_json
FROM relayers WHERE id = $1`

var listRelayersQuery = `
SELECT id, display_name, network_id, signer_id, notification_id, address,
       paused, system_disabled, policy_json, custom_rpc_urls_json
FROM relayers ORDER BY id`

var setPausedQuery = `UPDATE relayers SET paused = :paused WHERE id = :id`
var setSystemDisabledQuery = `UPDATE relayers SET system_disabled = :system_disabled WHERE id = :id`

// RelayerStore is the durable relayer roster, the same sqlx/lib-pq shape
// as Store's transactions table: a few indexed columns plus a JSONB
// policy blob the engine only ever reads or writes whole.
type RelayerStore struct {
	db                 *sqlx.DB
	insertRelayer      *sqlx.NamedStmt
	setPaused          *sqlx.NamedStmt
	setSystemDisabled  *sqlx.NamedStmt
}

func NewRelayerStore(db *sqlx.DB) (*RelayerStore, error) {
	insertRelayer, err := db.PrepareNamed(insertRelayerQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare upsert relayer: %w", err)
	}
	setPaused, err := db.PrepareNamed(setPausedQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare set paused: %w", err)
	}
	setSystemDisabled, err := db.PrepareNamed(setSystemDisabledQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare set system_disabled: %w", err)
	}
	return &RelayerStore{
		db:                db,
		insertRelayer:     insertRelayer,
		setPaused:         setPaused,
		setSystemDisabled: setSystemDisabled,
	}, nil
}

func toDBRelayer(r *relaymodel.Relayer) (*dbRelayer, error) {
	policyJSON, err := json.Marshal(r.Policy)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal policy: %w", err)
	}
	rpcURLsJSON, err := json.Marshal(r.CustomRPCURLs)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal custom rpc urls: %w", err)
	}
	row := &dbRelayer{
		ID:             r.ID,
		DisplayName:    r.DisplayName,
		NetworkID:      r.NetworkID,
		SignerID:       r.SignerID,
		Address:        string(r.Address),
		Paused:         r.Paused,
		SystemDisabled: r.SystemDisabled,
		PolicyJSON:     policyJSON,
		CustomRPCURLs:  rpcURLsJSON,
	}
	if r.NotificationID != "" {
		row.NotificationID = sql.NullString{String: r.NotificationID, Valid: true}
	}
	return row, nil
}

func fromDBRelayer(row *dbRelayer) (*relaymodel.Relayer, error) {
	r := &relaymodel.Relayer{
		ID:             row.ID,
		DisplayName:    row.DisplayName,
		NetworkID:      row.NetworkID,
		SignerID:       row.SignerID,
		Address:        chain.Address(row.Address),
		Paused:         row.Paused,
		SystemDisabled: row.SystemDisabled,
	}
	if row.NotificationID.Valid {
		r.NotificationID = row.NotificationID.String
	}
	if len(row.PolicyJSON) > 0 {
		if err := json.Unmarshal(row.PolicyJSON, &r.Policy); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal policy: %w", err)
		}
	}
	if len(row.CustomRPCURLs) > 0 {
		if err := json.Unmarshal(row.CustomRPCURLs, &r.CustomRPCURLs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal custom rpc urls: %w", err)
		}
	}
	return r, nil
}

func (s *RelayerStore) Upsert(ctx context.Context, relayer *relaymodel.Relayer) error {
	row, err := toDBRelayer(relayer)
	if err != nil {
		return err
	}
	if _, err := s.insertRelayer.ExecContext(ctx, row); err != nil {
		return fmt.Errorf("postgres: upsert relayer: %w", err)
	}
	return nil
}

func (s *RelayerStore) Get(ctx context.Context, relayerID string) (*relaymodel.Relayer, error) {
	var row dbRelayer
	err := s.db.GetContext(ctx, &row, getRelayerQuery, relayerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relaymodel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get relayer: %w", err)
	}
	return fromDBRelayer(&row)
}

func (s *RelayerStore) List(ctx context.Context) ([]*relaymodel.Relayer, error) {
	var rows []dbRelayer
	if err := s.db.SelectContext(ctx, &rows, listRelayersQuery); err != nil {
		return nil, fmt.Errorf("postgres: list relayers: %w", err)
	}
	out := make([]*relaymodel.Relayer, 0, len(rows))
	for i := range rows {
		r, err := fromDBRelayer(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RelayerStore) SetPaused(ctx context.Context, relayerID string, paused bool) error {
	_, err := s.setPaused.ExecContext(ctx, map[string]any{"id": relayerID, "paused": paused})
	if err != nil {
		return fmt.Errorf("postgres: set paused: %w", err)
	}
	return nil
}

func (s *RelayerStore) SetSystemDisabled(ctx context.Context, relayerID string, disabled bool) error {
	_, err := s.setSystemDisabled.ExecContext(ctx, map[string]any{"id": relayerID, "system_disabled": disabled})
	if err != nil {
		return fmt.Errorf("postgres: set system_disabled: %w", err)
	}
	return nil
}
