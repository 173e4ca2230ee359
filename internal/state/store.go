// Package state keeps per-node static storage: the remembered webhook
// subscription of each trigger node, keyed by the node fingerprint.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxDocumentBytes caps the stored document of a single node.
const MaxDocumentBytes = 16 << 10

// ErrEmptyKey is returned for a NodeRef without a fingerprint.
var ErrEmptyKey = errors.New("node key is empty")

// NodeRef identifies one trigger node instance's storage slot.
type NodeRef struct {
	Key        string
	WorkflowID string
	NodeID     string
}

// StaticData is the typed view of a node's document. Empty fields mean
// "not remembered".
type StaticData struct {
	WebhookID  string `json:"webhook_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Store persists one JSON document per node in the node_state table.
type Store struct {
	db    *sql.DB
	limit int
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, limit: MaxDocumentBytes}
}

// Document returns the raw document of a node, or {} if none was saved.
func (s *Store) Document(ctx context.Context, ref NodeRef) (json.RawMessage, error) {
	if ref.Key == "" {
		return nil, ErrEmptyKey
	}
	doc, err := readDocument(ctx, s.db, ref.Key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Merge replaces the top-level keys named in patch. A nil value removes the
// key. The resulting document is returned.
func (s *Store) Merge(ctx context.Context, ref NodeRef, patch map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.mutate(ctx, ref, func(doc map[string]json.RawMessage) error {
		for k, v := range patch {
			if v == nil {
				delete(doc, k)
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %q: %w", k, err)
			}
			doc[k] = b
		}
		var err error
		out, err = json.Marshal(doc)
		return err
	})
	return out, err
}

// LoadStatic decodes the typed static data for a node.
func (s *Store) LoadStatic(ctx context.Context, ref NodeRef) (StaticData, error) {
	raw, err := s.Document(ctx, ref)
	if err != nil {
		return StaticData{}, err
	}
	var data StaticData
	if err := json.Unmarshal(raw, &data); err != nil {
		return StaticData{}, fmt.Errorf("decode static data: %w", err)
	}
	return data, nil
}

// SaveStatic stores the non-empty fields of data. Fields left empty keep
// their stored value.
func (s *Store) SaveStatic(ctx context.Context, ref NodeRef, data StaticData) error {
	patch := map[string]any{}
	for k, v := range map[string]string{
		"webhook_id":  data.WebhookID,
		"agent_id":    data.AgentID,
		"webhook_url": data.WebhookURL,
		"secret":      data.Secret,
	} {
		if v != "" {
			patch[k] = v
		}
	}
	_, err := s.Merge(ctx, ref, patch)
	return err
}

// SaveSubscription records the subscription a node just reconciled. Unlike
// SaveStatic, an empty webhook id, agent id or URL removes the stored value.
// The secret is only written when set.
func (s *Store) SaveSubscription(ctx context.Context, ref NodeRef, data StaticData) error {
	patch := map[string]any{}
	for k, v := range map[string]string{
		"webhook_id":  data.WebhookID,
		"agent_id":    data.AgentID,
		"webhook_url": data.WebhookURL,
	} {
		if v == "" {
			patch[k] = nil
		} else {
			patch[k] = v
		}
	}
	if data.Secret != "" {
		patch["secret"] = data.Secret
	}
	_, err := s.Merge(ctx, ref, patch)
	return err
}

// ClearStatic forgets the remembered subscription. The secret is kept so a
// re-activated node keeps authenticating with the same value.
func (s *Store) ClearStatic(ctx context.Context, ref NodeRef) error {
	_, err := s.Merge(ctx, ref, map[string]any{"webhook_id": nil, "agent_id": nil, "webhook_url": nil})
	return err
}

// mutate runs fn on the node's document inside one transaction and writes
// the result back.
func (s *Store) mutate(ctx context.Context, ref NodeRef, fn func(map[string]json.RawMessage) error) error {
	if ref.Key == "" {
		return ErrEmptyKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := readDocument(ctx, tx, ref.Key)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode node state: %w", err)
	}
	if len(encoded) > s.limit {
		return fmt.Errorf("node state for %s is %d bytes, limit is %d", ref.Key, len(encoded), s.limit)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO node_state(node_key, workflow_id, node_id, state, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(node_key) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, ref.Key, ref.WorkflowID, ref.NodeID, string(encoded), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write node state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit node state: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readDocument(ctx context.Context, q queryRower, key string) (map[string]json.RawMessage, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT state FROM node_state WHERE node_key = ?;", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node state: %w", err)
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("stored node state for %s is not a JSON object: %w", key, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}
