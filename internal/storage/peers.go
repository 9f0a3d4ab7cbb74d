package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeerRecord is a known libp2p peer, kept so the node can redial swap
// counterparties and bootstrap faster after a restart.
type PeerRecord struct {
	PeerID          string
	Addresses       []string
	FirstSeen       time.Time
	LastSeen        time.Time
	ConnectionCount int
	IsBootstrap     bool
}

// UpsertPeer records a peer sighting, merging with any existing record.
func (s *Storage) UpsertPeer(peer *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs, err := json.Marshal(peer.Addresses)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	firstSeen := now
	if !peer.FirstSeen.IsZero() {
		firstSeen = peer.FirstSeen.Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (peer_id, addresses, first_seen, last_seen, connection_count, is_bootstrap)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			is_bootstrap = CASE WHEN excluded.is_bootstrap THEN 1 ELSE peers.is_bootstrap END
	`, peer.PeerID, string(addrs), firstSeen, now, boolToInt(peer.IsBootstrap))
	if err != nil {
		return fmt.Errorf("failed to upsert peer: %w", err)
	}
	return nil
}

// MarkPeerConnected bumps the connection count and last seen time.
func (s *Storage) MarkPeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE peers SET last_seen = ?, connection_count = connection_count + 1
		WHERE peer_id = ?
	`, time.Now().Unix(), peerID)
	return err
}

// GetPeer returns a peer record, or nil when unknown.
func (s *Storage) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		peer                 PeerRecord
		addrs                string
		firstSeen, lastSeen  int64
		isBootstrap          int
	)
	err := s.db.QueryRow(`
		SELECT peer_id, addresses, first_seen, last_seen, connection_count, is_bootstrap
		FROM peers WHERE peer_id = ?
	`, peerID).Scan(&peer.PeerID, &addrs, &firstSeen, &lastSeen, &peer.ConnectionCount, &isBootstrap)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if addrs != "" {
		json.Unmarshal([]byte(addrs), &peer.Addresses)
	}
	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	peer.IsBootstrap = isBootstrap == 1
	return &peer, nil
}

// RecentPeers returns peers seen within the given window, most
// frequently connected first.
func (s *Storage) RecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-since).Unix()
	rows, err := s.db.Query(`
		SELECT peer_id, addresses, first_seen, last_seen, connection_count, is_bootstrap
		FROM peers WHERE last_seen > ?
		ORDER BY connection_count DESC, last_seen DESC LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		var (
			peer                 PeerRecord
			addrs                string
			firstSeen, lastSeen  int64
			isBootstrap          int
		)
		if err := rows.Scan(&peer.PeerID, &addrs, &firstSeen, &lastSeen, &peer.ConnectionCount, &isBootstrap); err != nil {
			return nil, err
		}
		if addrs != "" {
			json.Unmarshal([]byte(addrs), &peer.Addresses)
		}
		peer.FirstSeen = time.Unix(firstSeen, 0)
		peer.LastSeen = time.Unix(lastSeen, 0)
		peer.IsBootstrap = isBootstrap == 1
		peers = append(peers, &peer)
	}
	return peers, rows.Err()
}

// DeletePeer removes a peer record.
func (s *Storage) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?", peerID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
