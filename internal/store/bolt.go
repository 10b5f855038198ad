package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNodes = []byte("nodes")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) RecordTelemetry(id string, fields map[string]any, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		node, err := getNode(b, id)
		if errors.Is(err, ErrNotFound) {
			node = &Node{ID: id, FirstSeen: at}
		} else if err != nil {
			return err
		}
		node.LastSeen = at
		node.Messages++
		node.Telemetry = fields
		if rssi, ok := rssiFromFields(fields); ok {
			node.RSSI = &rssi
		}
		return putNode(b, node)
	})
}

func (s *BoltStore) RecordCommand(id, payload string, at time.Time) error {
	return s.update(id, func(node *Node) {
		node.LastCommand = payload
		node.LastCommandAt = at
	})
}

func (s *BoltStore) RenameNode(id, name string) error {
	return s.update(id, func(node *Node) { node.Name = name })
}

// update atomically reads, modifies and saves an existing node.
func (s *BoltStore) update(id string, fn func(*Node)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		node, err := getNode(b, id)
		if err != nil {
			return err
		}
		fn(node)
		return putNode(b, node)
	})
}

func (s *BoltStore) GetNode(id string) (*Node, error) {
	var node *Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx.Bucket(bucketNodes), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BoltStore) ListNodes() ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		nodes = make([]*Node, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var node Node
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("node %s: %w", k, err)
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func getNode(b *bolt.Bucket, id string) (*Node, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &node, nil
}

func putNode(b *bolt.Bucket, node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return b.Put([]byte(node.ID), data)
}
