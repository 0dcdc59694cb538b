// Copyright (C) 2025 Petrel AI (oss@petrel-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the session history store on BadgerDB.
//
// # Description
//
// Each session is two records sharing one idle TTL:
//
//	session/info/<id>  SessionInfo JSON (metadata)
//	session/msgs/<id>  ordered []Message JSON (conversation log)
//
// Both entries are rewritten with a fresh TTL inside a single Update
// transaction on every append, so trimming, metadata updates, and TTL
// refresh are atomic. Expiry is enforced by Badger's entry TTL; an
// expired session is indistinguishable from one that never existed.
//
// # Limitations
//
//   - The message log is capped (FIFO). Older messages are dropped
//     silently once the cap is reached; MessageCount keeps the true total.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/petrel-ai/petrel/services/orchestrator/datatypes"
)

// ErrSessionNotFound is returned for sessions that are absent or expired.
var ErrSessionNotFound = errors.New("session not found")

const (
	infoKeyPrefix = "session/info/"
	msgsKeyPrefix = "session/msgs/"
)

// SessionStore is the contract handlers depend on. Implementations must
// be safe for concurrent use.
type SessionStore interface {
	// CreateOrGet returns the session with the given id, creating it when
	// id is empty or names an absent/expired session. The returned
	// SessionInfo always describes a live session.
	CreateOrGet(ctx context.Context, id, owner string) (datatypes.SessionInfo, error)

	// Get returns session metadata, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (datatypes.SessionInfo, error)

	// AppendMessage appends one message, trims the log to the cap, bumps
	// metadata, and refreshes the idle TTL of both records atomically.
	AppendMessage(ctx context.Context, id string, role datatypes.Role, content string) error

	// RecentMessages returns up to limit most recent messages in
	// chronological order. limit <= 0 means all retained messages.
	RecentMessages(ctx context.Context, id string, limit int) ([]datatypes.Message, error)

	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, id string) error

	// Ready reports whether the store can serve reads.
	Ready(ctx context.Context) error

	Close() error
}

// BadgerStore implements SessionStore on a local Badger database.
type BadgerStore struct {
	db         *badger.DB
	ttl        time.Duration
	messageCap int
}

// Options configures a BadgerStore.
type Options struct {
	// Path is the database directory. Empty means in-memory (tests).
	Path string

	// TTL is the idle session lifetime. Refreshed on every append.
	TTL time.Duration

	// MessageCap is the maximum retained messages per session.
	MessageCap int
}

// NewBadgerStore opens (or creates) the session database.
func NewBadgerStore(opts Options) (*BadgerStore, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive, got %s", opts.TTL)
	}
	if opts.MessageCap <= 0 {
		return nil, fmt.Errorf("session message cap must be positive, got %d", opts.MessageCap)
	}

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	slog.Info("Opened session store", "path", opts.Path, "ttl", opts.TTL, "message_cap", opts.MessageCap)
	return &BadgerStore{db: db, ttl: opts.TTL, messageCap: opts.MessageCap}, nil
}

func infoKey(id string) []byte { return []byte(infoKeyPrefix + id) }
func msgsKey(id string) []byte { return []byte(msgsKeyPrefix + id) }

// CreateOrGet implements SessionStore.
func (s *BadgerStore) CreateOrGet(ctx context.Context, id, owner string) (datatypes.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.SessionInfo{}, err
	}

	if id != "" {
		info, err := s.Get(ctx, id)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return datatypes.SessionInfo{}, err
		}
		slog.Info("Session absent or expired, creating a new one", "requested_session_id", id)
	}

	info := datatypes.NewSessionInfo(datatypes.NewSessionID(), owner)
	err := s.db.Update(func(txn *badger.Txn) error {
		infoBytes, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal session info: %w", err)
		}
		msgsBytes, err := json.Marshal([]datatypes.Message{})
		if err != nil {
			return fmt.Errorf("marshal empty message log: %w", err)
		}
		if err := txn.SetEntry(badger.NewEntry(infoKey(info.SessionID), infoBytes).WithTTL(s.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(msgsKey(info.SessionID), msgsBytes).WithTTL(s.ttl))
	})
	if err != nil {
		return datatypes.SessionInfo{}, fmt.Errorf("failed to create session: %w", err)
	}
	slog.Info("Created session", "session_id", info.SessionID, "owner", info.Owner)
	return info, nil
}

// Get implements SessionStore.
func (s *BadgerStore) Get(ctx context.Context, id string) (datatypes.SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.SessionInfo{}, err
	}

	var info datatypes.SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(infoKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.SessionInfo{}, ErrSessionNotFound
	}
	if err != nil {
		return datatypes.SessionInfo{}, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return info, nil
}

// AppendMessage implements SessionStore.
func (s *BadgerStore) AppendMessage(ctx context.Context, id string, role datatypes.Role, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("invalid message role %q", role)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		infoItem, err := txn.Get(infoKey(id))
		if err != nil {
			return err
		}
		var info datatypes.SessionInfo
		if err := infoItem.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		}); err != nil {
			return fmt.Errorf("decode session info: %w", err)
		}

		var messages []datatypes.Message
		msgsItem, err := txn.Get(msgsKey(id))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			if err := msgsItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &messages)
			}); err != nil {
				return fmt.Errorf("decode message log: %w", err)
			}
		}

		messages = append(messages, datatypes.Message{
			Role:      role,
			Content:   content,
			CreatedAt: time.Now().UnixMilli(),
		})
		// FIFO trim: keep the newest messageCap entries.
		if len(messages) > s.messageCap {
			messages = messages[len(messages)-s.messageCap:]
		}

		info.MessageCount++
		info.LastActivity = time.Now().UnixMilli()

		infoBytes, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal session info: %w", err)
		}
		msgsBytes, err := json.Marshal(messages)
		if err != nil {
			return fmt.Errorf("marshal message log: %w", err)
		}

		// Both entries get a fresh TTL so the pair expires together.
		if err := txn.SetEntry(badger.NewEntry(infoKey(id), infoBytes).WithTTL(s.ttl)); err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(msgsKey(id), msgsBytes).WithTTL(s.ttl))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to append message to session %s: %w", id, err)
	}
	return nil
}

// RecentMessages implements SessionStore.
func (s *BadgerStore) RecentMessages(ctx context.Context, id string, limit int) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgsKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &messages)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for session %s: %w", id, err)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// Delete implements SessionStore.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(infoKey(id)); err != nil {
			return err
		}
		return txn.Delete(msgsKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	slog.Info("Deleted session", "session_id", id)
	return nil
}

// Ready implements SessionStore.
func (s *BadgerStore) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("session store is closed")
	}
	return nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	slog.Info("Closing session store")
	return s.db.Close()
}

var _ SessionStore = (*BadgerStore)(nil)
