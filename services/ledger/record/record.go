// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedAction is returned by Seal for an action whose shape does not
// match its type.
var ErrMalformedAction = errors.New("malformed action")

// ActionType is the kind of authored event.
type ActionType string

const (
	// ActionCreate starts a new update chain.
	ActionCreate ActionType = "create"
	// ActionUpdate supersedes an earlier action of the same chain.
	ActionUpdate ActionType = "update"
	// ActionDelete tombstones an earlier action. It carries no entry.
	ActionDelete ActionType = "delete"
)

// Action is the signed, addressed part of a record.
type Action struct {
	Type       ActionType `json:"type"`
	Kind       Kind       `json:"kind"`
	Author     AuthorKey  `json:"author"`
	Entry      Address    `json:"entry,omitempty"`
	Supersedes *Address   `json:"supersedes,omitempty"`
	Deletes    *Address   `json:"deletes,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Entry is the content part of a record.
type Entry struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Address returns the content address of the entry.
func (e *Entry) Address() Address {
	buf := make([]byte, 0, len(e.Kind)+1+len(e.Payload))
	buf = append(buf, e.Kind...)
	buf = append(buf, 0)
	buf = append(buf, e.Payload...)
	return HashBytes(buf)
}

// Record is a verified action with its decoded content. Records are
// immutable once sealed or opened; callers must not mutate Content.
type Record struct {
	Address   Address
	Action    Action
	Signature []byte
	Entry     *Entry
	Content   Content

	actionBytes []byte
}

// ActionBytes returns the exact signed action bytes.
func (r *Record) ActionBytes() []byte {
	return r.actionBytes
}

// ContentAddress returns the entry address, or "" for delete actions.
func (r *Record) ContentAddress() Address {
	return r.Action.Entry
}

// Kind returns the content kind of the chain the record belongs to.
func (r *Record) Kind() Kind {
	return r.Action.Kind
}

// Author returns the signing author.
func (r *Record) Author() AuthorKey {
	return r.Action.Author
}

// IsCreate reports whether the record starts an update chain.
func (r *Record) IsCreate() bool {
	return r.Action.Type == ActionCreate
}

// Seal builds, hashes and signs a record.
//
// Description:
//
//	Author, Entry and (when zero) Kind and Timestamp are filled from signer
//	and content. Create and update actions need content; delete actions must
//	have none. Supersedes is required exactly for updates and Deletes
//	exactly for deletes.
//
// Inputs:
//
//	signer - Authoring identity. Must not be nil.
//	action - Action skeleton: Type plus Supersedes or Deletes.
//	content - Entry content, or nil for a delete.
//
// Outputs:
//
//	*Record - The sealed record, ready to Put.
//	error - ErrMalformedAction on a shape violation, or an encoding error.
//
// Thread Safety: Safe for concurrent use.
func Seal(signer *Signer, action Action, content Content) (*Record, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: nil signer", ErrMalformedAction)
	}
	if err := checkShape(action, content); err != nil {
		return nil, err
	}

	action.Author = signer.Author()
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}

	var entry *Entry
	if content != nil {
		if action.Kind == "" {
			action.Kind = content.Kind()
		}
		if action.Kind != content.Kind() {
			return nil, fmt.Errorf("%w: action kind %s carries %s content", ErrMalformedAction, action.Kind, content.Kind())
		}
		payload, err := Encode(content)
		if err != nil {
			return nil, err
		}
		entry = &Entry{Kind: content.Kind(), Payload: payload}
		action.Entry = entry.Address()
	}
	if !action.Kind.Valid() {
		return nil, fmt.Errorf("%w: %w %q", ErrMalformedAction, ErrUnknownKind, action.Kind)
	}

	actionBytes, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	return &Record{
		Address:     HashBytes(actionBytes),
		Action:      action,
		Signature:   signer.Sign(actionBytes),
		Entry:       entry,
		Content:     content,
		actionBytes: actionBytes,
	}, nil
}

func checkShape(a Action, content Content) error {
	switch a.Type {
	case ActionCreate:
		if a.Supersedes != nil || a.Deletes != nil {
			return fmt.Errorf("%w: create must not supersede or delete", ErrMalformedAction)
		}
	case ActionUpdate:
		if a.Supersedes == nil || a.Deletes != nil {
			return fmt.Errorf("%w: update must supersede exactly one action", ErrMalformedAction)
		}
	case ActionDelete:
		if a.Deletes == nil || a.Supersedes != nil {
			return fmt.Errorf("%w: delete must name exactly one target", ErrMalformedAction)
		}
		if content != nil {
			return fmt.Errorf("%w: delete carries no content", ErrMalformedAction)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrMalformedAction, a.Type)
	}
	if content == nil {
		return fmt.Errorf("%w: %s requires content", ErrMalformedAction, a.Type)
	}
	return nil
}

// Open re-verifies stored bytes and rebuilds the Record.
//
// Description:
//
//	Checks, in order: the action hash against addr, the author signature,
//	the entry hash against the action's entry address, and that the
//	payload decodes as the declared kind. Any failure wraps ErrCorrupted.
//
// Inputs:
//
//	addr - The address the bytes were stored under.
//	actionBytes - Signed action bytes.
//	sig - Author signature.
//	entry - The entry, or nil for delete actions.
//
// Outputs:
//
//	*Record - The verified record.
//	error - Wraps ErrCorrupted on any integrity failure.
//
// Thread Safety: Safe for concurrent use.
func Open(addr Address, actionBytes, sig []byte, entry *Entry) (*Record, error) {
	if got := HashBytes(actionBytes); got != addr {
		return nil, fmt.Errorf("%w: action hash %s does not match address %s", ErrCorrupted, got.Short(), addr.Short())
	}

	var action Action
	if err := json.Unmarshal(actionBytes, &action); err != nil {
		return nil, fmt.Errorf("%w: action %s: %v", ErrCorrupted, addr.Short(), err)
	}
	if !action.Author.Verify(actionBytes, sig) {
		return nil, fmt.Errorf("%w: bad signature on %s", ErrCorrupted, addr.Short())
	}

	rec := &Record{
		Address:     addr,
		Action:      action,
		Signature:   sig,
		actionBytes: actionBytes,
	}

	if action.Type == ActionDelete {
		if entry != nil || action.Entry != "" {
			return nil, fmt.Errorf("%w: delete action %s carries an entry", ErrCorrupted, addr.Short())
		}
		return rec, nil
	}

	if entry == nil {
		return nil, fmt.Errorf("%w: action %s is missing its entry", ErrCorrupted, addr.Short())
	}
	if got := entry.Address(); got != action.Entry {
		return nil, fmt.Errorf("%w: entry hash %s does not match %s", ErrCorrupted, got.Short(), action.Entry.Short())
	}
	if entry.Kind != action.Kind {
		return nil, fmt.Errorf("%w: entry kind %s under %s action", ErrCorrupted, entry.Kind, action.Kind)
	}

	content, err := Decode(entry.Kind, entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	rec.Entry = entry
	rec.Content = content
	return rec, nil
}

// Verify re-checks a record's hashes and signature.
func Verify(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrCorrupted)
	}
	_, err := Open(r.Address, r.actionBytes, r.Signature, r.Entry)
	return err
}
