// Package delivery hands serialized calendar documents to whatever sends
// them to attendees. The only built-in Deliverer is a file outbox.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"calcodec/internal/config"
	appLog "calcodec/internal/log"
)

// Message is one outbound iCalendar document.
type Message struct {
	InternalID  string `json:"internal_id"`
	UID         string `json:"uid"`
	Method      string `json:"method"`
	Sequence    int    `json:"sequence"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, msg Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Discard drops every message.
var Discard Deliverer = DelivererFunc(func(context.Context, Message) error { return nil })

type outboxMeta struct {
	Message
	File      string    `json:"file"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outbox writes each message under dir, one subdirectory per UID. Every
// delivery produces a new body file and rewrites meta.json to point at it.
type Outbox struct {
	dir string
	now func() time.Time
}

func NewOutbox(dir string) *Outbox {
	if dir == "" {
		dir = "./var/outbox"
	}
	return &Outbox{dir: dir, now: time.Now}
}

func (o *Outbox) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.UID == "" {
		return errors.New("delivery: message has no uid")
	}
	path := o.pathForUID(msg.UID)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	now := o.now().UTC()
	name := fmt.Sprintf("%s-%03d-%s.ics", now.Format("20060102T150405.000000000Z"), msg.Sequence, msg.Method)
	// Body first so meta never points at a missing file.
	if err := config.WriteFileAtomic(path, filepath.Join(path, name), msg.Body); err != nil {
		return fmt.Errorf("delivery: write body: %w", err)
	}

	data, err := json.MarshalIndent(outboxMeta{Message: msg, File: name, UpdatedAt: now}, "", "  ")
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(path, filepath.Join(path, "meta.json"), data); err != nil {
		return fmt.Errorf("delivery: write meta: %w", err)
	}

	appLog.Info("delivery queued", "uid", msg.UID, "method", msg.Method, "sequence", msg.Sequence, "file", name)
	return nil
}

// Latest returns the most recently delivered message for uid.
func (o *Outbox) Latest(uid string) (Message, error) {
	path := o.pathForUID(uid)
	data, err := os.ReadFile(filepath.Join(path, "meta.json"))
	if err != nil {
		return Message{}, err
	}
	var meta outboxMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Message{}, err
	}
	body, err := os.ReadFile(filepath.Join(path, meta.File))
	if err != nil {
		return Message{}, err
	}
	msg := meta.Message
	msg.Body = body
	return msg, nil
}

func (o *Outbox) pathForUID(uid string) string {
	sum := sha256.Sum256([]byte(uid))
	return filepath.Join(o.dir, hex.EncodeToString(sum[:8]))
}
