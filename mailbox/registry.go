// Package mailbox provides a ready-to-use smtp.Sink: a JSON-backed
// registry mapping recipient addresses to per-recipient mbox-style flat
// files. It exists so the server is runnable standalone; embedders with
// real storage needs are expected to supply their own smtp.Sink instead.
package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kref/smtpsink/helpers"
	"github.com/kref/smtpsink/smtp"
)

// Entry records where a recipient's mbox file lives, relative to the
// registry's root directory.
type Entry struct {
	Address string `json:"address"`
	File    string `json:"file"`
}

// Registry is a JSON-file-backed map from recipient address to mbox file.
// It implements smtp.Sink and is safe for concurrent use by many
// sessions: a mutex serializes registry mutation and mbox appends, so
// concurrent deliveries to the same recipient never interleave mid-line.
type Registry struct {
	Root string

	mu        sync.Mutex
	entries   map[string]Entry
	indexPath string
}

var _ smtp.Sink = (*Registry)(nil)

// Open loads (or creates) a recipient registry rooted at dir. The
// directory is created if missing; the index file (dir/registry.json) is
// treated as empty if it does not yet exist.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create root %s: %w", dir, err)
	}
	r := &Registry{
		Root:      dir,
		entries:   map[string]Entry{},
		indexPath: filepath.Join(dir, "registry.json"),
	}
	var entries []Entry
	if err := helpers.DecodeFile(r.indexPath, &entries); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("mailbox: load registry: %w", err)
		}
	}
	for _, e := range entries {
		r.entries[e.Address] = e
	}
	return r, nil
}

// Deliver implements smtp.Sink: it appends env to each recipient's mbox
// file, registering any recipient seen for the first time.
func (r *Registry) Deliver(env smtp.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, to := range env.To {
		path, isNew := r.mailboxPathLocked(to)
		if err := appendMessage(path, env); err != nil {
			return err
		}
		if isNew {
			if err := r.saveLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) mailboxPathLocked(address string) (path string, isNew bool) {
	if entry, ok := r.entries[address]; ok {
		return filepath.Join(r.Root, entry.File), false
	}
	file := fileNameFor(address, len(r.entries))
	r.entries[address] = Entry{Address: address, File: file}
	return filepath.Join(r.Root, file), true
}

func (r *Registry) saveLocked() error {
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return helpers.EncodeFile(r.indexPath, entries)
}

// fileNameFor derives a filesystem-safe mbox file name for a recipient
// address, preferring the local-part and falling back to a positional
// name for the null reverse-path or any address with no '@'.
func fileNameFor(address string, ordinal int) string {
	local, _, ok := smtp.Address(address).Split()
	if !ok || local == "" {
		return fmt.Sprintf("mailbox-%d.mbox", ordinal)
	}
	return sanitize(local) + ".mbox"
}

func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

func appendMessage(path string, env smtp.Envelope) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open %s: %w", path, err)
	}
	defer f.Close()

	header := fmt.Sprintf("X-Envelope-From: %s\r\nX-Envelope-Date: %s\r\n", env.From, time.Now().UTC().Format(time.RFC1123Z))
	if _, err := f.WriteString(header); err != nil {
		return fmt.Errorf("mailbox: write headers to %s: %w", path, err)
	}
	if _, err := f.Write(env.Data); err != nil {
		return fmt.Errorf("mailbox: write body to %s: %w", path, err)
	}
	if _, err := f.WriteString("\r\n"); err != nil {
		return fmt.Errorf("mailbox: write separator to %s: %w", path, err)
	}
	return nil
}
