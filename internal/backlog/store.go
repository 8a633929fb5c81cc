// Package backlog is a small file-backed store for open discussion
// items the assistant creates on request: topics a channel wants to
// come back to, each captured with a snapshot of the conversation that
// prompted it. Items are plain text files so operators can read and
// groom them with ordinary tools.
package backlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrFull is returned by Create when the store already holds the
// maximum number of open items.
var ErrFull = errors.New("backlog is full")

// ErrNotFound is returned by Read when no item has the given id.
var ErrNotFound = errors.New("backlog item not found")

// Item is one open backlog entry.
type Item struct {
	ID      string
	Title   string
	Channel string
	Created time.Time
	Body    string
}

// Store keeps open items as individual files under a directory.
type Store struct {
	dir     string
	maxOpen int

	nowFunc func() time.Time
}

// NewStore creates a store rooted at dir, creating the directory if
// needed. maxOpen caps the number of open items; zero or negative
// means no cap.
func NewStore(dir string, maxOpen int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backlog dir: %w", err)
	}
	return &Store{dir: dir, maxOpen: maxOpen, nowFunc: time.Now}, nil
}

// Create adds a new open item and returns it. The id is derived from
// the title plus a short random suffix so ids stay readable but never
// collide. Returns ErrFull when the store is at capacity.
func (s *Store) Create(channel, title, body string) (*Item, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}

	if s.maxOpen > 0 {
		items, err := s.List()
		if err != nil {
			return nil, err
		}
		if len(items) >= s.maxOpen {
			return nil, fmt.Errorf("%w (%d open items)", ErrFull, len(items))
		}
	}

	item := &Item{
		ID:      s.newID(title),
		Title:   title,
		Channel: channel,
		Created: s.nowFunc(),
		Body:    body,
	}

	path := filepath.Join(s.dir, item.ID+".md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(render(item)), 0o644); err != nil {
		return nil, fmt.Errorf("write backlog item: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write backlog item: %w", err)
	}
	return item, nil
}

// List returns all open items, oldest first.
func (s *Store) List() ([]*Item, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}

	var items []*Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		item, err := s.readFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue // skip unreadable or foreign files
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Created.Before(items[j].Created)
	})
	return items, nil
}

// Read returns the item with the given id, or ErrNotFound.
func (s *Store) Read(id string) (*Item, error) {
	if strings.ContainsAny(id, "/\\") {
		return nil, ErrNotFound
	}
	item, err := s.readFile(filepath.Join(s.dir, id+".md"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) newID(title string) string {
	slug := slugify(title)
	if len(slug) > 40 {
		slug = slug[:40]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if slug == "" {
		return suffix
	}
	return slug + "-" + suffix
}

func (s *Store) readFile(path string) (*Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID: strings.TrimSuffix(filepath.Base(path), ".md"),
	}

	text := string(raw)
	head, body, found := strings.Cut(text, "\n\n")
	if !found {
		head = text
	}
	for _, line := range strings.Split(head, "\n") {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "Title":
			item.Title = val
		case "Channel":
			item.Channel = val
		case "Created":
			if ts, err := time.Parse(time.RFC3339, val); err == nil {
				item.Created = ts
			}
		}
	}
	item.Body = strings.TrimSpace(body)
	if item.Title == "" {
		return nil, fmt.Errorf("malformed backlog item %s", path)
	}
	return item, nil
}

func render(item *Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	fmt.Fprintf(&b, "Channel: %s\n", item.Channel)
	fmt.Fprintf(&b, "Created: %s\n", item.Created.UTC().Format(time.RFC3339))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(item.Body))
	b.WriteString("\n")
	return b.String()
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
