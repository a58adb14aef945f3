// Package catalog serves the models the chat UI can pick from. The list is
// TOML, embedded by default and optionally overridden by a file that is
// reloaded when it changes.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/logger"
)

//go:embed models.toml
var embedded []byte

type Document struct {
	Defaults map[string]string     `toml:"defaults"`
	Models   []chat.ModelSelection `toml:"model"`
}

type Catalog struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	models   []chat.ModelSelection
	defaults map[string]string
}

// Load reads path, or the embedded list when path is empty.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path, log: logger.New("catalog")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the backing file. On error the current list is kept.
func (c *Catalog) Reload() error {
	data := embedded
	if c.path != "" {
		b, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	doc, err := Parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.models = doc.Models
	c.defaults = doc.Defaults
	c.mu.Unlock()
	return nil
}

// Parse decodes and validates a catalog Document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return doc, fmt.Errorf("decode catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return doc, errors.New("catalog has no models")
	}
	seen := make(map[string]bool, len(doc.Models))
	for i, m := range doc.Models {
		if m.ID == "" || m.ProviderModelID == "" {
			return doc, fmt.Errorf("model %d: id and provider_model_id are required", i)
		}
		if seen[m.ID] {
			return doc, fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}
	if doc.Defaults == nil {
		doc.Defaults = map[string]string{}
	}
	return doc, nil
}

func (c *Catalog) List() []chat.ModelSelection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]chat.ModelSelection(nil), c.models...)
}

// Get returns the model with id, or the default model when id is empty.
func (c *Catalog) Get(id string) (chat.ModelSelection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == "" {
		return c.models[0], true
	}
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return chat.ModelSelection{}, false
}

// Defaults maps a provider name to the model used when a selection has no
// native id for that provider.
func (c *Catalog) Defaults() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.defaults))
	for k, v := range c.defaults {
		out[k] = v
	}
	return out
}

// Watch reloads the catalog whenever its file is written or replaced. It
// blocks until ctx is done. The directory is watched so editors that
// rename over the file are picked up.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Warn().Err(err).Str("path", c.path).Msg("catalog reload failed, keeping previous list")
				continue
			}
			c.log.Info().Int("models", len(c.List())).Msg("catalog reloaded")
			if onReload != nil {
				onReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}
