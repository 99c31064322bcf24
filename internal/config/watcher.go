package config

import (
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Voices is the hot-reloadable overlay: per-direction TTS voice
// selection and the translator's system-prompt template. It holds no
// session data, only tunable behavior, so it does not violate the
// gateway's "no persisted state" rule.
type Voices struct {
	Voices map[string]string `yaml:"voices"` // direction -> voice id, e.g. "cn-en" -> "en-US-Studio-O"
	Prompt string            `yaml:"prompt"` // translator system-prompt template; "%s"/"%s" = source/target lang
}

const (
	defaultPromptTemplate = "Translate the following %s text to %s. " +
		"Output ONLY the translation, nothing else. No commentary, no quotes."
)

func defaultVoices() *Voices {
	return &Voices{
		Voices: map[string]string{
			"cn-en": "en-US-Studio-O",
			"en-cn": "cmn-CN-Wavenet-A",
		},
		Prompt: defaultPromptTemplate,
	}
}

// VoiceFor returns the configured voice id for a direction, or "" if unset.
func (v *Voices) VoiceFor(direction string) string {
	if v == nil {
		return ""
	}
	return v.Voices[direction]
}

// PromptTemplate returns the translator system-prompt template.
func (v *Voices) PromptTemplate() string {
	if v == nil || v.Prompt == "" {
		return defaultPromptTemplate
	}
	return v.Prompt
}

func loadVoices(path string) (*Voices, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v := defaultVoices()
	if err := yaml.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// HotVoices wraps Voices with fsnotify-driven hot reload. If path is
// empty, it serves the built-in defaults and never watches anything.
type HotVoices struct {
	mu   sync.RWMutex
	v    *Voices
	path string
	subs []func(*Voices)
}

// NewHotVoices loads the overlay at path, or returns built-in defaults
// if path is empty or unreadable.
func NewHotVoices(path string) *HotVoices {
	if path == "" {
		return &HotVoices{v: defaultVoices()}
	}
	v, err := loadVoices(path)
	if err != nil {
		slog.Warn("voices config unreadable, using defaults", "path", path, "err", err)
		v = defaultVoices()
	}
	return &HotVoices{v: v, path: path}
}

// Get returns the current Voices snapshot.
func (hv *HotVoices) Get() *Voices {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	return hv.v
}

// OnReload registers a callback fired after each successful reload.
func (hv *HotVoices) OnReload(fn func(*Voices)) {
	hv.subs = append(hv.subs, fn)
}

func (hv *HotVoices) reload() {
	v, err := loadVoices(hv.path)
	if err != nil {
		slog.Error("voices config reload failed", "path", hv.path, "err", err)
		return
	}
	hv.mu.Lock()
	hv.v = v
	hv.mu.Unlock()

	slog.Info("voices config reloaded", "path", hv.path)
	for _, fn := range hv.subs {
		fn(v)
	}
}

// Watch starts watching the overlay file for changes. No-op if the
// watcher was constructed without a path.
func (hv *HotVoices) Watch() {
	if hv.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("voices config watcher failed", "err", err)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					hv.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("voices config watcher error", "err", err)
			}
		}
	}()

	if err := watcher.Add(hv.path); err != nil {
		slog.Error("watch voices config failed", "path", hv.path, "err", err)
	}
}
