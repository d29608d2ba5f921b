package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrHandlerNil     = errors.New("dispatch: handler is nil")
	ErrTagExists      = errors.New("dispatch: command tag already registered")
	ErrInvalidCommand = errors.New("dispatch: invalid command info")
	ErrRegistryFrozen = errors.New("dispatch: registry is frozen")
)

// CommandInfo describes one registered command tag.
type CommandInfo struct {
	Tag         int32
	Name        string
	Description string
}

// Lister exposes the registered command catalog ordered by tag.
type Lister interface {
	List() []CommandInfo
}

type entry struct {
	info    CommandInfo
	handler Handler
}

// Builder collects registrations at startup. Freeze hands out the read-only
// Registry used while serving; the builder rejects registrations afterwards.
type Builder struct {
	mu     sync.Mutex
	items  map[int32]entry
	frozen bool
}

func NewBuilder() *Builder {
	return &Builder{items: make(map[int32]entry)}
}

// ValidateInfo checks the command name format, e.g. "kv.put".
func ValidateInfo(info CommandInfo) error {
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return fmt.Errorf("%w: tag %d missing name", ErrInvalidCommand, info.Tag)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name format %q", ErrInvalidCommand, name)
	}
	return nil
}

// Register adds one tag. Duplicate tags fail.
func (b *Builder) Register(info CommandInfo, h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	if err := ValidateInfo(info); err != nil {
		return err
	}
	info.Name = strings.TrimSpace(info.Name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrRegistryFrozen
	}
	if existing, ok := b.items[info.Tag]; ok {
		return fmt.Errorf("%w: tag %d (%s)", ErrTagExists, info.Tag, existing.info.Name)
	}
	b.items[info.Tag] = entry{info: info, handler: h}
	return nil
}

// RegisterFunc is Register for a plain function.
func (b *Builder) RegisterFunc(info CommandInfo, fn HandlerFunc) error {
	if fn == nil {
		return ErrHandlerNil
	}
	return b.Register(info, fn)
}

func (b *Builder) List() []CommandInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return listInfo(b.items)
}

// Freeze returns the immutable registry. Calling it twice returns equivalent
// registries.
func (b *Builder) Freeze() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	items := make(map[int32]entry, len(b.items))
	for tag, e := range b.items {
		items[tag] = e
	}
	return &Registry{items: items, infos: listInfo(items)}
}

// Registry is the frozen tag table. It is never mutated after Freeze, so
// concurrent lookups need no locking.
type Registry struct {
	items map[int32]entry
	infos []CommandInfo
}

func (r *Registry) Lookup(tag int32) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.items[tag]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

func (r *Registry) Info(tag int32) (CommandInfo, bool) {
	if r == nil {
		return CommandInfo{}, false
	}
	e, ok := r.items[tag]
	return e.info, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}

func (r *Registry) List() []CommandInfo {
	if r == nil {
		return nil
	}
	out := make([]CommandInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

func listInfo(items map[int32]entry) []CommandInfo {
	list := make([]CommandInfo, 0, len(items))
	for _, e := range items {
		list = append(list, e.info)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Tag < list[j].Tag
	})
	return list
}

func isValidName(name string) bool {
	if name == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
