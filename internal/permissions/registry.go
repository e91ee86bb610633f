package permissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Permission describes a capability token the registry understands.
type Permission struct {
	ID          string
	Description string

	// GroupScoped permissions additionally require the principal's group
	// memberships to include the resource's group. Group-agnostic permissions
	// skip that intersection test.
	GroupScoped bool
}

type permissionRegistry struct {
	mu          sync.RWMutex
	permissions map[string]*Permission
}

var globalRegistry = &permissionRegistry{
	permissions: make(map[string]*Permission),
}

var (
	errNilPermission = errors.New("permission: nil definition")
	errEmptyID       = errors.New("permission: id is required")
	errDuplicateID   = errors.New("permission: already registered")

	// ErrUnknownPermission is returned when a check references an ID that was
	// never registered. Lookups like this always deny.
	ErrUnknownPermission = errors.New("permission: unknown permission")
)

// Register adds a permission definition to the global registry.
func Register(perm *Permission) error {
	if perm == nil {
		return errNilPermission
	}

	id := strings.TrimSpace(perm.ID)
	if id == "" {
		return errEmptyID
	}

	def := *perm
	def.ID = id

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if _, exists := globalRegistry.permissions[id]; exists {
		return fmt.Errorf("%w: %s", errDuplicateID, id)
	}

	globalRegistry.permissions[id] = &def
	return nil
}

// Get returns a copy of the permission definition when registered.
func Get(id string) (*Permission, bool) {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	perm, ok := globalRegistry.permissions[id]
	if !ok {
		return nil, false
	}
	cpy := *perm
	return &cpy, true
}

// GetAll returns a copy of every registered permission keyed by ID.
func GetAll() map[string]*Permission {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	out := make(map[string]*Permission, len(globalRegistry.permissions))
	for id, perm := range globalRegistry.permissions {
		cpy := *perm
		out[id] = &cpy
	}
	return out
}

// AllIDs returns the sorted IDs of every registered permission.
func AllIDs() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	ids := make([]string, 0, len(globalRegistry.permissions))
	for id := range globalRegistry.permissions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
