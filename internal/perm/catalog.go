package perm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownResourceType indicates a syntactically valid code whose resource
// type is not registered in the catalog.
var ErrUnknownResourceType = errors.New("perm: unknown resource type")

// ErrUnknownCode indicates a code absent from the catalog although its
// resource type is registered.
var ErrUnknownCode = errors.New("perm: unknown permission code")

// Catalog holds every known permission code, grouped by resource type.
// Wildcard codes are grant-time constructs and are never registered.
type Catalog struct {
	mu     sync.RWMutex
	byCode map[string]Code
	byRes  map[string][]Code
}

// NewCatalog builds a catalog from the given codes. Duplicates collapse.
func NewCatalog(codes ...Code) *Catalog {
	c := &Catalog{
		byCode: make(map[string]Code, len(codes)),
		byRes:  make(map[string][]Code),
	}
	for _, code := range codes {
		c.register(code)
	}
	return c
}

// Register adds a concrete code to the catalog. Wildcard codes are rejected.
func (c *Catalog) Register(code Code) error {
	if code.IsWildcard() {
		return fmt.Errorf("%w: wildcard %q cannot be cataloged", ErrMalformedCode, code)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.register(code)
	return nil
}

func (c *Catalog) register(code Code) {
	key := code.String()
	if _, ok := c.byCode[key]; ok {
		return
	}
	c.byCode[key] = code
	c.byRes[code.Resource] = append(c.byRes[code.Resource], code)
}

// Resolve validates raw and returns the registered code. It distinguishes a
// malformed string (caller bug) from a well-formed code that is simply not
// registered.
func (c *Catalog) Resolve(raw string) (Code, error) {
	code, err := Parse(raw)
	if err != nil {
		return Code{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.byRes[code.Resource]; !ok && code.Resource != Wildcard {
		return Code{}, fmt.Errorf("%w: %q", ErrUnknownResourceType, code.Resource)
	}
	if code.IsWildcard() {
		return code, nil
	}
	if _, ok := c.byCode[code.String()]; !ok {
		return Code{}, fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}
	return code, nil
}

// ResourceNode is one resource type and its permissions, action-ordered.
type ResourceNode struct {
	Resource    string `json:"resource_type"`
	Permissions []Code `json:"permissions"`
}

// Tree returns the catalog grouped by resource type. Output is deterministic
// for identical input sets: resources sort lexically, leaves sort by action.
func (c *Catalog) Tree() []ResourceNode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	resources := make([]string, 0, len(c.byRes))
	for res := range c.byRes {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	tree := make([]ResourceNode, 0, len(resources))
	for _, res := range resources {
		leaves := make([]Code, len(c.byRes[res]))
		copy(leaves, c.byRes[res])
		sort.Slice(leaves, func(i, j int) bool { return leaves[i].Action < leaves[j].Action })
		tree = append(tree, ResourceNode{Resource: res, Permissions: leaves})
	}
	return tree
}

// Len reports the number of registered codes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byCode)
}
