package manager

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// Affordance is a cached action spec a stable ref resolves to.
type Affordance struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
	Meta map[string]any `json:"meta,omitempty"`
}

// affordanceStore maps a stable "aff:<10-hex>" ref to its Affordance,
// per tab. Refs are deterministic hashes of the tool+args pair, so
// re-deriving the same list of items in a different DOM order produces
// the same ref for each semantically identical item.
type affordanceStore struct {
	mu    sync.Mutex
	byRef map[string]Affordance
	url   string
}

func newAffordanceStore() *affordanceStore {
	return &affordanceStore{byRef: make(map[string]Affordance)}
}

// set replaces the store's contents with items observed on url,
// returning the refs assigned, in the same order as items.
func (s *affordanceStore) set(items []Affordance, url string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef = make(map[string]Affordance, len(items))
	s.url = url
	refs := make([]string, len(items))
	for i, item := range items {
		ref := affordanceRef(item)
		s.byRef[ref] = item
		refs[i] = ref
	}
	return refs
}

func (s *affordanceStore) resolve(ref string) (Affordance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byRef[ref]
	return a, ok
}

func (s *affordanceStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef = make(map[string]Affordance)
}

// affordanceRef hashes the canonical JSON encoding of an Affordance's
// tool+args (not meta, which may carry volatile presentation data) into
// a deterministic "aff:<10-hex>" ref.
func affordanceRef(a Affordance) string {
	canon, _ := json.Marshal(struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}{Tool: a.Tool, Args: a.Args})
	h := xxhash.Sum64(canon)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return fmt.Sprintf("aff:%x", buf[:5])
}
