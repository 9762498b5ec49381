package therapist

// Store exposes therapist profile retrieval for handlers and the assistant.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice; profiles are static
// configuration, not user data.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns the configured profiles.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Profile{}, false
}
