package outbox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"gorm.io/gorm"

	"postkeeper/internal/platform/logging"
)

// Repository persists queued posts. Put is an upsert keyed by ID.
type Repository interface {
	Load(ctx context.Context) ([]QueuedPost, error)
	Put(ctx context.Context, p QueuedPost) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects and configures a driver.
type RepositoryConfig struct {
	Driver string
	Path   string
}

// NewRepository builds the configured driver: file, sqlite or memory.
func NewRepository(cfg RepositoryConfig, db *gorm.DB, logger logging.Interface) (Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "file":
		j, err := OpenJournal(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "sqlite":
		return NewSQLiteRepository(db)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

type memoryRepository struct {
	mu    sync.Mutex
	posts map[string]QueuedPost
}

func NewMemoryRepository() Repository {
	return &memoryRepository{posts: make(map[string]QueuedPost)}
}

func (r *memoryRepository) Load(context.Context) ([]QueuedPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueuedPost, 0, len(r.posts))
	for _, p := range r.posts {
		out = append(out, p)
	}
	sortPosts(out)
	return out, nil
}

func (r *memoryRepository) Put(_ context.Context, p QueuedPost) error {
	r.mu.Lock()
	r.posts[p.ID] = p
	r.mu.Unlock()
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.posts, id)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepository) Clear(context.Context) error {
	r.mu.Lock()
	clear(r.posts)
	r.mu.Unlock()
	return nil
}

func (r *memoryRepository) Close() error { return nil }

func sortPosts(posts []QueuedPost) {
	slices.SortFunc(posts, func(a, b QueuedPost) int { return strings.Compare(a.ID, b.ID) })
}
