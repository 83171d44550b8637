// Package history keeps the ledger of analyzed messages shown to the user.
//
// The ledger is laid out over a key-value store:
//
//	<ns>:version    schema version ("1")
//	<ns>:index      JSON array of item ids, newest first
//	<ns>:item:<id>  JSON item
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"msgguard/alert"
)

const (
	DefaultNamespace = "analyzeHistory"
	schemaVersion    = "1"

	defaultCacheTTL = 5 * time.Minute
	repairTimeout   = 10 * time.Second
	listCacheKey    = "list"
)

var ErrNotFound = errors.New("history item not found")

// Item is one analyzed message. Only Dismissed changes after it is saved.
type Item struct {
	ID          string      `json:"id"`
	CreatedAt   int64       `json:"createdAt"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	RiskScore   int         `json:"riskScore"`
	Reason      string      `json:"reason"`
	PackageName string      `json:"packageName"`
	AlertLevel  alert.Level `json:"alertLevel"`
	Dismissed   bool        `json:"dismissed"`
}

// Input is an item before it gets an id. A zero CreatedAt means now.
type Input struct {
	CreatedAt   int64
	Sender      string
	Content     string
	RiskScore   int
	Reason      string
	PackageName string
	AlertLevel  alert.Level
	Dismissed   bool
}

type Options struct {
	Namespace string
	// MaxItems bounds the ledger; the oldest items are evicted on save.
	// Zero keeps everything.
	MaxItems int
	// CacheTTL bounds how long a listing is served from memory; mutations
	// through the store invalidate it right away. Negative disables caching.
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store is safe for concurrent use. Index updates are serialized by indexMu.
type Store struct {
	kv       KV
	ns       string
	maxItems int
	logger   *slog.Logger
	now      func() time.Time

	initGroup   singleflight.Group
	initMu      sync.Mutex
	initialized bool

	indexMu sync.Mutex

	cache   *gocache.Cache
	cacheMu sync.Mutex
	gen     uint64

	repairMu sync.Mutex
	repairs  sync.WaitGroup
	closed   bool
}

func NewStore(kv KV, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		kv:       kv,
		ns:       opts.Namespace,
		maxItems: opts.MaxItems,
		logger:   opts.Logger.With("component", "history"),
		now:      opts.Now,
	}
	if opts.CacheTTL >= 0 {
		ttl := opts.CacheTTL
		if ttl == 0 {
			ttl = defaultCacheTTL
		}
		s.cache = gocache.New(ttl, 2*ttl)
	}
	return s
}

func (s *Store) versionKey() string       { return s.ns + ":version" }
func (s *Store) indexKey() string         { return s.ns + ":index" }
func (s *Store) itemKey(id string) string { return s.ns + ":item:" + id }

func (s *Store) idFromKey(key string) string {
	return strings.TrimPrefix(key, s.ns+":item:")
}

// Initialize writes the version and an empty index when they are absent.
// Concurrent callers share one run; a failed run is retried by the next call.
// The shared run is detached from the caller that started it, and each caller
// stops waiting when its own ctx ends.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	done := s.initialized
	s.initMu.Unlock()
	if done {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	ch := s.initGroup.DoChan("init", func() (any, error) {
		err := s.kv.Update(runCtx, func(tx KVTx) error {
			if _, ok, err := tx.Get(s.versionKey()); err != nil {
				return err
			} else if !ok {
				if err := tx.Set(s.versionKey(), []byte(schemaVersion)); err != nil {
					return err
				}
			}
			if _, ok, err := tx.Get(s.indexKey()); err != nil {
				return err
			} else if !ok {
				return tx.Set(s.indexKey(), []byte("[]"))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("initialize history: %w", err)
		}
		s.initMu.Lock()
		s.initialized = true
		s.initMu.Unlock()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Version returns the stored schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}
	raw, ok, err := s.kv.Get(ctx, s.versionKey())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func (s *Store) newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// decodeIndex tolerates a corrupt index by treating it as empty.
func (s *Store) decodeIndex(raw []byte, ok bool) []string {
	if !ok || len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		s.logger.Warn("failed to parse index", "error", err)
		return nil
	}
	out := ids[:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Save assigns an id, prepends it to the index and evicts the oldest items
// beyond MaxItems. The item, the new index and the evictions are written in
// one transaction.
func (s *Store) Save(ctx context.Context, in Input) (Item, error) {
	if err := s.Initialize(ctx); err != nil {
		return Item{}, err
	}
	now := s.now()
	item := Item{
		ID:          s.newID(now),
		CreatedAt:   in.CreatedAt,
		Sender:      in.Sender,
		Content:     in.Content,
		RiskScore:   in.RiskScore,
		Reason:      in.Reason,
		PackageName: in.PackageName,
		AlertLevel:  in.AlertLevel,
		Dismissed:   in.Dismissed,
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = now.UnixMilli()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var evicted []string
	err = s.kv.Update(ctx, func(tx KVTx) error {
		raw, ok, err := tx.Get(s.indexKey())
		if err != nil {
			return err
		}
		index := s.decodeIndex(raw, ok)
		next := make([]string, 0, len(index)+1)
		next = append(next, item.ID)
		for _, id := range index {
			if id != item.ID {
				next = append(next, id)
			}
		}
		if s.maxItems > 0 && len(next) > s.maxItems {
			evicted = append(evicted, next[s.maxItems:]...)
			next = next[:s.maxItems]
		}
		idx, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := tx.Set(s.itemKey(item.ID), data); err != nil {
			return err
		}
		if err := tx.Set(s.indexKey(), idx); err != nil {
			return err
		}
		keys := make([]string, len(evicted))
		for i, id := range evicted {
			keys[i] = s.itemKey(id)
		}
		return tx.Delete(keys...)
	})
	if err != nil {
		return Item{}, fmt.Errorf("save history item: %w", err)
	}
	s.invalidate()
	if len(evicted) > 0 {
		s.logger.Debug("evicted history items", "count", len(evicted))
	}
	return item, nil
}

// List returns the items newest first, in index order. Ids whose record is
// gone are skipped and removed from the index in the background.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if cached, ok := s.cachedList(); ok {
		return cached, nil
	}

	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	raw, ok, err := s.kv.Get(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("read history index: %w", err)
	}
	index := s.decodeIndex(raw, ok)
	if len(index) == 0 {
		s.storeList(gen, []Item{})
		return []Item{}, nil
	}

	keys := make([]string, len(index))
	for i, id := range index {
		keys[i] = s.itemKey(id)
	}
	values, err := s.kv.MultiGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read history items: %w", err)
	}

	items := make([]Item, 0, len(index))
	var missing []string
	for i, key := range keys {
		v, ok := values[key]
		if !ok {
			missing = append(missing, index[i])
			continue
		}
		var it Item
		if err := json.Unmarshal(v, &it); err != nil {
			s.logger.Warn("failed to parse history item", "key", key, "error", err)
			continue
		}
		if it.ID == "" {
			it.ID = s.idFromKey(key)
		}
		items = append(items, it)
	}

	if len(missing) > 0 {
		s.repairIndex(missing)
	} else {
		s.storeList(gen, items)
	}
	return copyItems(items), nil
}

// repairIndex drops missing ids from the index in the background. The current
// index is re-read under indexMu so concurrent saves are kept.
func (s *Store) repairIndex(missing []string) {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()
	if s.closed {
		return
	}
	s.repairs.Add(1)
	go func() {
		defer s.repairs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), repairTimeout)
		defer cancel()

		drop := make(map[string]struct{}, len(missing))
		for _, id := range missing {
			drop[id] = struct{}{}
		}

		s.indexMu.Lock()
		defer s.indexMu.Unlock()
		err := s.kv.Update(ctx, func(tx KVTx) error {
			raw, ok, err := tx.Get(s.indexKey())
			if err != nil {
				return err
			}
			index := s.decodeIndex(raw, ok)
			cleaned := make([]string, 0, len(index))
			for _, id := range index {
				if _, gone := drop[id]; !gone {
					cleaned = append(cleaned, id)
				}
			}
			if len(cleaned) == len(index) {
				return nil
			}
			b, err := json.Marshal(cleaned)
			if err != nil {
				return err
			}
			return tx.Set(s.indexKey(), b)
		})
		if err != nil {
			s.logger.Warn("failed to repair history index", "missing", len(missing), "error", err)
			return
		}
		s.invalidate()
		s.logger.Info("repaired history index", "removed", len(missing))
	}()
}

// Get returns one item.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	raw, ok, err := s.kv.Get(ctx, s.itemKey(id))
	if err != nil {
		return Item{}, fmt.Errorf("read history item %s: %w", id, err)
	}
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, fmt.Errorf("decode history item %s: %w", id, err)
	}
	return it, nil
}

// Dismiss marks an item as dismissed. Dismissing twice is not an error.
// It holds the index lock so an eviction in Save cannot delete the record
// between the read and the write.
func (s *Store) Dismiss(ctx context.Context, id string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	changed := false
	err := s.kv.Update(ctx, func(tx KVTx) error {
		raw, ok, err := tx.Get(s.itemKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			return fmt.Errorf("decode history item %s: %w", id, err)
		}
		if it.Dismissed {
			return nil
		}
		it.Dismissed = true
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		changed = true
		return tx.Set(s.itemKey(id), data)
	})
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("dismiss history item %s: %w", id, err)
	}
	if changed {
		s.invalidate()
	}
	return nil
}

// LatestUnresolved returns the newest item that is neither dismissed nor safe.
func (s *Store) LatestUnresolved(ctx context.Context) (Item, error) {
	items, err := s.List(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, it := range items {
		if !it.Dismissed && !it.AlertLevel.IsSafe() {
			return it, nil
		}
	}
	return Item{}, ErrNotFound
}

// Close waits for background index repairs.
func (s *Store) Close() error {
	s.repairMu.Lock()
	s.closed = true
	s.repairMu.Unlock()
	s.repairs.Wait()
	return nil
}

func (s *Store) invalidate() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	if s.cache != nil {
		s.cache.Delete(listCacheKey)
	}
}

func (s *Store) cachedList() ([]Item, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(listCacheKey)
	if !ok {
		return nil, false
	}
	return copyItems(v.([]Item)), true
}

// storeList caches items unless a mutation happened since gen was read.
func (s *Store) storeList(gen uint64, items []Item) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.gen == gen {
		s.cache.SetDefault(listCacheKey, copyItems(items))
	}
}

func copyItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
