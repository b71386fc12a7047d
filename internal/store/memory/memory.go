// Package memory is an in-process store.Store. Each account's records live in one
// partition; a transaction works on a private copy that replaces the partition on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lv-margin/internal/model"
	"lv-margin/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	locks      map[string]*sync.Mutex
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		partitions: make(map[string]*partition),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *Store) current(accountID string) (*partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partitions[accountID]
	return p, ok
}

func (s *Store) Atomic(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	return s.run(ctx, accountID, false, fn)
}

func (s *Store) Read(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	return s.run(ctx, accountID, true, fn)
}

func (s *Store) run(ctx context.Context, accountID string, readOnly bool, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	cur, ok := s.current(accountID)
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	work := cur.clone()
	tx := &memTx{accountID: accountID, p: work, readOnly: readOnly}
	if err := fn(tx); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	// A transaction that outlived its deadline is not committed.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.partitions[accountID] = work
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, acc model.Account) error {
	if acc.ID == "" {
		return fmt.Errorf("account id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.partitions[acc.ID]; exists {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrDuplicate)
	}
	s.partitions[acc.ID] = newPartition(acc)
	return nil
}

// PutPosition seeds an open position directly, bypassing order execution.
func (s *Store) PutPosition(ctx context.Context, p model.Position) error {
	return s.Atomic(ctx, p.AccountID, func(tx store.Tx) error {
		return tx.Positions().Insert(ctx, p)
	})
}

func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Liquidation(ctx context.Context, id string) (model.LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.partitions {
		for _, e := range p.liquidations {
			if e.ID == id {
				return cloneLiquidation(e), nil
			}
		}
	}
	return model.LiquidationEvent{}, store.ErrNotFound
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
