// Package storage persists relay state that outlives a process, currently the
// address ban list.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-relay/pkg/crypto"
)

// BannedReason is sent to a banned client when its connection is refused
const BannedReason = "You are banned"

var ErrInvalidAddress = errors.New("invalid address")

// Ban is one ban list entry. Addresses are stored hashed.
type Ban struct {
	AddrHash  string     `json:"addr_hash"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = permanent
}

func (b Ban) expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// BanList is a sqlite-backed set of banned addresses with an in-memory
// mirror, so Banned never touches the database.
type BanList struct {
	db     *sql.DB
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.RWMutex
	bans map[string]Ban
}

// OpenBanList opens (or creates) the ban list database at path.
// Use ":memory:" for a throwaway list.
func OpenBanList(path string, logger *zap.Logger, clk clock.Clock) (*BanList, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ban list database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	b := &BanList{
		db:     db,
		clock:  clk,
		logger: logger,
		bans:   make(map[string]Ban),
	}

	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BanList) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bans (
		addr_hash TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	-- Index for expiration cleanup
	CREATE INDEX IF NOT EXISTS idx_bans_expires ON bans(expires_at);
	`

	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (b *BanList) load() error {
	rows, err := b.db.Query(`SELECT addr_hash, reason, created_at, expires_at FROM bans`)
	if err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}
	defer rows.Close()

	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for rows.Next() {
		var (
			ban     Ban
			created int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&ban.AddrHash, &ban.Reason, &created, &expires); err != nil {
			return fmt.Errorf("failed to scan ban: %w", err)
		}
		ban.CreatedAt = time.Unix(created, 0).UTC()
		if expires.Valid {
			t := time.Unix(expires.Int64, 0).UTC()
			ban.ExpiresAt = &t
		}
		if !ban.expired(now) {
			b.bans[ban.AddrHash] = ban
		}
	}
	return rows.Err()
}

// Ban adds or replaces a ban on addr. A zero ttl bans permanently.
func (b *BanList) Ban(addr netip.Addr, reason string, ttl time.Duration) (Ban, error) {
	if !addr.IsValid() {
		return Ban{}, ErrInvalidAddress
	}
	hash, err := crypto.AddressHash(addr, nil)
	if err != nil {
		return Ban{}, err
	}

	now := b.clock.Now().UTC().Truncate(time.Second)
	ban := Ban{AddrHash: hash, Reason: reason, CreatedAt: now}
	var expires sql.NullInt64
	if ttl > 0 {
		t := now.Add(ttl)
		ban.ExpiresAt = &t
		expires = sql.NullInt64{Int64: t.Unix(), Valid: true}
	}

	query := `
		INSERT INTO bans (addr_hash, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(addr_hash) DO UPDATE SET
			reason = excluded.reason,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	if _, err := b.db.Exec(query, hash, reason, now.Unix(), expires); err != nil {
		return Ban{}, fmt.Errorf("failed to store ban: %w", err)
	}

	b.mu.Lock()
	b.bans[hash] = ban
	b.mu.Unlock()

	b.logger.Info("address banned", zap.String("addr_hash", hash[:16]), zap.String("reason", reason), zap.Duration("ttl", ttl))
	return ban, nil
}

// Unban removes the ban on addr. It reports whether a ban existed.
func (b *BanList) Unban(addr netip.Addr) (bool, error) {
	if !addr.IsValid() {
		return false, ErrInvalidAddress
	}
	hash, err := crypto.AddressHash(addr, nil)
	if err != nil {
		return false, err
	}
	return b.remove(hash)
}

// UnbanHash removes a ban by its stored hash
func (b *BanList) UnbanHash(hash string) (bool, error) {
	return b.remove(hash)
}

func (b *BanList) remove(hash string) (bool, error) {
	result, err := b.db.Exec(`DELETE FROM bans WHERE addr_hash = ?`, hash)
	if err != nil {
		return false, fmt.Errorf("failed to delete ban: %w", err)
	}
	count, _ := result.RowsAffected()

	b.mu.Lock()
	_, cached := b.bans[hash]
	delete(b.bans, hash)
	b.mu.Unlock()

	return count > 0 || cached, nil
}

// Banned reports whether addr is currently banned
func (b *BanList) Banned(addr netip.Addr) bool {
	hash, err := crypto.AddressHash(addr, nil)
	if err != nil {
		return false
	}

	b.mu.RLock()
	ban, ok := b.bans[hash]
	b.mu.RUnlock()
	return ok && !ban.expired(b.clock.Now())
}

// List returns the active bans, oldest first
func (b *BanList) List() []Ban {
	now := b.clock.Now()

	b.mu.RLock()
	out := make([]Ban, 0, len(b.bans))
	for _, ban := range b.bans {
		if !ban.expired(now) {
			out = append(out, ban)
		}
	}
	b.mu.RUnlock()

	sortBans(out)
	return out
}

func sortBans(bans []Ban) {
	slices.SortFunc(bans, func(a, b Ban) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.AddrHash, b.AddrHash)
	})
}

// PurgeExpired deletes expired bans and returns how many were removed
func (b *BanList) PurgeExpired() (int, error) {
	now := b.clock.Now()
	result, err := b.db.Exec(`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge bans: %w", err)
	}
	count, _ := result.RowsAffected()

	b.mu.Lock()
	for hash, ban := range b.bans {
		if ban.expired(now) {
			delete(b.bans, hash)
		}
	}
	b.mu.Unlock()

	return int(count), nil
}

// Run purges expired bans every interval until ctx is done
func (b *BanList) Run(ctx context.Context, interval time.Duration) {
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := b.PurgeExpired()
			if err != nil {
				b.logger.Warn("failed to purge expired bans", zap.Error(err))
				continue
			}
			if count > 0 {
				b.logger.Info("purged expired bans", zap.Int("count", count))
			}
		}
	}
}

// Close closes the database connection
func (b *BanList) Close() error {
	return b.db.Close()
}
