package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/sqlutil"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NotifyChannel is the postgres NOTIFY channel which carries setting changes.
const NotifyChannel = "pushline_settings"

// PostgresStore keeps settings in a postgres table. Every write is announced with NOTIFY, so all
// processes sharing the database, including this one, see every change.
type PostgresStore struct {
	watchers
	db       *sqlx.DB
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// RunMigrations brings the schema up to date.
func RunMigrations(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetTableName("pushline_goose_db_version")
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func NewPostgresStore(postgresURI string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresStore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgresStore: ping: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewPostgresStore: %w", err)
	}
	listener := pq.NewListener(postgresURI, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("settings listener")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("NewPostgresStore: listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		db:       db,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.listen(ctx)
	return s, nil
}

func (s *PostgresStore) listen(ctx context.Context) {
	defer internal.ReportPanicsToSentry()
	defer close(s.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// connection was re-established, changes may have been missed
				logger.Info().Msg("settings listener reconnected")
				continue
			}
			s.onNotification(ctx, n.Extra)
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				logger.Warn().Err(err).Msg("settings listener ping failed")
			}
		}
	}
}

func (s *PostgresStore) onNotification(ctx context.Context, extra string) {
	op, key, ok := strings.Cut(extra, ":")
	if !ok {
		logger.Warn().Str("payload", extra).Msg("malformed settings notification")
		return
	}
	switch op {
	case "del":
		s.emit(Change{Key: key, Removed: true})
	case "set":
		var value []byte
		err := s.db.GetContext(ctx, &value, `SELECT value FROM pushline_settings WHERE key = $1`, key)
		if errors.Is(err, sql.ErrNoRows) {
			// removed again before we looked
			s.emit(Change{Key: key, Removed: true})
			return
		}
		if err != nil {
			logger.Err(err).Str("key", key).Msg("failed to load changed setting")
			return
		}
		s.emit(Change{Key: key, Value: value})
	}
}

func (s *PostgresStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, `SELECT value FROM pushline_settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("PostgresStore.Get %s: %w", key, err)
	}
	return true, unmarshal(value, dst)
}

func (s *PostgresStore) Set(ctx context.Context, key string, value interface{}) error {
	b, err := marshal(value)
	if err != nil {
		return err
	}
	return sqlutil.WithTransaction(ctx, s.db, func(txn *sqlx.Tx) error {
		_, err := txn.ExecContext(ctx, `INSERT INTO pushline_settings(key, value, updated_at) VALUES($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, key, b)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
		return sqlutil.Notify(ctx, txn, NotifyChannel, "set:"+key)
	})
}

func (s *PostgresStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return sqlutil.WithTransaction(ctx, s.db, func(txn *sqlx.Tx) error {
		var removed []string
		err := txn.SelectContext(ctx, &removed, `DELETE FROM pushline_settings WHERE key = ANY($1) RETURNING key`, pq.StringArray(keys))
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		for _, k := range removed {
			if err = sqlutil.Notify(ctx, txn, NotifyChannel, "del:"+k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Close() error {
	s.cancel()
	<-s.done
	s.listener.Close()
	return s.db.Close()
}
