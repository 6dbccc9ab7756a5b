// Package pg implements a blob store in a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq" // register the postgres type for sql.Open
	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store is a Postgresql-based blob store.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `blobs` and `anchors` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  ref BYTEA PRIMARY KEY NOT NULL,
  data BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
  name TEXT NOT NULL,
  at TIMESTAMP WITH TIME ZONE NOT NULL,
  ref BYTEA NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS anchor_idx ON anchors (name, at);
`

// New produces a new Store using `db` for storage.
// It expects to create tables `blobs` and `anchors`,
// or for those tables already to exist with the correct schema.
// (See variable Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	const q = `SELECT data FROM blobs WHERE ref = $1`

	var result []byte
	err := s.db.QueryRowContext(ctx, q, ref).Scan(&result)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, dat.ErrNotFound
	}
	return result, errors.Wrapf(err, "getting blob %s", ref)
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	const q = `SELECT ref FROM anchors WHERE name = $1 AND at <= $2 ORDER BY at DESC LIMIT 1`

	var result dat.Ref
	err := s.db.QueryRowContext(ctx, q, name, at).Scan(&result)
	if stderrs.Is(err, sql.ErrNoRows) {
		return dat.Zero, dat.ErrNotFound
	}
	return result, errors.Wrapf(err, "getting anchor %s", name)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b dat.Blob) (dat.Ref, bool, error) {
	const q = `INSERT INTO blobs (ref, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	ref := b.Ref()
	res, err := s.db.ExecContext(ctx, q, ref, []byte(b))
	if err != nil {
		return dat.Zero, false, errors.Wrap(err, "inserting blob")
	}

	aff, err := res.RowsAffected()
	return ref, aff > 0, errors.Wrap(err, "counting affected rows")
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	const q = `INSERT INTO anchors (name, at, ref) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, q, name, at, ref)
	return errors.Wrapf(err, "inserting anchor %s", name)
}

// ListRefs produces all blob refs in the store, in lexical order.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	const q = `SELECT ref FROM blobs WHERE ref > $1 ORDER BY ref`
	return sqlutil.ForQueryRows(ctx, s.db, q, start, func(ref dat.Ref) error {
		return f(ref)
	})
}

func init() {
	store.Register("pg", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
