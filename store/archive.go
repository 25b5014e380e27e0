package store

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

var checkpointsBucket = []byte("checkpoints")

// Archive keeps earlier checkpoints in a bolt database, keyed by version so
// that they iterate oldest first.
type Archive struct {
	Path string
	db   *bolt.DB
	log  *zap.Logger
}

// NewArchive returns an archive stored at path. Call Open before use.
func NewArchive(path string, log *zap.Logger) *Archive {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{Path: path, log: log.With(zap.String("service", "archive"))}
}

// Open creates or opens the database.
func (a *Archive) Open() error {
	const op = "store.Archive.Open"

	db, err := bolt.Open(a.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "unable to open checkpoint archive", Err: err}
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	}); err != nil {
		db.Close()
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	a.db = db
	return nil
}

// Close closes the database.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func encodeKey(v cib.Version) []byte {
	k := make([]byte, 24)
	binary.BigEndian.PutUint64(k[0:8], uint64(v.AdminEpoch))
	binary.BigEndian.PutUint64(k[8:16], uint64(v.Epoch))
	binary.BigEndian.PutUint64(k[16:24], uint64(v.NumUpdates))
	return k
}

func decodeKey(k []byte) cib.Version {
	return cib.Version{
		AdminEpoch: int(binary.BigEndian.Uint64(k[0:8])),
		Epoch:      int(binary.BigEndian.Uint64(k[8:16])),
		NumUpdates: int(binary.BigEndian.Uint64(k[16:24])),
	}
}

// Put stores doc under its version, replacing any earlier entry for the
// same version.
func (a *Archive) Put(doc *tree.Document) error {
	v := cib.VersionOf(doc.Root())
	data := doc.Bytes()
	err := a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put(encodeKey(v), data)
	})
	if err != nil {
		return &ierrors.Error{Code: ierrors.EInternal, Op: "store.Archive.Put", Err: err}
	}
	return nil
}

// Get returns the checkpoint archived at v.
func (a *Archive) Get(v cib.Version) (*tree.Document, error) {
	const op = "store.Archive.Get"

	var data []byte
	if err := a.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(checkpointsBucket).Get(encodeKey(v)); b != nil {
			data = append([]byte(nil), b...)
		}
		return nil
	}); err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if data == nil {
		return nil, &ierrors.Error{Code: ierrors.ENotFound, Op: op, Msg: "no checkpoint at " + v.String()}
	}
	return tree.Parse(data)
}

// Latest returns the newest archived checkpoint, or ENotFound.
func (a *Archive) Latest() (*tree.Document, error) {
	const op = "store.Archive.Latest"

	var data []byte
	if err := a.db.View(func(tx *bolt.Tx) error {
		if k, b := tx.Bucket(checkpointsBucket).Cursor().Last(); k != nil {
			data = append([]byte(nil), b...)
		}
		return nil
	}); err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if data == nil {
		return nil, &ierrors.Error{Code: ierrors.ENotFound, Op: op, Msg: "checkpoint archive is empty"}
	}
	return tree.Parse(data)
}

// Versions lists the archived versions, oldest first.
func (a *Archive) Versions() ([]cib.Version, error) {
	var out []cib.Version
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, decodeKey(k))
			return nil
		})
	})
	if err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: "store.Archive.Versions", Err: err}
	}
	return out, nil
}

// Prune deletes all but the newest keep checkpoints and returns how many
// were removed.
func (a *Archive) Prune(keep int) (int, error) {
	var removed int
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket)
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil && removed < excess; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, &ierrors.Error{Code: ierrors.EInternal, Op: "store.Archive.Prune", Err: err}
	}
	if removed > 0 {
		a.log.Debug("Pruned checkpoint archive", zap.Int("removed", removed))
	}
	return removed, nil
}
