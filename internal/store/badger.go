package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// maxConflictRetries bounds retries of optimistic transactions.
const maxConflictRetries = 5

// BadgerStore implements Store with Badger DB.
//
// Keys:
//
//	seq:user                 -> last user id (uint64, big endian)
//	user:id:<id>             -> user JSON
//	user:name:<username>     -> user id
//	vm:name:<name>           -> record JSON
//	vm:owner:<ownerID>:<name> -> empty (owner index)
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens or creates a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func userSeqKey() []byte { return []byte("seq:user") }

func userIDKey(id int64) []byte {
	return []byte(fmt.Sprintf("user:id:%020d", id))
}

func userNameKey(username string) []byte {
	return []byte("user:name:" + username)
}

func vmKey(name string) []byte {
	return []byte("vm:name:" + name)
}

func vmOwnerPrefix(ownerID int64) []byte {
	return []byte(fmt.Sprintf("vm:owner:%020d:", ownerID))
}

func vmOwnerKey(ownerID int64, name string) []byte {
	return append(vmOwnerPrefix(ownerID), name...)
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateUser implements Store.CreateUser using Badger.
func (s *BadgerStore) CreateUser(_ context.Context, username string, role v1alpha1.Role) (*v1alpha1.User, error) {
	var user v1alpha1.User
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(userNameKey(username)); err == nil {
			return errors.Join(v1alpha1.ErrUserAlreadyExists, fmt.Errorf("username %q is taken", username))
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var last uint64
		item, err := txn.Get(userSeqKey())
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				last = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		user = v1alpha1.User{
			ID:        int64(last + 1),
			Username:  username,
			Role:      role,
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}

		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, last+1)
		if err := txn.Set(userSeqKey(), seq); err != nil {
			return err
		}
		if err := txn.Set(userIDKey(user.ID), data); err != nil {
			return err
		}
		return txn.Set(userNameKey(username), []byte(strconv.FormatInt(user.ID, 10)))
	})
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &user, nil
}

func getUser(txn *badger.Txn, id int64) (*v1alpha1.User, error) {
	item, err := txn.Get(userIDKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Join(v1alpha1.ErrUserNotFound, err)
		}
		return nil, err
	}
	var user v1alpha1.User
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &user)
	}); err != nil {
		return nil, err
	}
	return &user, nil
}

func getUserID(txn *badger.Txn, username string) (int64, error) {
	item, err := txn.Get(userNameKey(username))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, errors.Join(v1alpha1.ErrUserNotFound, err)
		}
		return 0, err
	}
	var id int64
	err = item.Value(func(v []byte) error {
		var perr error
		id, perr = strconv.ParseInt(string(v), 10, 64)
		return perr
	})
	return id, err
}

// GetUser implements Store.GetUser using Badger.
func (s *BadgerStore) GetUser(_ context.Context, id int64) (*v1alpha1.User, error) {
	var user *v1alpha1.User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		user, err = getUser(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// GetUserByName implements Store.GetUserByName using Badger.
func (s *BadgerStore) GetUserByName(_ context.Context, username string) (*v1alpha1.User, error) {
	var user *v1alpha1.User
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getUserID(txn, username)
		if err != nil {
			return err
		}
		user, err = getUser(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return user, nil
}

// ListUsers implements Store.ListUsers using Badger.
func (s *BadgerStore) ListUsers(_ context.Context) ([]v1alpha1.User, error) {
	var users []v1alpha1.User
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:name:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			username := string(it.Item().Key()[len(prefix):])
			id, err := getUserID(txn, username)
			if err != nil {
				return err
			}
			user, err := getUser(txn, id)
			if err != nil {
				return err
			}
			users = append(users, *user)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return users, nil
}

// CreateVM implements Store.CreateVM using Badger.
func (s *BadgerStore) CreateVM(_ context.Context, rec *v1alpha1.VMRecord) error {
	prepareRecord(rec)

	var ownerName string
	err := s.update(func(txn *badger.Txn) error {
		owner, err := getUser(txn, rec.OwnerID)
		if err != nil {
			return err
		}

		if _, err := txn.Get(vmKey(rec.Name)); err == nil {
			return errors.Join(v1alpha1.ErrDuplicateName, fmt.Errorf("vm %q already recorded", rec.Name))
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		stored := *rec
		stored.OwnerName = ""
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(vmKey(rec.Name), data); err != nil {
			return err
		}
		if err := txn.Set(vmOwnerKey(rec.OwnerID, rec.Name), nil); err != nil {
			return err
		}
		ownerName = owner.Username
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert vm: %w", err)
	}

	rec.OwnerName = ownerName
	return nil
}

func getVM(txn *badger.Txn, name string) (*v1alpha1.VMRecord, error) {
	item, err := txn.Get(vmKey(name))
	if err != nil {
		return nil, err
	}
	var rec v1alpha1.VMRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &rec)
	}); err != nil {
		return nil, err
	}
	owner, err := getUser(txn, rec.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("owner of %s: %w", name, err)
	}
	rec.OwnerName = owner.Username
	return &rec, nil
}

// FindVM implements Store.FindVM using Badger.
func (s *BadgerStore) FindVM(_ context.Context, name string) (*v1alpha1.VMRecord, bool, error) {
	var rec *v1alpha1.VMRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getVM(txn, name)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query vm: %w", err)
	}
	return rec, true, nil
}

// ListVMs implements Store.ListVMs using Badger.
func (s *BadgerStore) ListVMs(_ context.Context) ([]v1alpha1.VMRecord, error) {
	prefix := []byte("vm:name:")
	return s.listVMs(prefix, func(key []byte) string {
		return string(key[len(prefix):])
	})
}

// ListVMsForOwner implements Store.ListVMsForOwner using Badger.
func (s *BadgerStore) ListVMsForOwner(_ context.Context, ownerID int64) ([]v1alpha1.VMRecord, error) {
	prefix := vmOwnerPrefix(ownerID)
	return s.listVMs(prefix, func(key []byte) string {
		return string(key[len(prefix):])
	})
}

func (s *BadgerStore) listVMs(prefix []byte, nameOf func(key []byte) string) ([]v1alpha1.VMRecord, error) {
	var recs []v1alpha1.VMRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec, err := getVM(txn, nameOf(it.Item().KeyCopy(nil)))
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	return recs, nil
}

// DeleteVM implements Store.DeleteVM using Badger.
func (s *BadgerStore) DeleteVM(_ context.Context, name string) error {
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get(vmKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec v1alpha1.VMRecord
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return err
		}
		if err := txn.Delete(vmOwnerKey(rec.OwnerID, name)); err != nil {
			return err
		}
		return txn.Delete(vmKey(name))
	})
	if err != nil {
		return fmt.Errorf("delete vm: %w", err)
	}
	return nil
}
