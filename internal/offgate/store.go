package offgate

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store holds every named cache plus the deferred-action table in one LevelDB
// database. Key layout (cache names and URL keys never contain NUL):
//
//	e:<cache>\x00<key>  gob Entry
//	m:<cache>\x00<key>  gob entryMeta
//	n:<cache>           cache-name registry marker
//	q:<tag>             gob Action (deferred sync)
//	v:<version>         install-complete marker
//	seq                 insertion counter high-water mark
type Store struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

type entryMeta struct {
	Seq      uint64
	StoredAt int64
	Size     int64
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	s := &Store{db: db}
	if b, err := db.Get([]byte("seq"), nil); err == nil && len(b) == 8 {
		s.seq = binary.BigEndian.Uint64(b)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(cache, key string) []byte { return []byte("e:" + cache + "\x00" + key) }
func metaKey(cache, key string) []byte  { return []byte("m:" + cache + "\x00" + key) }
func nameKey(cache string) []byte       { return []byte("n:" + cache) }

// Get looks up one entry. Absence is a normal miss, not an error; a record
// that no longer decodes is dropped and reads as a miss.
func (s *Store) Get(cache, key string) (Entry, bool, error) {
	b, err := s.db.Get(entryKey(cache, key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get %s/%s: %v", ErrStorage, cache, key, err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		_ = s.Delete(cache, key)
		return Entry{}, false, nil
	}
	return ent, true, nil
}

// Put stores an entry atomically (entry, meta, name marker, counter in one
// batch). Every put counts as a fresh insertion for FIFO eviction purposes.
func (s *Store) Put(cache, key string, ent Entry) error {
	eb, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %v", ErrStorage, cache, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	meta := entryMeta{Seq: s.seq, StoredAt: ent.StoredAt, Size: int64(len(eb))}
	mb, err := encodeGob(meta)
	if err != nil {
		return fmt.Errorf("%w: encode meta %s/%s: %v", ErrStorage, cache, key, err)
	}

	seqb := make([]byte, 8)
	binary.BigEndian.PutUint64(seqb, s.seq)

	batch := new(leveldb.Batch)
	batch.Put(entryKey(cache, key), eb)
	batch.Put(metaKey(cache, key), mb)
	batch.Put(nameKey(cache), nil)
	batch.Put([]byte("seq"), seqb)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrStorage, cache, key, err)
	}
	return nil
}

func (s *Store) Delete(cache, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(cache, key))
	batch.Delete(metaKey(cache, key))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStorage, cache, key, err)
	}
	return nil
}

type keyMeta struct {
	Key      string
	Seq      uint64
	StoredAt int64
}

func (s *Store) metas(cache string) ([]keyMeta, error) {
	prefix := []byte("m:" + cache + "\x00")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []keyMeta
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, keyMeta{Key: key, Seq: meta.Seq, StoredAt: meta.StoredAt})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", ErrStorage, cache, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Keys returns the cache's keys in ascending insertion order.
func (s *Store) Keys(cache string) ([]string, error) {
	ms, err := s.metas(cache)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Key
	}
	return out, nil
}

// DropCache removes every entry of a named cache and its registry marker.
func (s *Store) DropCache(cache string) error {
	batch := new(leveldb.Batch)
	for _, p := range [][]byte{[]byte("e:" + cache + "\x00"), []byte("m:" + cache + "\x00")} {
		it := s.db.NewIterator(util.BytesPrefix(p), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return fmt.Errorf("%w: drop %s: %v", ErrStorage, cache, err)
		}
	}
	batch.Delete(nameKey(cache))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: drop %s: %v", ErrStorage, cache, err)
	}
	return nil
}

func (s *Store) CacheNames() ([]string, error) {
	prefix := []byte("n:")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: list caches: %v", ErrStorage, err)
	}
	return out, nil
}

// ---- install markers ----

func (s *Store) MarkInstalled(version string) error {
	if err := s.db.Put([]byte("v:"+version), nil, nil); err != nil {
		return fmt.Errorf("%w: mark installed %s: %v", ErrStorage, version, err)
	}
	return nil
}

func (s *Store) Installed(version string) (bool, error) {
	ok, err := s.db.Has([]byte("v:"+version), nil)
	if err != nil {
		return false, fmt.Errorf("%w: check installed %s: %v", ErrStorage, version, err)
	}
	return ok, nil
}

func (s *Store) InstalledVersions() ([]string, error) {
	prefix := []byte("v:")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: list versions: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *Store) ClearInstalled(version string) error {
	if err := s.db.Delete([]byte("v:"+version), nil); err != nil {
		return fmt.Errorf("%w: clear installed %s: %v", ErrStorage, version, err)
	}
	return nil
}

// ---- deferred actions ----

func actionKey(tag string) []byte { return []byte("q:" + tag) }

func (s *Store) PutAction(a Action) error {
	b, err := encodeGob(a)
	if err != nil {
		return fmt.Errorf("%w: encode action %s: %v", ErrStorage, a.Tag, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(actionKey(a.Tag), b, nil); err != nil {
		return fmt.Errorf("%w: put action %s: %v", ErrStorage, a.Tag, err)
	}
	return nil
}

func (s *Store) GetAction(tag string) (Action, bool, error) {
	b, err := s.db.Get(actionKey(tag), nil)
	if err == leveldb.ErrNotFound {
		return Action{}, false, nil
	}
	if err != nil {
		return Action{}, false, fmt.Errorf("%w: get action %s: %v", ErrStorage, tag, err)
	}
	var a Action
	if err := decodeGob(b, &a); err != nil {
		_ = s.db.Delete(actionKey(tag), nil)
		return Action{}, false, nil
	}
	return a, true, nil
}

// DeleteAction removes the record only if its stored CreatedAt still matches,
// so an enqueue that lands while a replay is in flight is not lost.
func (s *Store) DeleteAction(tag string, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok, err := s.GetAction(tag)
	if err != nil {
		return err
	}
	if !ok || cur.CreatedAt != createdAt {
		return nil
	}
	if err := s.db.Delete(actionKey(tag), nil); err != nil {
		return fmt.Errorf("%w: delete action %s: %v", ErrStorage, tag, err)
	}
	return nil
}

func (s *Store) Actions() ([]Action, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("q:")), nil)
	defer it.Release()

	var out []Action
	for it.Next() {
		var a Action
		if err := decodeGob(it.Value(), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: list actions: %v", ErrStorage, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
