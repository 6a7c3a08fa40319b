package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketJobs  = []byte("jobs")
	bucketLists = []byte("lists")
)

// BoltStore persists the queue in a single bolt file. Events are fanned out
// in-process, which is sufficient for the single-node deployments this store
// targets.
type BoltStore struct {
	db *bolt.DB

	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
}

// OpenBolt opens (or creates) the queue database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJobs); err != nil {
			return err
		}
		lists, err := tx.CreateBucketIfNotExists(bucketLists)
		if err != nil {
			return err
		}
		for _, name := range []string{ListWaiting, ListActive, ListSucceeded, ListFailed} {
			if _, err := lists.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue buckets: %w", err)
	}

	return &BoltStore{
		db:   db,
		subs: make(map[string]map[int]chan Event),
	}, nil
}

func (s *BoltStore) SaveJob(_ context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) LoadJob(_ context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *BoltStore) DeleteJob(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

func (s *BoltStore) Push(_ context.Context, list, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendToList(tx, list, id)
	})
}

func (s *BoltStore) PushBounded(_ context.Context, list, id string, max int) (int, error) {
	length := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLists).Bucket([]byte(list))
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			length++
		}
		if max > 0 && length >= max {
			return ErrQueueFull
		}
		length++
		return appendToList(tx, list, id)
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}

func (s *BoltStore) MoveWaitingToActive(_ context.Context) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		waiting := tx.Bucket(bucketLists).Bucket([]byte(ListWaiting))
		k, v := waiting.Cursor().First()
		if k == nil {
			return nil
		}
		id = string(v)
		if err := waiting.Delete(k); err != nil {
			return err
		}
		return appendToList(tx, ListActive, id)
	})
	return id, err
}

func (s *BoltStore) Remove(_ context.Context, list, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLists).Bucket([]byte(list))
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == id {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) List(_ context.Context, list string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLists).Bucket([]byte(list)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			out = append(out, string(v))
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Len(_ context.Context, list string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLists).Bucket([]byte(list)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Publish fans out in-process. Slow subscribers drop events rather than
// blocking the publisher.
func (s *BoltStore) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (s *BoltStore) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)

	s.mu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[int]chan Event)
	}
	subID := s.nextID
	s.nextID++
	s.subs[jobID][subID] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[jobID], subID)
			if len(s.subs[jobID]) == 0 {
				delete(s.subs, jobID)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (s *BoltStore) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs) == nil {
			return fmt.Errorf("jobs bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func appendToList(tx *bolt.Tx, list, id string) error {
	b := tx.Bucket(bucketLists).Bucket([]byte(list))
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, []byte(id))
}
