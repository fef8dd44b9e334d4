package syncer

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/internal/remote"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRemote mirrors the postgres store: last-writer-wins upsert and a
// server sequence stamped on every accepted write.
type fakeRemote struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]models.RemoteDiagnostic
	seq        int64
	upserts    int
	inflight   map[uuid.UUID]int
	peak       int
	delay      time.Duration
	failNext   int
	failDelete error
	failWith   func(row models.RemoteDiagnostic) error
	beforeAck  func(row models.RemoteDiagnostic)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:     make(map[uuid.UUID]models.RemoteDiagnostic),
		inflight: make(map[uuid.UUID]int),
	}
}

func (r *fakeRemote) Upsert(_ context.Context, row models.RemoteDiagnostic) error {
	r.mu.Lock()
	r.upserts++
	r.inflight[row.ID]++
	if n := r.inflight[row.ID]; n > r.peak {
		r.peak = n
	}
	delay := r.delay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	r.mu.Lock()
	r.inflight[row.ID]--
	if r.failNext > 0 {
		r.failNext--
		r.mu.Unlock()
		return pkgerrors.Transient(context.DeadlineExceeded, "upsert remote diagnostic")
	}
	if r.failWith != nil {
		if err := r.failWith(row); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if !row.ConsentGiven {
		r.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeConsentViolation, "consent required")
	}
	if existing, ok := r.rows[row.ID]; ok && existing.UpdatedAt.After(row.UpdatedAt) {
		r.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeConflict, "remote copy is newer")
	}
	r.seq++
	row.ServerSeq = r.seq
	r.rows[row.ID] = row
	hook := r.beforeAck
	r.mu.Unlock()
	if hook != nil {
		hook(row)
	}
	return nil
}

func (r *fakeRemote) ListSince(_ context.Context, ownerID uuid.UUID, after remote.Cursor, limit int) ([]models.RemoteDiagnostic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RemoteDiagnostic
	for _, row := range r.rows {
		if row.OwnerID != ownerID {
			continue
		}
		if row.ServerSeq <= after.Seq {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerSeq < out[j].ServerSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRemote) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDelete != nil {
		return r.failDelete
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeRemote) put(row models.RemoteDiagnostic) {
	r.mu.Lock()
	r.seq++
	row.ServerSeq = r.seq
	r.rows[row.ID] = row
	r.mu.Unlock()
}

func (r *fakeRemote) get(id uuid.UUID) (models.RemoteDiagnostic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	return row, ok
}

func (r *fakeRemote) peakConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *fakeRemote) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	deleted  []string
	badMD5   int
	putCalls int
	afterPut func(key string)
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) Put(_ context.Context, key, _ string, data []byte) (remote.Object, error) {
	o.mu.Lock()
	o.putCalls++
	o.objects[key] = append([]byte(nil), data...)
	sum := md5.Sum(data)
	digest := base64.StdEncoding.EncodeToString(sum[:])
	if o.badMD5 > 0 {
		o.badMD5--
		digest = base64.StdEncoding.EncodeToString([]byte("corrupted-digest"))
	}
	hook := o.afterPut
	o.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return remote.Object{Key: key, URL: "https://storage.example.test/" + key, MD5: digest, Size: int64(len(data))}, nil
}

func (o *fakeObjects) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}

func (o *fakeObjects) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	o.deleted = append(o.deleted, key)
	return nil
}
