package loading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/session"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New(session.NewMemoryStore(), 0)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatsSlidingWindow(t *testing.T) {
	t0 := time.Unix(0, 0)

	s := NewStats(2)
	s.Add(100, t0)
	s.Add(100, t0.Add(time.Second))
	if got := s.Speed(); got != 100 {
		t.Errorf("Speed() = %v, want 100", got)
	}
	if got := s.Total(); got != 200 {
		t.Errorf("Total() = %v, want 200", got)
	}

	s.Add(300, t0.Add(2*time.Second))
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if got := s.Total(); got != 400 {
		t.Errorf("Total() = %v, want only retained samples (400)", got)
	}
	if got := s.Speed(); got != 300 {
		t.Errorf("Speed() = %v, want 300", got)
	}

	// same timestamp keeps the previous speed
	s.Add(50, t0.Add(2*time.Second))
	if got := s.Speed(); got != 300 {
		t.Errorf("Speed() after zero elapsed = %v, want 300", got)
	}

	if NewStats(0).limit != 2 {
		t.Error("limit below 2 not raised")
	}
}

func TestStackLoadingListener(t *testing.T) {
	ctx := context.Background()
	cache := imagecache.NewCache(1 << 20)
	sess := newSession(t)
	clock := &fakeClock{now: time.Unix(100, 0)}

	ids := []string{"wadors:http://pacs/frames/1", "wadors:http://pacs/frames/2", "wadors:http://pacs/frames/3", "wadors:http://pacs/frames/4"}
	cache.Put(ids[0], make([]byte, 10))

	var summaries []Summary
	l := NewStackLoadingListener("ds-1", ids, cache, sess, Options{
		Now:        clock.Now,
		OnComplete: func(s Summary) { summaries = append(summaries, s) },
	})
	defer l.Destroy()

	var got StackProgress
	if err := sess.Get(ctx, "StackProgress:ds-1", &got); err != nil {
		t.Fatalf("progress not published: %v", err)
	}
	if got.LoadedFramesCount != 1 || got.PercentComplete != 25 || !got.FramesStatus[0] {
		t.Errorf("initial progress = %+v, want cached frame marked", got)
	}

	clock.Advance(time.Second)
	cache.Put(ids[1], make([]byte, 10))
	clock.Advance(time.Second)
	cache.Put(ids[2], make([]byte, 10))
	cache.Put("wadors:http://other/frames/1", make([]byte, 10))

	p := l.Progress()
	if p.LoadedFramesCount != 3 || p.LoadingFramesCount != 1 {
		t.Errorf("progress = %+v, want 3 loaded 1 loading", p)
	}
	if p.FramesPerSecond != 1 {
		t.Errorf("FramesPerSecond = %v, want 1", p.FramesPerSecond)
	}

	cache.Remove(ids[1])
	if p := l.Progress(); p.LoadedFramesCount != 2 || p.FramesStatus[1] {
		t.Errorf("after eviction = %+v", p)
	}

	cache.Put(ids[1], make([]byte, 10))
	cache.Put(ids[3], make([]byte, 10))
	if p := l.Progress(); p.PercentComplete != 100 {
		t.Errorf("PercentComplete = %v, want 100", p.PercentComplete)
	}
	if len(summaries) != 1 || summaries[0].FramesLoaded != 4 || summaries[0].Kind != KindStack {
		t.Fatalf("summaries = %+v, want one completion", summaries)
	}
	if summaries[0].Duration != 2*time.Second {
		t.Errorf("Duration = %v, want 2s", summaries[0].Duration)
	}

	// a reload after eviction does not complete twice
	cache.Remove(ids[3])
	cache.Put(ids[3], make([]byte, 10))
	if len(summaries) != 1 {
		t.Errorf("OnComplete called %d times", len(summaries))
	}
}

func TestDICOMFileLoadingListener(t *testing.T) {
	ctx := context.Background()
	cache := imagecache.NewCache(1 << 20)
	sess := newSession(t)
	clock := &fakeClock{now: time.Unix(0, 0)}

	ids := []string{
		"wadouri:http://pacs/wado?objectUID=1&frame=0",
		"wadouri:http://pacs/wado?objectUID=1&frame=1",
	}
	var completed int
	l := NewDICOMFileLoadingListener("ds-file", ids, cache, sess, Options{
		Now:        clock.Now,
		OnComplete: func(Summary) { completed++ },
	})
	defer l.Destroy()

	if l.DatasetURL() != "http://pacs/wado?objectUID=1" {
		t.Errorf("DatasetURL() = %q", l.DatasetURL())
	}

	clock.Advance(time.Second)
	cache.ReportProgress(ids[0], 100, 400)
	clock.Advance(time.Second)
	cache.ReportProgress(ids[0], 200, 400)
	cache.ReportProgress("wadouri:http://pacs/wado?objectUID=2", 50, 100)

	var got FileProgress
	if err := sess.Get(ctx, "StackProgress:ds-file", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PercentComplete != 50 || got.BytesLoaded != 200 {
		t.Errorf("progress = %+v, want 50%%", got)
	}
	if got.BytesPerSecond != 100 {
		t.Errorf("BytesPerSecond = %v, want 100", got.BytesPerSecond)
	}

	cache.Put(ids[0], make([]byte, 400))
	if p := l.Progress(); p.PercentComplete != 100 || p.BytesTotal != 400 {
		t.Errorf("after load = %+v", p)
	}
	cache.ReportProgress(ids[0], 400, 400)
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
}

func TestDICOMFileLoadingListenerAlreadyCached(t *testing.T) {
	cache := imagecache.NewCache(1 << 20)
	cache.Put("dicomweb:http://pacs/file.dcm", make([]byte, 64))

	l := NewDICOMFileLoadingListener("ds", []string{"dicomweb:http://pacs/file.dcm"}, cache, nil, Options{})
	defer l.Destroy()

	if p := l.Progress(); p.PercentComplete != 100 || p.BytesLoaded != 64 {
		t.Errorf("Progress() = %+v, want complete", p)
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	cache := imagecache.NewCache(1 << 20)
	sess := newSession(t)

	l := NewStackLoadingListener("ds", []string{"a", "b"}, cache, sess, Options{})
	if _, err := sess.GetRaw(ctx, l.SessionKey()); err != nil {
		t.Fatalf("GetRaw: %v", err)
	}

	l.Destroy()
	l.Destroy()

	if _, err := sess.GetRaw(ctx, l.SessionKey()); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("progress still published: %v", err)
	}

	cache.Put("a", []byte{1})
	if p := l.Progress(); p.LoadedFramesCount != 0 {
		t.Error("destroyed listener still observing the cache")
	}
	if _, err := sess.GetRaw(ctx, l.SessionKey()); !errors.Is(err, session.ErrNotFound) {
		t.Error("destroyed listener published again")
	}
}

func TestManager(t *testing.T) {
	cache := imagecache.NewCache(1 << 20)
	sess := newSession(t)
	m := NewManager(cache, sess, ManagerConfig{})

	file := m.AddStack("file", []string{
		"wadouri:http://pacs/wado?objectUID=1&frame=0",
		"wadouri:http://pacs/wado?objectUID=1&frame=1",
	})
	if file.Kind() != KindFile {
		t.Errorf("Kind() = %q, want file", file.Kind())
	}

	tests := []struct {
		name string
		ids  []string
	}{
		{"wadors frames", []string{"wadors:http://pacs/frames/1", "wadors:http://pacs/frames/2"}},
		{"several files", []string{"wadouri:http://pacs/a.dcm", "wadouri:http://pacs/b.dcm"}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := m.AddStack(tt.name, tt.ids)
			if l.Kind() != KindStack {
				t.Errorf("Kind() = %q, want stack", l.Kind())
			}
		})
	}
	if m.Count() != 4 {
		t.Errorf("Count() = %d, want 4", m.Count())
	}

	replaced := m.AddStack("file", []string{"a"})
	if got, _ := m.Listener("file"); got != replaced {
		t.Error("AddStack did not replace the listener")
	}
	if _, err := sess.GetRaw(context.Background(), SessionKey("file")); err != nil {
		t.Errorf("replacement progress missing: %v", err)
	}

	if !m.RemoveStack("file") || m.RemoveStack("file") {
		t.Error("RemoveStack results wrong")
	}
	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d", m.Count())
	}
	if keys, _ := sess.Keys(context.Background(), SessionKeyPrefix); len(keys) != 0 {
		t.Errorf("session keys left: %v", keys)
	}
}

func TestDICOMFileLoadingListenerSeveralFrames(t *testing.T) {
	cache := imagecache.NewCache(1 << 20)
	clock := &fakeClock{now: time.Unix(0, 0)}

	ids := []string{
		"wadouri:http://pacs/wado?objectUID=7&frame=0",
		"wadouri:http://pacs/wado?objectUID=7&frame=1",
		"wadouri:http://pacs/wado?objectUID=7&frame=2",
	}
	l := NewDICOMFileLoadingListener("ds-frames", ids, cache, nil, Options{Now: clock.Now})
	defer l.Destroy()

	var percents []float64
	cache.OnProgress(func(imagecache.ProgressEvent) {
		p := l.Progress()
		if p.BytesPerSecond < 0 {
			t.Errorf("BytesPerSecond = %v", p.BytesPerSecond)
		}
		percents = append(percents, p.PercentComplete)
	})

	// a stale second stream of the same file interleaves with the first
	steps := []struct {
		id     string
		loaded int64
	}{
		{ids[0], 400}, {ids[1], 50}, {ids[0], 800}, {ids[2], 100},
	}
	for _, s := range steps {
		clock.Advance(time.Second)
		cache.ReportProgress(s.id, s.loaded, 1000)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress went backwards: %v", percents)
		}
	}
	if got := l.Progress().PercentComplete; got != 80 {
		t.Errorf("PercentComplete = %v, want 80", got)
	}

	// every frame lands from one retrieval of the file
	pool := imagecache.NewPool(cache, imagecache.LoaderFunc(
		func(ctx context.Context, imageID string, progress func(int64, int64)) ([]byte, error) {
			progress(1000, 1000)
			return make([]byte, 1000), nil
		}), imagecache.PoolConfig{Workers: 2})
	served := make(chan struct{}, len(ids))
	for _, id := range ids {
		pool.AddRequest(imagecache.Request{ImageID: id, OnSuccess: func(string, []byte) { served <- struct{}{} }})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)
	pool.StartGrabbing()
	for range ids {
		select {
		case <-served:
		case <-time.After(2 * time.Second):
			t.Fatal("frames not served")
		}
	}

	if p := l.Progress(); p.PercentComplete != 100 || p.BytesTotal != 1000 {
		t.Errorf("after load = %+v", p)
	}
	if got := cache.Info().CurrentBytes; got != 1000 {
		t.Errorf("CurrentBytes = %d, want the file once", got)
	}
}
