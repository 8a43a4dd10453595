package catalog_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boubamga9/Pattyly-sub002/catalog"
	"github.com/boubamga9/Pattyly-sub002/catalog/store"
)

type fakeSource struct {
	mu       sync.Mutex
	shops    map[string]*catalog.ShopVersion
	products map[string][]catalog.Product
	faqs     map[string][]catalog.FAQ

	productsErr error
	delay       time.Duration
	loads       atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		shops: map[string]*catalog.ShopVersion{
			"shop-a": {ID: "shop-a", Slug: "chez-anna", CatalogVersion: 1},
		},
		products: map[string][]catalog.Product{
			"shop-a": {{ID: "p1", Name: "Paris-Brest", BasePrice: 28, IsActive: true}},
		},
		faqs: map[string][]catalog.FAQ{},
	}
}

func (f *fakeSource) ShopVersion(_ context.Context, shopID string) (catalog.ShopVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sv, ok := f.shops[shopID]
	if !ok {
		return catalog.ShopVersion{}, fmt.Errorf("shop %s: %w", shopID, catalog.ErrShopNotFound)
	}
	return *sv, nil
}

func (f *fakeSource) ShopProfile(_ context.Context, shopID string) (catalog.Shop, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sv := f.shops[shopID]
	return catalog.Shop{ID: sv.ID, Slug: sv.Slug, Name: "Chez Anna", IsActive: true}, nil
}

func (f *fakeSource) Products(_ context.Context, shopID string) ([]catalog.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.productsErr != nil {
		return nil, f.productsErr
	}
	return f.products[shopID], nil
}

func (f *fakeSource) FAQs(_ context.Context, shopID string) ([]catalog.FAQ, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faqs[shopID], nil
}

func (f *fakeSource) BumpCatalogVersion(_ context.Context, shopID string) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sv, ok := f.shops[shopID]
	if !ok {
		return 0, "", catalog.ErrShopNotFound
	}
	sv.CatalogVersion++
	return sv.CatalogVersion, sv.Slug, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	slugs []string
	ok    bool
}

func (n *recordingNotifier) Notify(_ context.Context, slug string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slugs = append(n.slugs, slug)
	return n.ok
}

func newTestService(t *testing.T, src catalog.Source, opts ...catalog.Option) (*catalog.Service, *catalog.Cache) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	cache := catalog.NewCache(st)
	return catalog.NewService(src, cache, opts...), cache
}

func TestService_Load_MissThenHit(t *testing.T) {
	src := newFakeSource()
	svc, cache := newTestService(t, src)
	ctx := context.Background()

	first, err := svc.Load(ctx, "shop-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first.Version != 1 || first.Shop.Slug != "chez-anna" || len(first.Products) != 1 {
		t.Errorf("Load() = %+v, unexpected catalog", first)
	}
	if first.FAQs == nil {
		t.Error("Load() FAQs is nil, want empty slice")
	}

	if _, err := svc.Load(ctx, "shop-a"); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if n := src.loads.Load(); n != 1 {
		t.Errorf("durable store reloads = %d, want 1", n)
	}

	stats, _ := cache.Stats(ctx)
	if stats.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.Hits)
	}
}

func TestService_Load_VersionBumpInvalidates(t *testing.T) {
	src := newFakeSource()
	svc, cache := newTestService(t, src)
	ctx := context.Background()

	if _, err := svc.Load(ctx, "shop-a"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	version, err := svc.Invalidate(ctx, "shop-a")
	if err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if version != 2 {
		t.Fatalf("Invalidate() = %d, want 2", version)
	}

	cat, err := svc.Load(ctx, "shop-a")
	if err != nil {
		t.Fatalf("Load() after bump error = %v", err)
	}
	if cat.Version != 2 {
		t.Errorf("Load() version = %d, want 2", cat.Version)
	}
	if n := src.loads.Load(); n != 2 {
		t.Errorf("durable store reloads = %d, want 2", n)
	}

	// The old entry is not deleted; it ages out under its own key.
	old, ok, err := cache.Get(ctx, catalog.GenerateKey("shop-a", 1))
	if err != nil || !ok {
		t.Fatalf("old version entry missing: ok=%v err=%v", ok, err)
	}
	if old.Version != 1 {
		t.Errorf("old entry version = %d, want 1", old.Version)
	}
	if _, ok, _ := cache.Get(ctx, catalog.GenerateKey("shop-a", 2)); !ok {
		t.Error("new version entry missing")
	}
}

func TestService_Load_NotFound(t *testing.T) {
	svc, cache := newTestService(t, newFakeSource())
	ctx := context.Background()

	_, err := svc.Load(ctx, "missing")
	if !errors.Is(err, catalog.ErrShopNotFound) {
		t.Fatalf("Load() error = %v, want ErrShopNotFound", err)
	}

	stats, _ := cache.Stats(ctx)
	if stats.Size != 0 {
		t.Errorf("cache size after failed load = %d, want 0", stats.Size)
	}
}

func TestService_Load_SourceErrorIsNotCached(t *testing.T) {
	src := newFakeSource()
	boom := errors.New("connection reset")
	src.productsErr = boom
	svc, cache := newTestService(t, src)
	ctx := context.Background()

	if _, err := svc.Load(ctx, "shop-a"); !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want %v", err, boom)
	}

	stats, _ := cache.Stats(ctx)
	if stats.Size != 0 {
		t.Errorf("cache size after failed load = %d, want 0", stats.Size)
	}

	src.mu.Lock()
	src.productsErr = nil
	src.mu.Unlock()

	if _, err := svc.Load(ctx, "shop-a"); err != nil {
		t.Fatalf("Load() after recovery error = %v", err)
	}
}

func TestService_Load_BypassesBrokenCache(t *testing.T) {
	src := newFakeSource()
	cache := catalog.NewCache(failingStore{err: errors.New("redis down")})
	svc := catalog.NewService(src, cache)

	cat, err := svc.Load(context.Background(), "shop-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cat.Shop.ID != "shop-a" {
		t.Errorf("Load() shop = %q, want shop-a", cat.Shop.ID)
	}
}

func TestService_Load_CoalescesConcurrentMisses(t *testing.T) {
	src := newFakeSource()
	src.delay = 50 * time.Millisecond
	svc, _ := newTestService(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Load(ctx, "shop-a"); err != nil {
				t.Errorf("Load() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// Coalescing is best effort; at minimum far fewer than ten reloads happen.
	if n := src.loads.Load(); n > 2 {
		t.Errorf("durable store reloads = %d, want at most 2", n)
	}
}

func TestService_Invalidate_Notifies(t *testing.T) {
	tests := []struct {
		name     string
		notifyOK bool
	}{
		{name: "signal accepted", notifyOK: true},
		{name: "signal failed does not fail invalidate", notifyOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{ok: tt.notifyOK}
			svc, _ := newTestService(t, newFakeSource(), catalog.WithNotifier(n))

			version, err := svc.Invalidate(context.Background(), "shop-a")
			if err != nil {
				t.Fatalf("Invalidate() error = %v", err)
			}
			if version != 2 {
				t.Errorf("Invalidate() = %d, want 2", version)
			}
			if len(n.slugs) != 1 || n.slugs[0] != "chez-anna" {
				t.Errorf("notified slugs = %v, want [chez-anna]", n.slugs)
			}
		})
	}
}

func TestService_Invalidate_NotFound(t *testing.T) {
	n := &recordingNotifier{ok: true}
	svc, _ := newTestService(t, newFakeSource(), catalog.WithNotifier(n))

	if _, err := svc.Invalidate(context.Background(), "missing"); !errors.Is(err, catalog.ErrShopNotFound) {
		t.Fatalf("Invalidate() error = %v, want ErrShopNotFound", err)
	}
	if len(n.slugs) != 0 {
		t.Errorf("notifier called for missing shop: %v", n.slugs)
	}
}

func TestService_WithTTL(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now), store.WithCleanupInterval(time.Hour))
	defer st.Close()

	src := newFakeSource()
	svc := catalog.NewService(src, catalog.NewCache(st), catalog.WithTTL(time.Minute))
	ctx := context.Background()

	_, _ = svc.Load(ctx, "shop-a")
	clock.Advance(2 * time.Minute)
	_, _ = svc.Load(ctx, "shop-a")

	if n := src.loads.Load(); n != 2 {
		t.Errorf("durable store reloads = %d, want 2 after ttl expiry", n)
	}
}

// gatedSource holds ShopProfile until release is closed or ctx ends.
type gatedSource struct {
	*fakeSource
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSource() *gatedSource {
	return &gatedSource{
		fakeSource: newFakeSource(),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedSource) ShopProfile(ctx context.Context, shopID string) (catalog.Shop, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return g.fakeSource.ShopProfile(ctx, shopID)
	case <-ctx.Done():
		return catalog.Shop{}, ctx.Err()
	}
}

func TestService_Load_CancelledCallerDoesNotFailOthers(t *testing.T) {
	src := newGatedSource()
	svc, _ := newTestService(t, src)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.Load(ctxA, "shop-a")
		errA <- err
	}()

	<-src.started
	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
	}

	type result struct {
		cat *catalog.Catalog
		err error
	}
	resB := make(chan result, 1)
	go func() {
		cat, err := svc.Load(context.Background(), "shop-a")
		resB <- result{cat, err}
	}()

	// Give the live caller time to join the reload still in flight.
	time.Sleep(50 * time.Millisecond)
	close(src.release)

	got := <-resB
	if got.err != nil {
		t.Fatalf("live caller error = %v, want nil", got.err)
	}
	if got.cat.Shop.Name != "Chez Anna" {
		t.Errorf("live caller catalog = %+v", got.cat)
	}
	if n := src.loads.Load(); n != 1 {
		t.Errorf("durable store reloads = %d, want 1", n)
	}
}

func TestService_Load_ReloadTimeout(t *testing.T) {
	src := newGatedSource()
	svc, cache := newTestService(t, src, catalog.WithReloadTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := svc.Load(ctx, "shop-a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Load() error = %v, want context.DeadlineExceeded", err)
	}

	stats, _ := cache.Stats(ctx)
	if stats.Size != 0 {
		t.Errorf("cache size after timed out reload = %d, want 0", stats.Size)
	}
}
