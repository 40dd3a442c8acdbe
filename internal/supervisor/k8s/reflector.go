package k8s

import (
	"context"
	"fmt"
	"sync"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Reflectors maintains local caches of observed cluster state: the standard
// workload kinds plus every dynamic CRD kind appearing in a runtime spec.
// Informers recover from transient errors without stopping; a cache is ready
// only after its first successful list.
type Reflectors struct {
	cache  cache.Cache
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewReflectors builds the cache restricted to the target namespace.
func NewReflectors(config *rest.Config, scheme *runtime.Scheme, namespace string) (*Reflectors, error) {
	c, err := cache.New(config, cache.Options{
		Scheme:            scheme,
		DefaultNamespaces: map[string]cache.Config{namespace: {}},
	})
	if err != nil {
		return nil, fmt.Errorf("building reflector cache: %w", err)
	}
	return &Reflectors{cache: c}, nil
}

// Start runs the informers and blocks until the initial sync of the
// standard kinds completes or the timeout elapses.
func (r *Reflectors) Start(ctx context.Context, syncTimeout time.Duration) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		if err := r.cache.Start(runCtx); err != nil {
			log.FromContext(ctx).Error(err, "reflector cache stopped")
		}
	}()

	// standard workload kinds are always observed
	for _, obj := range []client.Object{&appsv1.Deployment{}, &appsv1.DaemonSet{}, &appsv1.StatefulSet{}} {
		if _, err := r.cache.GetInformer(ctx, obj); err != nil {
			return fmt.Errorf("starting informer: %w", err)
		}
	}

	syncCtx, cancelSync := context.WithTimeout(ctx, syncTimeout)
	defer cancelSync()
	if !r.cache.WaitForCacheSync(syncCtx) {
		return fmt.Errorf("reflector caches did not sync within %s", syncTimeout)
	}
	return nil
}

// Watch registers an informer for a dynamic kind found in a runtime spec.
func (r *Reflectors) Watch(ctx context.Context, gvk schema.GroupVersionKind) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if _, err := r.cache.GetInformer(ctx, obj); err != nil {
		return fmt.Errorf("watching %s: %w", gvk, err)
	}
	return nil
}

// Reader exposes the cache-backed reader used by health checks and GC.
func (r *Reflectors) Reader() client.Reader {
	return r.cache
}

// Stop tears down every informer.
func (r *Reflectors) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}
