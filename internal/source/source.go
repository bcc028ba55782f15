// Package source adapts the Kubernetes custom-resource store into the list/get/watch
// surface consumed by the resource cache and the role watchers.
package source

import (
	"context"
	"fmt"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// Event is one change notification. Err is set only on Error events, which end the stream.
type Event[T any] struct {
	Type   watch.EventType
	Object T
	Err    error
}

// Subscription is a live change stream. Events is closed when the stream ends, either
// because the server closed it or because Stop was called.
type Subscription[T any] interface {
	Events() <-chan Event[T]
	Stop()
}

// Source is the source of record for one resource kind.
type Source[T any] interface {
	List(ctx context.Context) ([]T, error)
	Get(ctx context.Context, name string) (T, error)
	Watch(ctx context.Context) (Subscription[T], error)
}

// Kubernetes reads one custom resource kind from a namespace.
type Kubernetes[T client.Object] struct {
	client    client.WithWatch
	namespace string
	newObject func() T
	newList   func() client.ObjectList
}

// NewKubernetes returns a Source over the objects of one kind in namespace. newObject
// and newList allocate the typed object and its list.
func NewKubernetes[T client.Object](c client.WithWatch, namespace string, newObject func() T, newList func() client.ObjectList) *Kubernetes[T] {
	return &Kubernetes[T]{
		client:    c,
		namespace: namespace,
		newObject: newObject,
		newList:   newList,
	}
}

// List returns every object of the kind.
func (k *Kubernetes[T]) List(ctx context.Context) ([]T, error) {
	list := k.newList()
	if err := k.client.List(ctx, list, client.InNamespace(k.namespace)); err != nil {
		return nil, classify(err)
	}

	objs, err := meta.ExtractList(list)
	if err != nil {
		return nil, fmt.Errorf("failed to extract list items: %w", err)
	}

	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		typed, err := k.convert(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}

// Get returns the object called name.
func (k *Kubernetes[T]) Get(ctx context.Context, name string) (T, error) {
	obj := k.newObject()
	if err := k.client.Get(ctx, client.ObjectKey{Namespace: k.namespace, Name: name}, obj); err != nil {
		var zero T
		if apierrors.IsNotFound(err) {
			return zero, operatorerrors.WrapNotFound(err)
		}
		return zero, classify(err)
	}
	return obj, nil
}

// Watch opens a change stream for the kind.
func (k *Kubernetes[T]) Watch(ctx context.Context) (Subscription[T], error) {
	w, err := k.client.Watch(ctx, k.newList(), client.InNamespace(k.namespace))
	if err != nil {
		return nil, classify(err)
	}

	sub := &subscription[T]{
		upstream: w,
		events:   make(chan Event[T]),
		done:     make(chan struct{}),
	}
	go sub.run(k.convert)
	return sub, nil
}

func (k *Kubernetes[T]) convert(obj runtime.Object) (T, error) {
	if typed, ok := obj.(T); ok {
		return typed, nil
	}

	var zero T
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return zero, fmt.Errorf("unexpected object type %T", obj)
	}
	typed := k.newObject()
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, typed); err != nil {
		return zero, fmt.Errorf("failed to convert %s: %w", u.GetName(), err)
	}
	return typed, nil
}

func classify(err error) error {
	if meta.IsNoMatchError(err) {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("CRD not installed: %w", err))
	}
	if operatorerrors.IsCRDMissingError(err) {
		return operatorerrors.WrapCRDMissing(err)
	}
	if apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err) {
		return operatorerrors.WrapTransientRemoteOverloaded(err)
	}
	if operatorerrors.IsTransientConnection(err) {
		return operatorerrors.WrapTransientConnection(err)
	}
	return err
}

type subscription[T any] struct {
	upstream watch.Interface
	events   chan Event[T]
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription[T]) Events() <-chan Event[T] {
	return s.events
}

func (s *subscription[T]) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.upstream.Stop()
	})
}

func (s *subscription[T]) run(convert func(runtime.Object) (T, error)) {
	defer close(s.events)
	upstream := s.upstream.ResultChan()

	for {
		var raw watch.Event
		select {
		case <-s.done:
			return
		case ev, ok := <-upstream:
			if !ok {
				return
			}
			raw = ev
		}

		var out Event[T]
		switch raw.Type {
		case watch.Bookmark:
			continue
		case watch.Error:
			out = Event[T]{Type: watch.Error, Err: streamError(raw.Object)}
		default:
			obj, err := convert(raw.Object)
			if err != nil {
				out = Event[T]{Type: watch.Error, Err: err}
			} else {
				out = Event[T]{Type: raw.Type, Object: obj}
			}
		}

		select {
		case <-s.done:
			return
		case s.events <- out:
		}
		if out.Type == watch.Error {
			s.Stop()
			return
		}
	}
}

func streamError(obj runtime.Object) error {
	if status, ok := obj.(*metav1.Status); ok {
		return apierrors.FromObject(status)
	}
	return fmt.Errorf("watch stream error: %v", obj)
}
