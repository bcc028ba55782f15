/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package syncer

import (
	"context"
	"math"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	"github.com/dc-tec/keycloak-sync-operator/internal/cache"
	"github.com/dc-tec/keycloak-sync-operator/internal/config"
	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	"github.com/dc-tec/keycloak-sync-operator/internal/inventory"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
	"github.com/dc-tec/keycloak-sync-operator/internal/rolesync"
	"github.com/dc-tec/keycloak-sync-operator/internal/source"
)

// components is everything the syncer runs next to its credential loop.
type components struct {
	observer    *rolesync.Observer
	collections []inventory.Collection
}

// buildComponents wires one source, cache and watcher per tracked kind.
func buildComponents(cfg config.Config, c client.WithWatch, tokens rolesync.TokenSource, roles keycloak.RoleAPIFactory, log logr.Logger) *components {
	backoff := wait.Backoff{
		Duration: cfg.Rewatch.InitialDelay,
		Factor:   constants.DefaultRewatchFactor,
		Jitter:   constants.DefaultRewatchJitter,
		Steps:    math.MaxInt32,
		Cap:      cfg.Rewatch.MaxDelay,
	}
	watcherOpts := []rolesync.WatcherOption{
		rolesync.WithBackoff(backoff),
		rolesync.WithLogger(log),
	}
	everyone := cfg.Keycloak.EveryoneGroupID

	images := source.NewKubernetes(c, cfg.Namespace,
		func() *primehubv1alpha1.Image { return &primehubv1alpha1.Image{} },
		func() client.ObjectList { return &primehubv1alpha1.ImageList{} })
	datasets := source.NewKubernetes(c, cfg.Namespace,
		func() *primehubv1alpha1.Dataset { return &primehubv1alpha1.Dataset{} },
		func() client.ObjectList { return &primehubv1alpha1.DatasetList{} })
	instanceTypes := source.NewKubernetes(c, cfg.Namespace,
		func() *primehubv1alpha1.InstanceType { return &primehubv1alpha1.InstanceType{} },
		func() client.ObjectList { return &primehubv1alpha1.InstanceTypeList{} })

	reconcilers := []rolesync.Reconciler{
		rolesync.NewWatcher(rolesync.ImageKind(cfg.Kinds[constants.KindImage].KindConfig(everyone)),
			images, tokens, roles, watcherOpts...),
		rolesync.NewWatcher(rolesync.DatasetKind(cfg.Kinds[constants.KindDataset].KindConfig(everyone)),
			datasets, tokens, roles, watcherOpts...),
		rolesync.NewWatcher(rolesync.InstanceTypeKind(cfg.Kinds[constants.KindInstanceType].KindConfig(everyone)),
			instanceTypes, tokens, roles, watcherOpts...),
	}

	cacheOpts := []cache.Option{cache.WithMaxAge(cfg.CacheMaxAge), cache.WithLogger(log)}
	collections := []inventory.Collection{
		inventory.FromCache(cache.New(constants.KindImage, images.List, cacheOpts...),
			func(name string) *primehubv1alpha1.Image {
				return &primehubv1alpha1.Image{ObjectMeta: metav1.ObjectMeta{Name: name}}
			}),
		inventory.FromCache(cache.New(constants.KindDataset, datasets.List, cacheOpts...),
			func(name string) *primehubv1alpha1.Dataset {
				return &primehubv1alpha1.Dataset{ObjectMeta: metav1.ObjectMeta{Name: name}}
			}),
		inventory.FromCache(cache.New(constants.KindInstanceType, instanceTypes.List, cacheOpts...),
			func(name string) *primehubv1alpha1.InstanceType {
				return &primehubv1alpha1.InstanceType{ObjectMeta: metav1.ObjectMeta{Name: name}}
			}),
	}

	return &components{
		observer: rolesync.NewObserver(reconcilers,
			rolesync.WithResyncSchedule(cfg.ResyncSchedule),
			rolesync.WithObserverLogger(log)),
		collections: collections,
	}
}

// warmCaches fills every cache once so the first reads are served from memory. A failed
// refetch is only logged; that cache loads again on first use.
func warmCaches(ctx context.Context, collections []inventory.Collection, log logr.Logger) {
	for _, col := range collections {
		if err := col.Refetch(ctx); err != nil {
			log.Error(err, "Failed to warm cache", "kind", col.Kind())
			continue
		}
		log.V(1).Info("Cache warmed", "kind", col.Kind())
	}
}
