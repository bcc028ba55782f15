// Package rolesync mirrors the lifecycle of PrimeHub custom resources into Keycloak realm
// roles. A role's existence is the durable record that its resource was reconciled.
package rolesync

import (
	"context"
	"fmt"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	"github.com/dc-tec/keycloak-sync-operator/internal/keycloak"
)

// Object is a named resource.
type Object interface {
	GetName() string
}

// Kind describes how resources of one kind map to roles.
type Kind[T Object] interface {
	// Name is the kind name used in logs and metrics.
	Name() string
	// Prefix is prepended to the resource name to form the primary role name.
	Prefix() string
	// RoleNames returns every role owned by the named resource, primary role first.
	RoleNames(resourceName string) []string
	// CreateOnKeycloak creates the missing roles of obj and applies the kind's default
	// wiring. created reports whether any role had to be created.
	CreateOnKeycloak(ctx context.Context, api keycloak.RoleAPI, obj T) (created bool, err error)
	// DefaultGroupAssignment reports whether obj's primary role goes to the everyone group.
	DefaultGroupAssignment(obj T) bool
}

// KindConfig parameterises a built-in kind.
type KindConfig struct {
	// Prefix of the primary role, including its separator (e.g. "ds:").
	Prefix string
	// WritableRole adds a "<prefix>rw:<name>" role next to the primary role. Always set
	// for datasets.
	WritableRole bool
	// EveryoneGroupID is the Keycloak group that receives roles of global resources.
	// Empty disables group assignment.
	EveryoneGroupID string
	// AlwaysGlobal treats every resource of the kind as global.
	AlwaysGlobal bool
}

type roleKind[T Object] struct {
	name       string
	cfg        KindConfig
	visibility func(T) primehubv1alpha1.Visibility
}

var _ Kind[*primehubv1alpha1.Dataset] = (*roleKind[*primehubv1alpha1.Dataset])(nil)

// ImageKind maps Image resources to roles.
func ImageKind(cfg KindConfig) Kind[*primehubv1alpha1.Image] {
	if cfg.Prefix == "" {
		cfg.Prefix = constants.DefaultImagePrefix
	}
	return &roleKind[*primehubv1alpha1.Image]{
		name:       constants.KindImage,
		cfg:        cfg,
		visibility: func(o *primehubv1alpha1.Image) primehubv1alpha1.Visibility { return o.Spec.Visibility },
	}
}

// DatasetKind maps Dataset resources to roles. Datasets always carry a writable role.
func DatasetKind(cfg KindConfig) Kind[*primehubv1alpha1.Dataset] {
	if cfg.Prefix == "" {
		cfg.Prefix = constants.DefaultDatasetPrefix
	}
	cfg.WritableRole = true
	return &roleKind[*primehubv1alpha1.Dataset]{
		name:       constants.KindDataset,
		cfg:        cfg,
		visibility: func(o *primehubv1alpha1.Dataset) primehubv1alpha1.Visibility { return o.Spec.Visibility },
	}
}

// InstanceTypeKind maps InstanceType resources to roles.
func InstanceTypeKind(cfg KindConfig) Kind[*primehubv1alpha1.InstanceType] {
	if cfg.Prefix == "" {
		cfg.Prefix = constants.DefaultInstanceTypePrefix
	}
	return &roleKind[*primehubv1alpha1.InstanceType]{
		name:       constants.KindInstanceType,
		cfg:        cfg,
		visibility: func(o *primehubv1alpha1.InstanceType) primehubv1alpha1.Visibility { return o.Spec.Visibility },
	}
}

func (k *roleKind[T]) Name() string {
	return k.name
}

func (k *roleKind[T]) Prefix() string {
	return k.cfg.Prefix
}

func (k *roleKind[T]) RoleNames(resourceName string) []string {
	names := []string{k.cfg.Prefix + resourceName}
	if k.cfg.WritableRole {
		names = append(names, k.cfg.Prefix+constants.WritableRoleInfix+resourceName)
	}
	return names
}

func (k *roleKind[T]) DefaultGroupAssignment(obj T) bool {
	return k.cfg.AlwaysGlobal || k.visibility(obj).Global
}

// CreateOnKeycloak looks up every role before creating it and always re-applies the group
// mapping, so a run that failed halfway is completed by the next delivery or resync.
func (k *roleKind[T]) CreateOnKeycloak(ctx context.Context, api keycloak.RoleAPI, obj T) (bool, error) {
	names := k.RoleNames(obj.GetName())
	description := k.describe(obj)

	created := false
	var primary *keycloak.Role
	for i, name := range names {
		role, err := api.FindRoleByName(ctx, name)
		if err != nil {
			return created, fmt.Errorf("failed to look up role %q: %w", name, err)
		}
		if role == nil {
			role, err = api.CreateRole(ctx, name, description)
			if err != nil {
				return created, fmt.Errorf("failed to create role %q: %w", name, err)
			}
			created = true
		}
		if i == 0 {
			primary = role
		}
	}

	if k.cfg.EveryoneGroupID != "" && k.DefaultGroupAssignment(obj) {
		if err := api.AddRoleToGroup(ctx, k.cfg.EveryoneGroupID, primary); err != nil {
			return created, fmt.Errorf("failed to assign role %q to everyone group: %w", names[0], err)
		}
	}
	return created, nil
}

func (k *roleKind[T]) describe(obj T) string {
	v := k.visibility(obj)
	if v.Description != "" {
		return v.Description
	}
	if v.DisplayName != "" {
		return v.DisplayName
	}
	return obj.GetName()
}
