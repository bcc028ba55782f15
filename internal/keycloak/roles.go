package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// Role is a Keycloak realm role representation.
type Role struct {
	ID          string              `json:"id,omitempty"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Composite   bool                `json:"composite,omitempty"`
	ClientRole  bool                `json:"clientRole,omitempty"`
	ContainerID string              `json:"containerId,omitempty"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
}

// FindRoleByName returns the realm role called name, or nil when it does not exist.
func (c *Client) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	const op = "find role"

	req, err := c.newRequest(ctx, http.MethodGet, apiPath(constants.APIPathRealmRole, c.realm, name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.doAndReadAll(req, op)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var role Role
		if err := json.Unmarshal(body, &role); err != nil {
			return nil, fmt.Errorf("%s: failed to decode role %q: %w", op, name, err)
		}
		return &role, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, unexpectedStatus(op, status, body)
	}
}

// CreateRole creates a realm role and returns it as stored. A role that already exists
// is returned as is.
func (c *Client) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	const op = "create role"

	req, err := c.newRequest(ctx, http.MethodPost, apiPath(constants.APIPathRealmRoles, c.realm),
		Role{Name: name, Description: description})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.doAndReadAll(req, op)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusCreated, http.StatusNoContent, http.StatusOK, http.StatusConflict:
	default:
		return nil, unexpectedStatus(op, status, body)
	}

	// Keycloak answers 201 with only a Location header; fetch the role for its ID.
	role, err := c.FindRoleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, fmt.Errorf("%s: role %q not found after creation", op, name)
	}
	return role, nil
}

// DeleteRoleByName deletes the realm role called name. Deleting an absent role returns an
// error satisfying errors.IsNotFound so callers can tell it apart from a real failure.
func (c *Client) DeleteRoleByName(ctx context.Context, name string) error {
	const op = "delete role"

	req, err := c.newRequest(ctx, http.MethodDelete, apiPath(constants.APIPathRealmRole, c.realm, name), nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.doAndReadAll(req, op)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return operatorerrors.WrapNotFound(fmt.Errorf("%s: role %q", op, name))
	default:
		return unexpectedStatus(op, status, body)
	}
}

// AddRoleToGroup maps role into the realm role mappings of the group with groupID.
func (c *Client) AddRoleToGroup(ctx context.Context, groupID string, role *Role) error {
	const op = "add role to group"

	if role == nil {
		return fmt.Errorf("%s: role is required", op)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiPath(constants.APIPathGroupRealmMappings, c.realm, groupID),
		[]Role{*role})
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	status, body, err := c.doAndReadAll(req, op)
	if err != nil {
		return err
	}

	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return operatorerrors.WrapNotFound(fmt.Errorf("%s: group %q", op, groupID))
	default:
		return unexpectedStatus(op, status, body)
	}
}
