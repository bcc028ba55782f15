package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"github.com/dc-tec/keycloak-sync-operator/internal/constants"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
	"github.com/dc-tec/keycloak-sync-operator/internal/rolesync"
)

// KindSettings controls how resources of one kind are named and wired in Keycloak.
type KindSettings struct {
	Prefix       string
	WritableRole bool
	AlwaysGlobal bool
}

// KindConfig converts s into the role wiring of a kind.
func (s KindSettings) KindConfig(everyoneGroupID string) rolesync.KindConfig {
	return rolesync.KindConfig{
		Prefix:          s.Prefix,
		WritableRole:    s.WritableRole,
		AlwaysGlobal:    s.AlwaysGlobal,
		EveryoneGroupID: everyoneGroupID,
	}
}

// DefaultKinds returns the settings of the three tracked kinds.
func DefaultKinds() map[string]KindSettings {
	return map[string]KindSettings{
		constants.KindImage:        {Prefix: constants.DefaultImagePrefix},
		constants.KindDataset:      {Prefix: constants.DefaultDatasetPrefix, WritableRole: true},
		constants.KindInstanceType: {Prefix: constants.DefaultInstanceTypePrefix},
	}
}

func isKnownKind(name string) bool {
	_, ok := DefaultKinds()[name]
	return ok
}

type hclKind struct {
	Name         string  `hcl:"name,label"`
	Prefix       *string `hcl:"prefix,optional"`
	WritableRole *bool   `hcl:"writable_role,optional"`
	AlwaysGlobal *bool   `hcl:"always_global,optional"`
}

type hclKindsFile struct {
	Kinds []hclKind `hcl:"kind,block"`
}

type hclKindOut struct {
	Name         string `hcl:"name,label"`
	Prefix       string `hcl:"prefix"`
	WritableRole bool   `hcl:"writable_role"`
	AlwaysGlobal bool   `hcl:"always_global"`
}

// ParseKinds decodes a kinds file and applies it over DefaultKinds. Attributes left out of
// a block keep their default.
//
//	kind "dataset" {
//	  prefix = "dataset:"
//	}
func ParseKinds(src []byte, filename string) (map[string]KindSettings, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, operatorerrors.WrapPermanentConfig(fmt.Errorf("failed to parse kinds file: %w", diags))
	}

	var decoded hclKindsFile
	if diags := gohcl.DecodeBody(file.Body, nil, &decoded); diags.HasErrors() {
		return nil, operatorerrors.WrapPermanentConfig(fmt.Errorf("failed to decode kinds file: %w", diags))
	}

	kinds := DefaultKinds()
	seen := make(map[string]bool, len(decoded.Kinds))
	var errs []error
	for _, k := range decoded.Kinds {
		settings, ok := kinds[k.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown kind %q", k.Name))
			continue
		}
		if seen[k.Name] {
			errs = append(errs, fmt.Errorf("kind %q is declared twice", k.Name))
			continue
		}
		seen[k.Name] = true

		if k.Prefix != nil {
			if *k.Prefix == "" {
				errs = append(errs, fmt.Errorf("kind %q: prefix must not be empty", k.Name))
			}
			settings.Prefix = *k.Prefix
		}
		if k.WritableRole != nil {
			if k.Name == constants.KindDataset && !*k.WritableRole {
				errs = append(errs, fmt.Errorf("kind %q: the writable role cannot be disabled", k.Name))
			}
			settings.WritableRole = *k.WritableRole
		}
		if k.AlwaysGlobal != nil {
			settings.AlwaysGlobal = *k.AlwaysGlobal
		}
		kinds[k.Name] = settings
	}
	if len(errs) > 0 {
		return nil, operatorerrors.WrapPermanentConfig(errors.Join(errs...))
	}
	return kinds, nil
}

// RenderKinds writes kinds back as a kinds file, sorted by name.
func RenderKinds(kinds map[string]KindSettings) []byte {
	file := hclwrite.NewEmptyFile()
	body := file.Body()

	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	slices.Sort(names)

	for i, name := range names {
		if i > 0 {
			body.AppendNewline()
		}
		s := kinds[name]
		body.AppendBlock(gohcl.EncodeAsBlock(hclKindOut{
			Name:         name,
			Prefix:       s.Prefix,
			WritableRole: s.WritableRole,
			AlwaysGlobal: s.AlwaysGlobal,
		}, "kind"))
	}
	return hclwrite.Format(file.Bytes())
}
