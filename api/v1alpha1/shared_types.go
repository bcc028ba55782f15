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


package v1alpha1

// CRD names of the tracked kinds, as registered with the API server.
const (
	ImageCRDName        = "images.primehub.io"
	DatasetCRDName      = "datasets.primehub.io"
	InstanceTypeCRDName = "instancetypes.primehub.io"
)

// Visibility holds the fields shared by every kind that is mirrored into a role.
type Visibility struct {
	// DisplayName is the human readable name shown in the console.
	// +optional
	DisplayName string `json:"displayName,omitempty"`

	// Description is a free-form description of the resource.
	// +optional
	Description string `json:"description,omitempty"`

	// Global makes the resource visible to every group. The role created for a
	// global resource is assigned to the distinguished "everyone" group.
	// +optional
	Global bool `json:"global,omitempty"`
}
