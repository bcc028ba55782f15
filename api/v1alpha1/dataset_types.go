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

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DatasetSpec defines the desired state of Dataset.
type DatasetSpec struct {
	Visibility `json:",inline"`

	// Type is the storage backend of the dataset (pv, git, nfs, hostPath, env).
	// +optional
	Type string `json:"type,omitempty"`

	// URL is the source location for git-backed datasets.
	// +optional
	URL string `json:"url,omitempty"`

	// VolumeName is the name of the backing volume.
	// +optional
	VolumeName string `json:"volumeName,omitempty"`

	// MountRoot is the directory the dataset is mounted under.
	// +optional
	MountRoot string `json:"mountRoot,omitempty"`

	// LaunchGroupOnly restricts mounting to the group that launched the workload.
	// +optional
	LaunchGroupOnly bool `json:"launchGroupOnly,omitempty"`

	// EnableUploadServer exposes an upload endpoint for the dataset.
	// +optional
	EnableUploadServer bool `json:"enableUploadServer,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced
// +kubebuilder:printcolumn:name="Type",type="string",JSONPath=".spec.type"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Dataset is the Schema for the datasets API.
// Every dataset is mirrored into a read role and a writable ("rw") role.
type Dataset struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec DatasetSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// DatasetList contains a list of Dataset.
type DatasetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Dataset `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Dataset{}, &DatasetList{})
}
