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

// ImageType selects the accelerator flavour an image is built for.
// +kubebuilder:validation:Enum=cpu;gpu;both
type ImageType string

const (
	ImageTypeCPU  ImageType = "cpu"
	ImageTypeGPU  ImageType = "gpu"
	ImageTypeBoth ImageType = "both"
)

// ImageSpec defines the desired state of Image.
type ImageSpec struct {
	Visibility `json:",inline"`

	// Type is the accelerator flavour of the image.
	// +optional
	Type ImageType `json:"type,omitempty"`

	// URL is the container image reference used for CPU workloads.
	// +optional
	URL string `json:"url,omitempty"`

	// URLForGPU is the container image reference used for GPU workloads.
	// +optional
	URLForGPU string `json:"urlForGpu,omitempty"`

	// PullSecret names the image pull secret.
	// +optional
	PullSecret string `json:"pullSecret,omitempty"`

	// GroupName limits the image to a single group when set.
	// +optional
	GroupName string `json:"groupName,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced
// +kubebuilder:printcolumn:name="Display Name",type="string",JSONPath=".spec.displayName"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Image is the Schema for the images API.
type Image struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ImageSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ImageList contains a list of Image.
type ImageList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Image `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Image{}, &ImageList{})
}
