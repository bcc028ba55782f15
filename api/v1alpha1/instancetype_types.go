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
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// InstanceTypeLimits declares the compute envelope of an instance type.
type InstanceTypeLimits struct {
	// CPU is the CPU limit.
	// +optional
	CPU resource.Quantity `json:"cpu,omitempty"`

	// Memory is the memory limit.
	// +optional
	Memory resource.Quantity `json:"memory,omitempty"`

	// GPU is the number of GPUs.
	// +optional
	GPU int32 `json:"nvidia.com/gpu,omitempty"`
}

// InstanceTypeSpec defines the desired state of InstanceType.
type InstanceTypeSpec struct {
	Visibility `json:",inline"`

	// Limits is the resource limit applied to workloads of this type.
	// +optional
	Limits InstanceTypeLimits `json:"limits,omitempty"`

	// Requests is the resource request applied to workloads of this type.
	// Defaults to Limits when empty.
	// +optional
	Requests InstanceTypeLimits `json:"requests,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Namespaced,shortName=it
// +kubebuilder:printcolumn:name="CPU",type="string",JSONPath=".spec.limits.cpu"
// +kubebuilder:printcolumn:name="Memory",type="string",JSONPath=".spec.limits.memory"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// InstanceType is the Schema for the instancetypes API.
type InstanceType struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec InstanceTypeSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// InstanceTypeList contains a list of InstanceType.
type InstanceTypeList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []InstanceType `json:"items"`
}

func init() {
	SchemeBuilder.Register(&InstanceType{}, &InstanceTypeList{})
}
