// Package preflight verifies cluster prerequisites before the syncer starts.
package preflight

import (
	"context"
	"errors"
	"fmt"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// ErrCRDNotReady is returned when a required CRD is missing or not yet Established.
var ErrCRDNotReady = errors.New("required CRD not ready")

// RequiredCRDs are the custom resource definitions the syncer watches.
var RequiredCRDs = []string{
	primehubv1alpha1.ImageCRDName,
	primehubv1alpha1.DatasetCRDName,
	primehubv1alpha1.InstanceTypeCRDName,
}

// CheckCRDs verifies that every named CRD exists and is Established. Missing CRDs are a
// permanent configuration error; failures to reach the API server are returned as-is.
func CheckCRDs(ctx context.Context, reader client.Reader, names ...string) error {
	if len(names) == 0 {
		names = RequiredCRDs
	}

	var errs []error
	for _, name := range names {
		crd := &apiextensionsv1.CustomResourceDefinition{}
		if err := reader.Get(ctx, types.NamespacedName{Name: name}, crd); err != nil {
			if apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("%w: %s is not installed", ErrCRDNotReady, name))
				continue
			}
			return fmt.Errorf("failed to get CRD %s: %w", name, err)
		}
		if !established(crd) {
			errs = append(errs, fmt.Errorf("%w: %s is not established", ErrCRDNotReady, name))
		}
	}
	if len(errs) > 0 {
		return operatorerrors.WrapPermanentConfig(errors.Join(errs...))
	}
	return nil
}

func established(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, cond := range crd.Status.Conditions {
		if cond.Type == apiextensionsv1.Established {
			return cond.Status == apiextensionsv1.ConditionTrue
		}
	}
	return false
}
