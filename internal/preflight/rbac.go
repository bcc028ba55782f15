package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	authorizationv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	primehubv1alpha1 "github.com/dc-tec/keycloak-sync-operator/api/v1alpha1"
	operatorerrors "github.com/dc-tec/keycloak-sync-operator/internal/errors"
)

// ErrAccessDenied is returned when the syncer's identity lacks a required permission.
var ErrAccessDenied = errors.New("missing API permissions")

type policyRulesBuilder struct {
	rules []rbacv1.PolicyRule
}

func (b *policyRulesBuilder) Group(apiGroup string) *policyRuleBuilder {
	return &policyRuleBuilder{parent: b, apiGroup: apiGroup}
}

type policyRuleBuilder struct {
	parent    *policyRulesBuilder
	apiGroup  string
	resources []string
}

func (b *policyRuleBuilder) Resources(resources ...string) *policyRuleBuilder {
	b.resources = append(b.resources, resources...)
	return b
}

func (b *policyRuleBuilder) Verbs(verbs ...string) *policyRulesBuilder {
	b.parent.rules = append(b.parent.rules, rbacv1.PolicyRule{
		APIGroups: []string{b.apiGroup},
		Resources: append([]string(nil), b.resources...),
		Verbs:     append([]string(nil), verbs...),
	})
	return b.parent
}

// RequiredRules returns the API permissions the syncer needs. Leader election adds leases
// and events.
func RequiredRules(leaderElection bool) []rbacv1.PolicyRule {
	b := &policyRulesBuilder{}
	b.Group(primehubv1alpha1.GroupVersion.Group).
		Resources("images", "datasets", "instancetypes").
		Verbs("get", "list", "watch")
	b.Group("apiextensions.k8s.io").
		Resources("customresourcedefinitions").
		Verbs("get")
	if leaderElection {
		b.Group("coordination.k8s.io").
			Resources("leases").
			Verbs("get", "list", "watch", "create", "update", "patch", "delete")
		b.Group("").
			Resources("events").
			Verbs("create", "patch")
	}
	return b.rules
}

func clusterScoped(group, resource string) bool {
	return group == "apiextensions.k8s.io" && resource == "customresourcedefinitions"
}

// CheckAccess asks the API server through SelfSubjectAccessReviews whether the current
// identity holds every rule. Namespaced resources are reviewed in namespace.
func CheckAccess(ctx context.Context, c client.Client, namespace string, rules []rbacv1.PolicyRule) error {
	var denied []string
	for _, rule := range rules {
		for _, group := range rule.APIGroups {
			for _, resource := range rule.Resources {
				ns := namespace
				if clusterScoped(group, resource) {
					ns = ""
				}
				for _, verb := range rule.Verbs {
					review := &authorizationv1.SelfSubjectAccessReview{
						Spec: authorizationv1.SelfSubjectAccessReviewSpec{
							ResourceAttributes: &authorizationv1.ResourceAttributes{
								Namespace: ns,
								Verb:      verb,
								Group:     group,
								Resource:  resource,
							},
						},
					}
					if err := c.Create(ctx, review); err != nil {
						return fmt.Errorf("failed to review %s on %s: %w", verb, qualified(group, resource), err)
					}
					if !review.Status.Allowed {
						denied = append(denied, verb+" "+qualified(group, resource))
					}
				}
			}
		}
	}
	if len(denied) > 0 {
		return operatorerrors.WrapPermanentConfig(fmt.Errorf("%w: %s", ErrAccessDenied, strings.Join(denied, ", ")))
	}
	return nil
}

func qualified(group, resource string) string {
	if group == "" {
		return resource
	}
	return resource + "." + group
}
